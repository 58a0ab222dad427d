package validation

import "testing"

func TestSimilarityExactMatch(t *testing.T) {
	if got := Similarity(MethodExactMatch, "same", "same"); got != 1 {
		t.Errorf("identical strings = %g, want 1", got)
	}

	if got := Similarity(MethodExactMatch, "same", "Same"); got != 0 {
		t.Errorf("differing strings = %g, want 0", got)
	}
}

func TestCosineTFIDF(t *testing.T) {
	if got := cosineTFIDF("the quick brown fox", "the quick brown fox"); got < 0.999 {
		t.Errorf("identical documents = %g, want ~1", got)
	}

	if got := cosineTFIDF("alpha beta gamma", "delta epsilon zeta"); got != 0 {
		t.Errorf("disjoint documents = %g, want 0", got)
	}

	partial := cosineTFIDF("result count 42 items", "result count 41 items")
	if partial <= 0 || partial >= 1 {
		t.Errorf("overlapping documents = %g, want in (0, 1)", partial)
	}

	if got := cosineTFIDF("", ""); got != 1 {
		t.Errorf("two empty documents = %g, want 1", got)
	}

	if got := cosineTFIDF("something", ""); got != 0 {
		t.Errorf("one empty document = %g, want 0", got)
	}
}

func TestCosineTFIDFCaseAndPunctuationInsensitive(t *testing.T) {
	if got := cosineTFIDF(`{"doc":"Alpha"}`, "doc alpha"); got < 0.999 {
		t.Errorf("tokenized forms = %g, want ~1", got)
	}
}
