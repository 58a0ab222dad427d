package validation

import (
	"math"
	"strings"
	"unicode"
)

// Similarity scores two output strings with the configured method.
func Similarity(method SimilarityMethod, projected, recorded string) float64 {
	switch method {
	case MethodCosineTFIDF:
		return cosineTFIDF(projected, recorded)
	default:
		if projected == recorded {
			return 1
		}

		return 0
	}
}

// cosineTFIDF computes the cosine similarity of the two strings' TF-IDF
// vectors over the two-document corpus they form. Terms present in both
// documents carry a smoothed IDF weight so identical strings still score 1.
func cosineTFIDF(a, b string) float64 {
	termsA := termFrequencies(a)
	termsB := termFrequencies(b)

	if len(termsA) == 0 || len(termsB) == 0 {
		if len(termsA) == 0 && len(termsB) == 0 {
			return 1
		}

		return 0
	}

	idf := func(term string) float64 {
		documents := 0.0
		if _, ok := termsA[term]; ok {
			documents++
		}

		if _, ok := termsB[term]; ok {
			documents++
		}

		// Smoothed: ln((N+1)/(df+1)) + 1 with N = 2 documents.
		return math.Log(3.0/(documents+1)) + 1
	}

	var dot, normA, normB float64

	for term, tf := range termsA {
		weight := tf * idf(term)
		normA += weight * weight

		if tfB, ok := termsB[term]; ok {
			dot += weight * tfB * idf(term)
		}
	}

	for term, tf := range termsB {
		weight := tf * idf(term)
		normB += weight * weight
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// termFrequencies tokenizes a string into lowercase alphanumeric terms and
// returns their relative frequencies.
func termFrequencies(text string) map[string]float64 {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	if len(tokens) == 0 {
		return nil
	}

	frequencies := make(map[string]float64, len(tokens))
	for _, token := range tokens {
		frequencies[token]++
	}

	total := float64(len(tokens))
	for token := range frequencies {
		frequencies[token] /= total
	}

	return frequencies
}
