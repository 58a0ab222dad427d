package mining

import "sort"

// prefixSpan mines frequent sequential patterns from tool-id sequences.
//
// Classic projected-database PrefixSpan: grow each frequent prefix by one
// item, projecting every sequence to its suffix after the first occurrence
// of that item. Patterns are emitted once their length reaches minLen and
// growth stops at maxLen. Candidate items are visited in sorted order so the
// output is deterministic for a fixed input.
func prefixSpan(sequences [][]string, absSupport, minLen, maxLen int) [][]string {
	if absSupport < 1 {
		absSupport = 1
	}

	projections := make([]projection, 0, len(sequences))
	for i := range sequences {
		projections = append(projections, projection{sequence: sequences[i], offset: 0})
	}

	var patterns [][]string

	growPrefix(nil, projections, absSupport, minLen, maxLen, &patterns)

	return patterns
}

// projection is a sequence viewed from a suffix offset.
type projection struct {
	sequence []string
	offset   int
}

// growPrefix recursively extends prefix with every item frequent in the
// projected database.
func growPrefix(prefix []string, db []projection, absSupport, minLen, maxLen int, out *[][]string) {
	if len(prefix) >= maxLen {
		return
	}

	// Count each item's support: the number of projected sequences whose
	// suffix contains it at least once.
	counts := make(map[string]int)

	for _, p := range db {
		seen := make(map[string]bool)

		for _, item := range p.sequence[p.offset:] {
			if !seen[item] {
				counts[item]++

				seen[item] = true
			}
		}
	}

	items := make([]string, 0, len(counts))

	for item, count := range counts {
		if count >= absSupport {
			items = append(items, item)
		}
	}

	sort.Strings(items)

	for _, item := range items {
		extended := append(append([]string(nil), prefix...), item)

		if len(extended) >= minLen {
			*out = append(*out, extended)
		}

		// Project: each containing sequence advances past the first
		// occurrence of the item.
		var projected []projection

		for _, p := range db {
			for i := p.offset; i < len(p.sequence); i++ {
				if p.sequence[i] == item {
					projected = append(projected, projection{sequence: p.sequence, offset: i + 1})

					break
				}
			}
		}

		growPrefix(extended, projected, absSupport, minLen, maxLen, out)
	}
}

// containsSubsequence reports whether pattern occurs as a (not necessarily
// contiguous) subsequence of sequence.
func containsSubsequence(sequence, pattern []string) bool {
	return len(matchPositions(sequence, pattern)) == len(pattern)
}

// matchPositions returns the earliest-match position of each pattern element
// within sequence, or a shorter slice when the pattern does not fully match.
func matchPositions(sequence, pattern []string) []int {
	positions := make([]int, 0, len(pattern))
	next := 0

	for _, item := range pattern {
		matched := false

		for i := next; i < len(sequence); i++ {
			if sequence[i] == item {
				positions = append(positions, i)
				next = i + 1
				matched = true

				break
			}
		}

		if !matched {
			break
		}
	}

	return positions
}

// isStrictSubsequence reports whether a is a strict subsequence of b.
func isStrictSubsequence(a, b []string) bool {
	return len(a) < len(b) && containsSubsequence(b, a)
}
