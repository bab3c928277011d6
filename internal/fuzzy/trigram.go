package fuzzy

import "strings"

// TrigramSimilarity computes the Dice coefficient over character trigrams of
// two normalized keys, matching the shape of pg_trgm's similarity(): 1.0 for
// identical strings, 0.0 for disjoint ones. The matcher's rescore pass uses
// it to sanity-check embedding-ranked candidates; the store computes the same
// measure in SQL for trigram-only queries.
func TrigramSimilarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ta)+len(tb))
}

// trigrams pads the string the way pg_trgm does (two leading and one
// trailing space) and returns its distinct character trigrams.
func trigrams(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, word := range strings.Fields(s) {
		padded := []rune("  " + word + " ")
		for i := 0; i+3 <= len(padded); i++ {
			out[string(padded[i:i+3])] = struct{}{}
		}
	}
	return out
}
