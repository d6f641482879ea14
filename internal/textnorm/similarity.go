package textnorm

import "strings"

// Weights of the two components of Similarity
const (
	coverageWeight = 0.7
	wholeWeight    = 0.3

	// Token pairs whose trigram overlap is below this are treated as unrelated.
	minTokenDice = 0.35
)

// Similarity scores how well a folded query matches folded text, in [0, 1].
// It blends per-token coverage (prefix and typo tolerant) with a trigram Dice
// coefficient over the whole strings. Text sharing no token with the query
// scores 0.
func Similarity(query, text string) float64 {
	qTokens := Tokens(query)
	tTokens := Tokens(text)
	if len(qTokens) == 0 || len(tTokens) == 0 {
		return 0
	}

	var coverage float64
	for _, q := range qTokens {
		best := 0.0
		for _, t := range tTokens {
			if s := tokenScore(q, t); s > best {
				best = s
			}
		}
		coverage += best
	}
	if coverage == 0 {
		return 0
	}
	coverage /= float64(len(qTokens))

	whole := Dice(strings.Join(qTokens, " "), strings.Join(tTokens, " "))
	return clamp01(coverageWeight*coverage + wholeWeight*whole)
}

// MatchScore scores a query against a product's name and auxiliary text
// (category, tags). Both scripts are tried; auxiliary matches count for less.
func MatchScore(query, name string, aux ...string) float64 {
	qs := Variants(Fold(query))
	names := Variants(Fold(name))
	best := 0.0
	for _, q := range qs {
		for _, n := range names {
			if s := Similarity(q, n); s > best {
				best = s
			}
		}
	}
	for _, a := range aux {
		for _, q := range qs {
			for _, v := range Variants(Fold(a)) {
				if s := 0.6 * Similarity(q, v); s > best {
					best = s
				}
			}
		}
	}
	return best
}

func tokenScore(q, t string) float64 {
	if q == t {
		return 1
	}
	if strings.HasPrefix(t, q) && runeLen(q) >= 2 {
		return 0.9 // Partially typed token
	}
	if strings.HasPrefix(q, t) && runeLen(t) >= 3 {
		return 0.8
	}
	d := Dice(q, t)
	if d < minTokenDice {
		return 0
	}
	return 0.85 * d
}

// Dice is the Sørensen–Dice coefficient over space-padded rune trigrams.
func Dice(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ga := paddedTrigrams(a)
	gb := paddedTrigrams(b)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	shared := 0
	for g := range ga {
		if gb[g] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ga)+len(gb))
}

func paddedTrigrams(s string) map[string]bool {
	rs := []rune(" " + s + " ")
	out := make(map[string]bool, len(rs))
	for i := 0; i+3 <= len(rs); i++ {
		out[string(rs[i:i+3])] = true
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
