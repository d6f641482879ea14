package storage

import (
	"encoding/binary"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/textnorm"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// Lexical candidate pool per requested result. Recall first, the Go
// rescoring decides the order.
const (
	lexicalCandidateFactor = 8
	minLexicalCandidates   = 50
	maxQueryTrigrams       = 32
)

// candidate represents a product with its similarity score
type candidate struct {
	id    string
	score float64
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// clampUnit clamps a similarity into [0, 1]. Opposite vectors score 0.
func clampUnit(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// sortCandidates sorts by score descending, id ascending on ties
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
}

// formatPGVector renders a vector in pgvector's text input format
func formatPGVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parsePGVector parses pgvector's text output format
func parsePGVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}

// lexicalCandidateLimit is how many rows a backend fetches for rescoring
func lexicalCandidateLimit(limit int) int {
	n := limit * lexicalCandidateFactor
	if n < minLexicalCandidates {
		n = minLexicalCandidates
	}
	return n
}

// queryTrigrams collects the trigrams of the folded query and its
// transliteration, capped to keep MATCH expressions small
func queryTrigrams(folded string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, variant := range textnorm.Variants(folded) {
		for _, g := range textnorm.Trigrams(variant) {
			if seen[g] {
				continue
			}
			seen[g] = true
			out = append(out, g)
			if len(out) == maxQueryTrigrams {
				return out
			}
		}
	}
	return out
}

// buildFTSMatch ORs the quoted trigrams into an FTS5 MATCH expression.
// Folded text carries only letters and digits, so quoting is sufficient.
func buildFTSMatch(grams []string) string {
	quoted := make([]string, len(grams))
	for i, g := range grams {
		quoted[i] = `"` + strings.ReplaceAll(g, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// escapeLike escapes LIKE wildcards using backslash
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// rescoreLexical scores candidates with the shared text similarity so both
// backends rank lexical matches identically. Zero scores are dropped.
func rescoreLexical(query string, products []*types.Product, limit int) []ScoredProduct {
	scored := make([]ScoredProduct, 0, len(products))
	for _, p := range products {
		score := textnorm.MatchScore(query, p.Name, append([]string{p.Category}, p.Tags...)...)
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredProduct{Product: p, Score: clampUnit(score)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Product.ID < scored[j].Product.ID
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// orderByIDs arranges products in the order of ids, attaching scores
func orderByIDs(products []*types.Product, ranked []candidate) []ScoredProduct {
	byID := make(map[string]*types.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	out := make([]ScoredProduct, 0, len(ranked))
	for _, c := range ranked {
		if p, ok := byID[c.id]; ok {
			out = append(out, ScoredProduct{Product: p, Score: c.score})
		}
	}
	return out
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// CosineSimilarity is an exported helper for testing
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
