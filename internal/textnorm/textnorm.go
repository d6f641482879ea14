// Package textnorm normalizes product names and user queries so that case,
// diacritics, punctuation and Cyrillic/Latin script differences do not defeat
// lexical matching.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s, strips combining marks, turns punctuation into
// separators and collapses whitespace.
func Fold(s string) string {
	// Transformers carry state, so one chain per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	b.Grow(len(stripped))
	space := true
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeQuery is the canonical form used for cache keys and matching.
// An empty result means the query carried no searchable characters.
func NormalizeQuery(q string) string {
	return Fold(q)
}

// Tokens splits folded text into tokens
func Tokens(s string) []string {
	return strings.Fields(s)
}

var mnLatin = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ж': "j",
	'з': "z", 'и': "i", 'к': "k", 'л': "l", 'м': "m", 'н': "n", 'о': "o",
	'ө': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u", 'ү': "u",
	'ф': "f", 'х': "h", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "sh", 'ъ': "",
	'ы': "y", 'ь': "i", 'э': "e", 'ю': "yu", 'я': "ya",
}

// Transliterate maps folded Mongolian/Russian Cyrillic to the informal Latin
// spelling people type in chat. Non-Cyrillic runes pass through.
func Transliterate(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if lat, ok := mnLatin[r]; ok {
			b.WriteString(lat)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Variants returns the distinct folded forms of s: itself and its transliteration.
func Variants(folded string) []string {
	if folded == "" {
		return nil
	}
	tr := Transliterate(folded)
	if tr == folded {
		return []string{folded}
	}
	return []string{folded, tr}
}

// SearchText builds the indexed lexical text for a product
func SearchText(name, category string, tags []string) string {
	seen := make(map[string]bool)
	parts := make([]string, 0, 4+len(tags))
	add := func(s string) {
		for _, v := range Variants(Fold(s)) {
			if !seen[v] {
				seen[v] = true
				parts = append(parts, v)
			}
		}
	}
	add(name)
	add(category)
	for _, tag := range tags {
		add(tag)
	}
	return strings.Join(parts, " ")
}

// Trigrams returns the distinct rune trigrams of every token with at least
// three runes, in first-seen order.
func Trigrams(folded string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range Tokens(folded) {
		rs := []rune(tok)
		for i := 0; i+3 <= len(rs); i++ {
			g := string(rs[i : i+3])
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out
}

// runeLen counts runes without allocating
func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
