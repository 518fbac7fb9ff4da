package promote

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// KeywordExtractor is a heuristic Extractor used when no external
// enrichment service is configured but extraction is enabled: capitalized
// words become entities, the most frequent non-stopword stems become
// topics.
type KeywordExtractor struct {
	// MaxTopics bounds the number of topics returned.
	MaxTopics int
}

func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{MaxTopics: 3}
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"he": {}, "her": {}, "his": {}, "i": {}, "in": {}, "is": {}, "it": {},
	"its": {}, "my": {}, "not": {}, "of": {}, "on": {}, "or": {}, "she": {},
	"so": {}, "that": {}, "the": {}, "their": {}, "they": {}, "this": {},
	"to": {}, "was": {}, "we": {}, "were": {}, "with": {}, "you": {},
}

func (e *KeywordExtractor) Extract(_ context.Context, text string) ([]string, []string, error) {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	freq := make(map[string]int)
	var entities []string
	seenEntity := make(map[string]struct{})
	for i, w := range words {
		lower := strings.ToLower(w)
		if _, ok := stopwords[lower]; ok {
			continue
		}
		// Mid-sentence capitalization marks a proper noun.
		if i > 0 && unicode.IsUpper([]rune(w)[0]) {
			if _, ok := seenEntity[w]; !ok {
				seenEntity[w] = struct{}{}
				entities = append(entities, w)
			}
			continue
		}
		if len(lower) > 3 {
			freq[lower]++
		}
	}

	topics := topKeys(freq, e.MaxTopics)
	return topics, entities, nil
}

// topKeys returns up to n keys by descending count, ties by key ascending.
func topKeys(freq map[string]int, n int) []string {
	if n <= 0 {
		n = 3
	}
	keys := make([]string, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if freq[keys[i]] != freq[keys[j]] {
			return freq[keys[i]] > freq[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
