package analyzer

import (
	"strings"
	"unicode"
)

// Options selects the normalizations applied by a Tokenizer.
type Options struct {
	Stemming bool
	// Negation fuses a negation word with the next content word, so that
	// "not good" yields "not_good" instead of "good".
	Negation bool
}

// Tokenizer turns review text into index terms: lower-cased words of at
// least two characters with English stopwords removed.
type Tokenizer struct {
	opts      Options
	stopwords map[string]struct{}
}

// NewTokenizer creates a new Tokenizer.
func NewTokenizer(opts Options) *Tokenizer {
	return &Tokenizer{
		opts:      opts,
		stopwords: defaultStopwords(),
	}
}

// Tokenize splits text into terms. A pending negation ends at the next
// clause boundary (. , ; : ! ?) if no content word followed it.
func (t *Tokenizer) Tokenize(text string) []string {
	var tokens []string
	negated := false

	emit := func(word string) {
		word = strings.ToLower(word)
		if t.opts.Negation && isNegation(word) {
			negated = true
			return
		}
		word = strings.ReplaceAll(word, "'", "")
		if len(word) < 2 {
			return
		}
		if _, stop := t.stopwords[word]; stop {
			return
		}
		if t.opts.Stemming {
			word = Stem(word)
		}
		if negated {
			word = "not_" + word
			negated = false
		}
		tokens = append(tokens, word)
	}

	var current strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
			continue
		case isApostrophe(r) && current.Len() > 0 && i+1 < len(runes) && unicode.IsLetter(runes[i+1]):
			current.WriteRune('\'')
			continue
		}
		if current.Len() > 0 {
			emit(current.String())
			current.Reset()
		}
		if isClauseBoundary(r) {
			negated = false
		}
	}
	if current.Len() > 0 {
		emit(current.String())
	}
	return tokens
}

func isApostrophe(r rune) bool {
	return r == '\'' || r == '’'
}

func isClauseBoundary(r rune) bool {
	switch r {
	case '.', ',', ';', ':', '!', '?':
		return true
	}
	return false
}

func isNegation(word string) bool {
	switch word {
	case "not", "no", "never", "nor", "without", "cannot":
		return true
	}
	return strings.HasSuffix(word, "n't")
}

func defaultStopwords() map[string]struct{} {
	stops := []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "were", "will", "with", "this",
		"have", "had", "but", "you", "your", "we", "our", "my", "me",
		"they", "their", "she", "her", "his", "if", "or", "so",
		"can", "do", "does", "did", "been", "being", "would",
		"could", "should", "may", "might", "must", "shall", "which",
		"who", "whom", "what", "when", "where", "why", "how", "all",
		"each", "every", "both", "few", "more", "most", "other",
		"some", "such", "than", "too", "very", "just", "also",
		"im", "ive", "one", "get", "got",
	}
	m := make(map[string]struct{}, len(stops))
	for _, s := range stops {
		m[s] = struct{}{}
	}
	return m
}
