package analyzer

import "strings"

// Stem strips common English inflections: plurals, -ing, -ed, -ly and a
// trailing silent e. It maps the usual forms of a review word ("charge",
// "charged", "charging") to one term. Non-ASCII words are returned as is.
func Stem(word string) string {
	if len(word) <= 3 || !isASCII(word) {
		return word
	}
	word = stripPlural(word)
	word = stripInflection(word)
	if len(word) >= 4 && strings.HasSuffix(word, "e") && !strings.HasSuffix(word, "ee") {
		word = word[:len(word)-1]
	}
	return word
}

func stripPlural(word string) string {
	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 4:
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "sses"):
		return word[:len(word)-2]
	case strings.HasSuffix(word, "es"):
		stem := word[:len(word)-2]
		for _, s := range []string{"s", "x", "z", "ch", "sh"} {
			if strings.HasSuffix(stem, s) {
				return stem
			}
		}
	}
	if strings.HasSuffix(word, "s") {
		for _, s := range []string{"ss", "us", "is"} {
			if strings.HasSuffix(word, s) {
				return word
			}
		}
		return word[:len(word)-1]
	}
	return word
}

func stripInflection(word string) string {
	for _, suffix := range []string{"ing", "ed"} {
		if !strings.HasSuffix(word, suffix) {
			continue
		}
		stem := word[:len(word)-len(suffix)]
		if len(stem) < 3 || !hasVowel(stem) {
			return word
		}
		// "speed", "agreed"
		if suffix == "ed" && strings.HasSuffix(stem, "e") {
			return word
		}
		return undouble(stem)
	}
	if strings.HasSuffix(word, "ly") && len(word) >= 6 {
		return word[:len(word)-2]
	}
	return word
}

// undouble turns "runn" into "run" and "stopp" into "stop"; l, s and z
// stay doubled ("fall", "press", "buzz").
func undouble(stem string) string {
	n := len(stem)
	if n < 2 || stem[n-1] != stem[n-2] || isVowel(stem[n-1]) {
		return stem
	}
	switch stem[n-1] {
	case 'l', 's', 'z':
		return stem
	}
	return stem[:n-1]
}

func hasVowel(s string) bool {
	for i := 0; i < len(s); i++ {
		if isVowel(s[i]) || (s[i] == 'y' && i > 0) {
			return true
		}
	}
	return false
}

func isVowel(c byte) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
