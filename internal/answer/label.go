package answer

import (
	"strings"
	"unicode"

	"github.com/arbovm/levenshtein"

	"github.com/zombor/quiz-relay/internal/extract"
)

var answerPrefixes = []string{
	"the correct answer is",
	"correct answer:",
	"the answer is",
	"answer:",
	"answer is",
	"option",
}

// matchLabel resolves a multiple-choice response to one of the option labels.
// A leading label wins; otherwise the option whose text the response names, or
// is closest to by edit distance, is chosen. It returns "" when unsure.
func matchLabel(response string, options []extract.Option) string {
	if len(options) == 0 {
		return ""
	}
	labels := make(map[string]bool, len(options))
	for _, o := range options {
		labels[o.Label] = true
	}

	if label := leadingLabel(response); labels[label] {
		return label
	}

	normalized := normalize(response)
	if normalized == "" {
		return ""
	}

	var contained []string
	for _, o := range options {
		text := normalize(o.Text)
		if text != "" && strings.Contains(normalized, text) {
			contained = append(contained, o.Label)
		}
	}
	if len(contained) == 1 {
		return contained[0]
	}

	best, bestDistance := "", -1
	for _, o := range options {
		text := normalize(o.Text)
		if text == "" {
			continue
		}
		d := levenshtein.Distance(normalized, text)
		if d > len(text)/3 {
			continue
		}
		if bestDistance < 0 || d < bestDistance {
			best, bestDistance = o.Label, d
		}
	}
	return best
}

// leadingLabel extracts a label such as "B", "(b)", "**B)**" or "Answer: B" from the start of s.
// The label must stand alone: followed by a separator, the end of its line, or,
// after an answer prefix, a space when written upper-case.
func leadingLabel(s string) string {
	s = trimNonAlnum(s)
	lower := strings.ToLower(s)
	prefixed := false
	for _, p := range answerPrefixes {
		if strings.HasPrefix(lower, p) {
			s = trimNonAlnum(s[len(p):])
			prefixed = true
			break
		}
	}

	runes := []rune(s)
	if len(runes) == 0 || !unicode.IsLetter(runes[0]) {
		return ""
	}
	label := strings.ToUpper(string(runes[0]))

	rest := string(runes[1:])
	if rest == "" || strings.ContainsRune(").:]*,", runes[1]) {
		return label
	}
	if !unicode.IsSpace(runes[1]) {
		return ""
	}
	line := strings.TrimLeft(rest, " \t")
	if line == "" || line[0] == '\n' || line[0] == '\r' {
		return label
	}
	if prefixed && unicode.IsUpper(runes[0]) {
		return label
	}
	return ""
}

func trimNonAlnum(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize lower-cases s and collapses punctuation and whitespace.
func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}
