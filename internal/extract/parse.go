package extract

import (
	"regexp"
	"strings"
	"unicode"
)

// optionPattern matches an option marker line: a letter A-H or digit 1-9,
// bare or parenthesised, then ".", ")" or ":" and the option text.
var optionPattern = regexp.MustCompile(`^\(?([A-Ha-h1-9])[.):](?:\s+(.*))?$`)

// Classification is the outcome of Classify with its supporting evidence.
type Classification struct {
	Type        QuestionType
	MarkerLines int
	Ambiguous   bool
}

// Classify decides whether text is a multiple-choice question.
func Classify(text string) QuestionType {
	return ClassifyDetailed(text).Type
}

// ClassifyDetailed classifies text and reports how certain the decision is.
// Two or more option-marker lines of the same label kind (letters or digits)
// make a multiple-choice question; a single marker line or repeated labels are
// flagged as ambiguous.
func ClassifyDetailed(text string) Classification {
	lines := splitLines(text)
	kind := dominantKind(lines)

	c := Classification{Type: OpenForm}
	seen := map[string]bool{}
	duplicate := false
	for _, line := range lines {
		label, _, ok := matchOption(line, kind)
		if !ok {
			continue
		}
		c.MarkerLines++
		if seen[label] {
			duplicate = true
		}
		seen[label] = true
	}
	if c.MarkerLines >= 2 {
		c.Type = MultipleChoice
	}
	c.Ambiguous = c.MarkerLines == 1 || duplicate
	return c
}

// Parse splits text into a Question of type t.
//
// For multiple choice, lines before the first option form the body, a line that
// is not an option continues the previous option, labels are upper-cased, and a
// repeated label keeps its first position but takes the later text. A multiple
// choice parse that finds no options falls back to open form.
func Parse(text string, t QuestionType) Question {
	lines := trimNoise(splitLines(text))

	if t == MultipleChoice {
		if q, ok := parseMultipleChoice(lines); ok {
			return q
		}
	}
	return Question{Body: strings.Join(lines, "\n"), Type: OpenForm}
}

func parseMultipleChoice(lines []string) (Question, bool) {
	kind := dominantKind(lines)
	var (
		body    []string
		options []Option
		index   = map[string]int{}
		current = -1
	)

	for _, line := range lines {
		if label, text, ok := matchOption(line, kind); ok {
			if i, dup := index[label]; dup {
				options[i].Text = text
				current = i
				continue
			}
			index[label] = len(options)
			current = len(options)
			options = append(options, Option{Label: label, Text: text})
			continue
		}

		if current < 0 {
			body = append(body, line)
			continue
		}
		if line == "" || isNoise(line) {
			continue
		}
		if options[current].Text == "" {
			options[current].Text = line
		} else {
			options[current].Text += " " + line
		}
	}

	if len(options) == 0 {
		return Question{}, false
	}
	return Question{
		Body:    strings.Join(trimNoise(body), "\n"),
		Type:    MultipleChoice,
		Options: options,
	}, true
}

type labelKind int

const (
	letterLabels labelKind = iota
	digitLabels
)

func kindOf(label string) labelKind {
	if label[0] >= '1' && label[0] <= '9' {
		return digitLabels
	}
	return letterLabels
}

// dominantKind picks the label kind with more marker lines, so a numbered
// question line above lettered options stays in the body.
func dominantKind(lines []string) labelKind {
	counts := map[labelKind]int{}
	for _, line := range lines {
		if label, _, ok := matchMarker(line); ok {
			counts[kindOf(label)]++
		}
	}
	if counts[digitLabels] > counts[letterLabels] {
		return digitLabels
	}
	return letterLabels
}

// matchOption reports whether line is an option marker line of the given kind.
func matchOption(line string, kind labelKind) (label, text string, ok bool) {
	label, text, ok = matchMarker(line)
	if !ok || kindOf(label) != kind {
		return "", "", false
	}
	return label, text, true
}

func matchMarker(line string) (label, text string, ok bool) {
	m := optionPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", "", false
	}
	return strings.ToUpper(m[1]), strings.TrimSpace(m[2]), true
}

// splitLines splits text into lines with surrounding whitespace removed.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, strings.TrimSpace(l))
	}
	return lines
}

// trimNoise drops leading and trailing lines that hold no letters or digits.
func trimNoise(lines []string) []string {
	start, end := 0, len(lines)
	for start < end && isNoise(lines[start]) {
		start++
	}
	for end > start && isNoise(lines[end-1]) {
		end--
	}
	return lines[start:end]
}

// isNoise reports whether line has no letters or digits.
func isNoise(line string) bool {
	for _, r := range line {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// hasContent reports whether any line carries letters or digits.
func hasContent(text string) bool {
	return !isNoise(text)
}
