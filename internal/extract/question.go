package extract

import (
	"errors"
	"fmt"
	"strings"
)

// QuestionType is the answer format a question expects.
type QuestionType string

const (
	MultipleChoice QuestionType = "multiple_choice"
	OpenForm       QuestionType = "open_form"
)

// Option is one labelled choice of a multiple-choice question.
type Option struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Question is a parsed quiz question.
type Question struct {
	Body    string       `json:"body"`
	Type    QuestionType `json:"type"`
	Options []Option     `json:"options,omitempty"`
	// Ambiguous is set when classification was borderline.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// Validate checks that options agree with the question type.
func (q *Question) Validate() error {
	if strings.TrimSpace(q.Body) == "" && len(q.Options) == 0 {
		return errors.New("question is empty")
	}
	switch q.Type {
	case MultipleChoice:
		if len(q.Options) == 0 {
			return errors.New("multiple choice question has no options")
		}
		seen := make(map[string]bool, len(q.Options))
		for _, o := range q.Options {
			if o.Label == "" {
				return errors.New("option label is empty")
			}
			if seen[o.Label] {
				return fmt.Errorf("duplicate option label %q", o.Label)
			}
			seen[o.Label] = true
		}
	case OpenForm:
		if len(q.Options) != 0 {
			return errors.New("open form question cannot have options")
		}
	default:
		return fmt.Errorf("unknown question type %q", q.Type)
	}
	return nil
}

// Text renders the question back to the line format Parse reads.
func (q *Question) Text() string {
	var b strings.Builder
	b.WriteString(q.Body)
	for _, o := range q.Options {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(o.String())
	}
	return b.String()
}

// String renders an option as "A) text".
func (o Option) String() string {
	return o.Label + ") " + o.Text
}

// OptionLines renders each option on its own.
func (q *Question) OptionLines() []string {
	lines := make([]string, len(q.Options))
	for i, o := range q.Options {
		lines[i] = o.String()
	}
	return lines
}
