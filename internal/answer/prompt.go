package answer

import (
	"strings"

	"github.com/zombor/quiz-relay/internal/extract"
)

const multipleChoiceInstruction = `You answer quiz questions. The question is multiple choice.
Reply with the label of the single correct option first (for example "B"), on its own line.
You may add one short sentence of explanation after it.`

const openFormInstruction = `You answer quiz questions. Give a concise, direct answer.
Do not restate the question. Keep it to a few sentences at most.`

// systemInstruction returns the instruction for the question's type.
func systemInstruction(t extract.QuestionType) string {
	if t == extract.MultipleChoice {
		return multipleChoiceInstruction
	}
	return openFormInstruction
}

// buildPrompt renders the question for the model.
func buildPrompt(q extract.Question) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(q.Body)
	if q.Type == extract.MultipleChoice && len(q.Options) > 0 {
		b.WriteString("\n\nOptions:\n")
		b.WriteString(strings.Join(q.OptionLines(), "\n"))
	}
	return b.String()
}
