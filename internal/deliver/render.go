package deliver

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

var emailTemplate = template.Must(template.New("email").Parse(`<html>
<body style="font-family: sans-serif">
<h2>Question</h2>
<p style="white-space: pre-wrap">{{.Question}}</p>
{{- if .Options}}
<ul>
{{- range .Options}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
<h2>Answer</h2>
<p style="white-space: pre-wrap"><strong>{{.Answer}}</strong></p>
<hr>
<p style="color: #888; font-size: small">Sent by quiz-relay{{if not .AnsweredAt.IsZero}} at {{.AnsweredAt.Format "2006-01-02 15:04:05"}}{{end}}</p>
</body>
</html>`))

// renderHTML builds the email body.
func renderHTML(msg Message) (string, error) {
	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, msg); err != nil {
		return "", fmt.Errorf("rendering email: %w", err)
	}
	return buf.String(), nil
}

// renderText builds a plain-text body for chat transports.
func renderText(msg Message) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(msg.Question)
	for _, o := range msg.Options {
		b.WriteString("\n")
		b.WriteString(o)
	}
	b.WriteString("\n\nAnswer:\n")
	b.WriteString(msg.Answer)
	return b.String()
}
