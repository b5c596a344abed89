package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[{{.Severity}}] {{.Label}} on {{.Camera}} at {{.Time}}{{ if .Topic }} ({{.Topic}}){{ end }}`

// TemplateData provides fields for rendering the alert message.
type TemplateData struct {
	Label    string
	Category string
	Camera   string
	Time     string
	Topic    string
	Severity string
}

// Template renders alert messages.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a message template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alert-message").Option("missingkey=error").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alert template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
