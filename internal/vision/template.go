package vision

import (
	"fmt"

	"github.com/osteele/liquid"
)

// TemplateVersion is stamped on every payload so stored attributes can be
// traced to the instructions that produced them.
const TemplateVersion = "v3"

const instructionsV3 = `You are reviewing a screenshot of a marketing email.

Sender: {{ sender }}
Sender domain: {{ domain }}
Subject: {{ subject }}

Describe the email by returning ONLY a single JSON object. Do not wrap it in
code fences and do not add any text before or after it.

Every field below must be present. When you cannot determine a value, use
null. Never omit a field.

Fields:
{% for f in fields %}- "{{ f.name }}": {{ f.desc }}
{% endfor %}`

// MessageContext grounds the instructions in the message being analyzed.
type MessageContext struct {
	Sender  string
	Domain  string
	Subject string
}

// Template renders the versioned instructions.
type Template struct {
	tpl *liquid.Template
}

// NewTemplate parses the current instruction template.
func NewTemplate() (*Template, error) {
	tpl, err := liquid.NewEngine().ParseString(instructionsV3)
	if err != nil {
		return nil, fmt.Errorf("parse instructions %s: %w", TemplateVersion, err)
	}
	return &Template{tpl: tpl}, nil
}

// Render interpolates mc into the instructions.
func (t *Template) Render(mc MessageContext) (string, error) {
	list := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		list = append(list, map[string]any{"name": f.name, "desc": f.desc})
	}
	out, err := t.tpl.RenderString(map[string]any{
		"sender":  orUnknown(mc.Sender),
		"domain":  orUnknown(mc.Domain),
		"subject": orUnknown(mc.Subject),
		"fields":  list,
	})
	if err != nil {
		return "", fmt.Errorf("render instructions: %w", err)
	}
	return out, nil
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
