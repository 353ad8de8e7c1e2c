// Package notification delivers critical triage alerts to on-call staff by
// email and SMS, keeping a bounded in-memory delivery history.
package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Channel is the medium a notification is delivered over.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Built-in template ids.
const (
	TemplateCriticalTriage    = "critical-triage"
	TemplateCriticalTriageSMS = "critical-triage-sms"
)

// Template is a reusable message with {{key}} placeholders.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateCriticalTriage,
			Name:    "Critical Triage Alert",
			Subject: "[RED] {{patient_name}} queued in {{department}}",
			Body: "A patient was triaged RED and needs immediate attention.\n\n" +
				"Patient: {{patient_name}} (MRN {{mrn}})\n" +
				"Department: {{department}}\n" +
				"Acuity score: {{score}}\n" +
				"Queue position: {{position}}\n" +
				"Assessment: {{assessment_id}}\n" +
				"Triaged at: {{triaged_at}}\n",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateCriticalTriageSMS,
			Name:    "Critical Triage Alert (SMS)",
			Body:    "RED triage: {{patient_name}} in {{department}}, score {{score}}, position {{position}}.",
			Channel: ChannelSMS,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Placeholders without data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
