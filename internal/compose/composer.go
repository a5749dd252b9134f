// Package compose renders localized alert messages from incident templates.
package compose

import (
	"fmt"
	"strings"

	"hazard-orchestrator/internal/models"
)

// Message is a rendered alert
type Message struct {
	Subject string
	Body    string
}

// Compose renders inc in lang, falling back to English per section.
// Missing data degrades to empty content; it never fails.
func Compose(inc *models.Incident, lang string) Message {
	var parts []string
	for _, key := range models.SectionOrder {
		if text := localized(inc.Sections[key], lang); text != "" {
			parts = append(parts, text)
		}
	}

	body := strings.Join(parts, "\n\n")
	if len(parts) == 0 {
		body = localized(inc.Msg, lang)
	}
	body += fmt.Sprintf("\n\nIssuer: %s. Contact: %s.", inc.AutoFill.Issuer, inc.AutoFill.Contact)

	return Message{
		Subject: fmt.Sprintf("%s %s – %s", inc.Hazard, inc.Severity, inc.Area),
		Body:    body,
	}
}

func localized(byLang map[string]string, lang string) string {
	if text := strings.TrimSpace(byLang[lang]); text != "" {
		return text
	}
	return strings.TrimSpace(byLang[models.DefaultLanguage])
}
