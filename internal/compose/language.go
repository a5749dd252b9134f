package compose

import (
	"strings"

	"hazard-orchestrator/internal/models"
)

// LanguageRule selects a language for contacts whose name contains a marker
type LanguageRule struct {
	NameContains string
	Lang         string
}

// LanguageResolver picks the message language for a contact
type LanguageResolver struct {
	Default string
	Rules   []LanguageRule
}

// Resolve returns the contact's preferred language when the incident carries
// it, then the first matching rule's language, then the default.
func (r LanguageResolver) Resolve(c models.Contact, plan *models.TriagePlan) string {
	if c.Lang != "" && plan.HasLanguage(c.Lang) {
		return c.Lang
	}
	for _, rule := range r.Rules {
		if rule.NameContains != "" && strings.Contains(c.Name, rule.NameContains) && plan.HasLanguage(rule.Lang) {
			return rule.Lang
		}
	}
	if r.Default == "" {
		return models.DefaultLanguage
	}
	return r.Default
}
