// Package recipients resolves recipient group names into contacts.
package recipients

import "hazard-orchestrator/internal/models"

// Directory maps a group name to its members
type Directory map[string][]models.Contact

// Expand concatenates the members of groups in order. Unknown groups
// contribute nothing. A contact in several groups appears once per group.
func (d Directory) Expand(groups []string) []models.Contact {
	out := []models.Contact{}
	for _, g := range groups {
		out = append(out, d[g]...)
	}
	return out
}

// ExpandUnique is Expand keeping only the first occurrence of each contact name.
func (d Directory) ExpandUnique(groups []string) []models.Contact {
	seen := map[string]bool{}
	out := []models.Contact{}
	for _, c := range d.Expand(groups) {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	return out
}
