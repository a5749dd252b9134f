// Package triage turns an incident into an ordered delivery plan.
package triage

import (
	"context"

	"hazard-orchestrator/internal/models"
	"hazard-orchestrator/internal/store"
)

// GlobalDefaultOrder is used when the configuration carries no default order.
var GlobalDefaultOrder = []string{
	models.ChannelSMS,
	models.ChannelEmail,
	models.ChannelVoice,
	models.ChannelMeshtastic,
	models.ChannelRadio,
}

// Rule routes one hazard to recipient groups and per-severity channel orders
type Rule struct {
	Recipients       []string
	SeverityChannels map[models.Severity][]string
}

// Routing is the static routing configuration. It is never mutated after construction.
type Routing struct {
	DefaultOrder  []string
	OrderByHazard map[models.Hazard][]string
	Rules         map[models.Hazard]Rule
}

// IncidentSource loads incidents by id.
type IncidentSource interface {
	Get(ctx context.Context, id string) (*models.Incident, error)
}

// Engine computes triage plans
type Engine struct {
	routing   Routing
	incidents IncidentSource
}

// NewEngine creates a triage engine over routing and an incident source.
func NewEngine(routing Routing, incidents IncidentSource) *Engine {
	return &Engine{routing: routing, incidents: incidents}
}

// Triage loads the incident and plans it. Unknown ids return store.ErrNotFound.
func (e *Engine) Triage(ctx context.Context, incidentID string) (*models.TriagePlan, error) {
	inc, err := e.incidents.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, store.ErrNotFound
	}
	plan := e.Plan(inc)
	return &plan, nil
}

// Plan is a pure function of the incident and the routing configuration.
func (e *Engine) Plan(inc *models.Incident) models.TriagePlan {
	hazardOrder := e.hazardOrder(inc.Hazard)

	groups := []string{}
	preferred := hazardOrder
	if rule, ok := e.routing.Rules[inc.Hazard]; ok {
		groups = append(groups, rule.Recipients...)
		if order, ok := rule.SeverityChannels[inc.Severity]; ok {
			preferred = order
		}
	}

	channels := append([]string(nil), preferred...)
	if inc.ChannelsHint != nil {
		channels = dedupe(preferred, hazardOrder, inc.ChannelsHint)
	}

	return models.TriagePlan{
		IncidentID:      inc.IncidentID,
		Hazard:          inc.Hazard,
		Severity:        inc.Severity,
		Area:            inc.Area,
		Channels:        channels,
		RecipientGroups: groups,
		LangAvailable:   inc.Languages(),
	}
}

func (e *Engine) hazardOrder(h models.Hazard) []string {
	if order, ok := e.routing.OrderByHazard[h]; ok && len(order) > 0 {
		return order
	}
	if len(e.routing.DefaultOrder) > 0 {
		return e.routing.DefaultOrder
	}
	return GlobalDefaultOrder
}

// dedupe concatenates lists keeping the first occurrence of each channel.
func dedupe(lists ...[]string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, list := range lists {
		for _, c := range list {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}
