package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Hazard is the category of an incident
type Hazard string

const (
	HazardFlood    Hazard = "FLOOD"
	HazardCyclone  Hazard = "CYCLONE"
	HazardBushfire Hazard = "BUSHFIRE"
)

// Severity is a warning level on an ascending scale
type Severity string

const (
	SeverityAdvice      Severity = "Advice"
	SeverityWatch       Severity = "Watch"
	SeverityWarning     Severity = "Warning"
	SeverityWatchAndAct Severity = "WatchAndAct"
	SeverityEmergency   Severity = "Emergency"
)

var severityRanks = map[Severity]int{
	SeverityAdvice:      1,
	SeverityWatch:       2,
	SeverityWarning:     3,
	SeverityWatchAndAct: 4,
	SeverityEmergency:   5,
}

// Rank returns the position of s on the severity scale, or 0 if s is unknown.
func (s Severity) Rank() int {
	return severityRanks[s]
}

// ParseSeverity matches a severity name case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	for s := range severityRanks {
		if strings.EqualFold(string(s), strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown severity %q", name)
}

// Content keys of an incident template, in the order they are rendered.
const (
	SectionIssued     = "issued"
	SectionNextUpdate = "next_update"
	SectionExpecting  = "expecting"
	SectionActions    = "actions"
	SectionSupport    = "support"
	SectionMoreInfo   = "more_info"
)

// SectionOrder is the canonical rendering order of template sections.
var SectionOrder = []string{
	SectionIssued,
	SectionNextUpdate,
	SectionExpecting,
	SectionActions,
	SectionSupport,
	SectionMoreInfo,
}

// DefaultLanguage is used whenever a localized entry is missing
const DefaultLanguage = "en"

// AutoFill holds the issuer details appended to every message
type AutoFill struct {
	Issuer  string `json:"issuer" yaml:"issuer"`
	Contact string `json:"contact" yaml:"contact"`
}

// Incident is an ingested hazard template. It is never modified after ingestion.
type Incident struct {
	IncidentID      string                       `json:"incident_id" yaml:"incident_id"`
	TemplateVersion string                       `json:"template_version,omitempty" yaml:"template_version"`
	Hazard          Hazard                       `json:"hazard" yaml:"hazard"`
	Severity        Severity                     `json:"severity" yaml:"severity"`
	Area            string                       `json:"area" yaml:"area"`
	EffectiveFrom   string                       `json:"effective_from,omitempty" yaml:"effective_from"`
	ExpectedUntil   string                       `json:"expected_until,omitempty" yaml:"expected_until"`
	Sections        map[string]map[string]string `json:"sections,omitempty" yaml:"sections"`
	Msg             map[string]string            `json:"msg,omitempty" yaml:"msg"`
	ChannelsHint    []string                     `json:"channels_hint" yaml:"channels_hint"`
	AutoFill        AutoFill                     `json:"auto_fill" yaml:"auto_fill"`
	IngestedAt      time.Time                    `json:"ingested_at" yaml:"-"`
}

// Languages returns the sorted language codes that carry text anywhere in the incident.
func (i *Incident) Languages() []string {
	seen := map[string]bool{}
	for _, byLang := range i.Sections {
		for lang, text := range byLang {
			if strings.TrimSpace(text) != "" {
				seen[lang] = true
			}
		}
	}
	for lang, text := range i.Msg {
		if strings.TrimSpace(text) != "" {
			seen[lang] = true
		}
	}
	langs := make([]string, 0, len(seen))
	for lang := range seen {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// NewIncidentID builds an id for incidents ingested without one.
func NewIncidentID(now time.Time, hazard Hazard) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", now.Format("20060102150405"), hazard, suffix)
}

// TriagePlan is the channel order and recipient groups computed for an incident
type TriagePlan struct {
	IncidentID      string   `json:"incident_id"`
	Hazard          Hazard   `json:"hazard"`
	Severity        Severity `json:"severity"`
	Area            string   `json:"area"`
	Channels        []string `json:"channels"`
	RecipientGroups []string `json:"recipient_groups"`
	LangAvailable   []string `json:"lang_available"`
}

// HasLanguage reports whether the incident carries text in lang.
func (p *TriagePlan) HasLanguage(lang string) bool {
	for _, l := range p.LangAvailable {
		if l == lang {
			return true
		}
	}
	return false
}

// Channel names
const (
	ChannelEmail      = "email"
	ChannelSMS        = "sms"
	ChannelVoice      = "voice"
	ChannelMeshtastic = "meshtastic"
	ChannelRadio      = "radio"
)

// Contact is a recipient record from the contact directory
type Contact struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email"`
	Phone string `json:"phone,omitempty" yaml:"phone"`
	Voice string `json:"voice,omitempty" yaml:"voice"`
	Lang  string `json:"lang,omitempty" yaml:"lang"`
}

// Address returns the contact's address for channel. Broadcast channels
// need no address and always resolve to the empty string.
func (c Contact) Address(channel string) (string, bool) {
	switch channel {
	case ChannelEmail:
		return c.Email, c.Email != ""
	case ChannelMeshtastic, ChannelRadio:
		return "", true
	case ChannelVoice:
		if c.Voice != "" {
			return c.Voice, true
		}
		return c.Phone, c.Phone != ""
	default:
		if c.Phone != "" {
			return c.Phone, true
		}
		return c.Voice, c.Voice != ""
	}
}

// DeliveryStatus represents the state of a delivery
type DeliveryStatus string

const (
	StatusQueued       DeliveryStatus = "queued"
	StatusRetryPending DeliveryStatus = "retry_pending"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusFailed       DeliveryStatus = "failed"
)

// Failure reasons recorded on a delivery
const (
	ReasonNoMoreChannels = "no_more_channels"
	ReasonSendFailed     = "send_failed"
	ReasonNoAddress      = "no_address"
	ReasonUnacknowledged = "unacknowledged"
)

// Delivery tracks one contact's notification progress for one incident
type Delivery struct {
	DeliveryID   string         `json:"delivery_id"`
	IncidentID   string         `json:"incident_id"`
	Contact      Contact        `json:"contact"`
	Status       DeliveryStatus `json:"status"`
	ChannelIndex int            `json:"channel_index"`
	Attempts     int            `json:"attempts"`
	LastAttempt  *time.Time     `json:"last_attempt,omitempty"`
	LastChannel  string         `json:"last_channel,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
	Reason       string         `json:"reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	// Seq is the position of the contact in the expanded recipient list.
	Seq          int            `json:"seq"`
}

// Terminal reports whether no further attempts will be made.
func (d *Delivery) Terminal() bool {
	return d.Status == StatusDelivered || d.Status == StatusFailed
}

// Acknowledgment records that a contact confirmed receipt of an incident
type Acknowledgment struct {
	IncidentID  string    `json:"incident_id"`
	ContactName string    `json:"contact_name"`
	Channel     string    `json:"via"`
	At          time.Time `json:"ts"`
}

// AckKey is the ledger key for an (incident, contact) pair.
func AckKey(incidentID, contactName string) string {
	return incidentID + ":" + contactName
}

// Workflow payloads

// DispatchRequest is the input of the dispatch workflow
type DispatchRequest struct {
	IncidentID string        `json:"incident_id"`
	Incident   *Incident     `json:"incident,omitempty"`
	AckWindow  time.Duration `json:"ack_window,omitempty"`
}

// AckSignal is the payload for acknowledging receipt by a contact
type AckSignal struct {
	ContactName string `json:"contact_name"`
	Channel     string `json:"channel"`
}

// AttemptInput is the input of the attempt activity
type AttemptInput struct {
	DeliveryID string     `json:"delivery_id"`
	Plan       TriagePlan `json:"plan"`
}

// AckInput is the input of the acknowledgment activity
type AckInput struct {
	IncidentID  string `json:"incident_id"`
	ContactName string `json:"contact_name"`
	Channel     string `json:"channel"`
}

// Dispatch workflow phases
const (
	PhasePlanning     = "planning"
	PhaseDispatching  = "dispatching"
	PhaseAwaitingAcks = "awaiting_acks"
	PhaseCompleted    = "completed"
)

// DispatchState is the queryable state of a dispatch workflow
type DispatchState struct {
	IncidentID string                   `json:"incident_id"`
	Phase      string                   `json:"phase"`
	Plan       *TriagePlan              `json:"plan,omitempty"`
	Queued     int                      `json:"queued"`
	Results    map[string]AttemptResult `json:"results"`
	Acks       []AckSignal              `json:"acks"`
	Cancelled  bool                     `json:"cancelled,omitempty"`
}

// PlanResult is returned by the planning activity
type PlanResult struct {
	Plan        TriagePlan               `json:"plan"`
	Queued      int                      `json:"queued"`
	DeliveryIDs []string                 `json:"delivery_ids"`
	// Progress holds the stored state of each delivery when planning ran.
	Progress    map[string]AttemptResult `json:"progress"`
	MaxAttempts int                      `json:"max_attempts"`
	Concurrency int                      `json:"concurrency"`
}

// AttemptResult is the outcome of a single attempt transition
type AttemptResult struct {
	DeliveryID   string         `json:"delivery_id"`
	Found        bool           `json:"found"`
	Channel      string         `json:"channel,omitempty"`
	Status       DeliveryStatus `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	Attempts     int            `json:"attempts"`
	ChannelIndex int            `json:"channel_index"`
	Exhausted    bool           `json:"exhausted"`
}

// DispatchSummary reports the outcome of orchestrating one incident
type DispatchSummary struct {
	IncidentID string     `json:"incident_id"`
	Queued     int        `json:"queued"`
	Delivered  int        `json:"delivered"`
	Failed     int        `json:"failed"`
	Capped     int        `json:"capped"`
	Acks       int        `json:"acks"`
	Cancelled  bool       `json:"cancelled,omitempty"`
	Deliveries []Delivery `json:"deliveries,omitempty"`
}

// Tally counts a delivery into the summary by its current status.
func (s *DispatchSummary) Tally(d Delivery) {
	switch d.Status {
	case StatusDelivered:
		s.Delivered++
	case StatusFailed:
		s.Failed++
	default:
		s.Capped++
	}
}
