// Package orchestrator drives deliveries through channel attempts, fallback
// and acknowledgment until each is delivered, exhausted or attempt-capped.
package orchestrator

import (
	"context"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hazard-orchestrator/internal/compose"
	"hazard-orchestrator/internal/metrics"
	"hazard-orchestrator/internal/models"
	"hazard-orchestrator/internal/recipients"
	"hazard-orchestrator/internal/store"
	"hazard-orchestrator/internal/triage"
)

// ChannelSender transmits over a named channel. *channels.Registry satisfies it.
type ChannelSender interface {
	Send(ctx context.Context, channel, address, subject, body string) error
}

// Settings bound the work done per incident
type Settings struct {
	MaxAttempts int
	Concurrency int
}

// Orchestrator owns the delivery state machine. It is the only writer of
// deliveries and acknowledgments.
type Orchestrator struct {
	stores    *store.Stores
	engine    *triage.Engine
	directory recipients.Directory
	languages compose.LanguageResolver
	sender    ChannelSender
	settings  Settings

	acker   Acknowledger
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	locks   *keyedMutex
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock sets the clock used to stamp attempts and acknowledgments.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithMetrics records attempts and outcomes to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithAcknowledger replaces the default ledger-based acknowledgment verdict.
func WithAcknowledger(a Acknowledger) Option {
	return func(o *Orchestrator) {
		o.acker = a
	}
}

// New creates an orchestrator. All configuration is passed in explicitly and never mutated.
func New(
	stores *store.Stores,
	routing triage.Routing,
	directory recipients.Directory,
	languages compose.LanguageResolver,
	sender ChannelSender,
	settings Settings,
	opts ...Option,
) *Orchestrator {
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 1
	}
	if settings.Concurrency <= 0 {
		settings.Concurrency = 1
	}
	o := &Orchestrator{
		stores:    stores,
		engine:    triage.NewEngine(routing, stores.Incidents),
		directory: directory,
		languages: languages,
		sender:    sender,
		settings:  settings,
		acker:     LedgerAcknowledger{Ledger: stores.Ledger},
		clock:     clock.New(),
		logger:    zap.NewNop(),
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Settings returns the attempt and concurrency bounds.
func (o *Orchestrator) Settings() Settings {
	return o.settings
}

// Ingest stores a new incident, assigning an id when none was supplied.
func (o *Orchestrator) Ingest(ctx context.Context, inc models.Incident) (string, error) {
	inc.Hazard = models.Hazard(strings.ToUpper(strings.TrimSpace(string(inc.Hazard))))
	if inc.Hazard == "" {
		return "", errors.New("incident hazard is required")
	}
	sev, err := models.ParseSeverity(string(inc.Severity))
	if err != nil {
		return "", err
	}
	inc.Severity = sev

	now := o.clock.Now().UTC()
	if inc.IncidentID == "" {
		inc.IncidentID = models.NewIncidentID(now, inc.Hazard)
	}
	inc.IngestedAt = now

	if err := o.stores.Incidents.Put(ctx, &inc); err != nil {
		return "", errors.Wrapf(err, "ingesting incident %s", inc.IncidentID)
	}
	o.logger.Info("incident ingested",
		zap.String("incident_id", inc.IncidentID),
		zap.String("hazard", string(inc.Hazard)),
		zap.String("severity", string(inc.Severity)),
	)
	return inc.IncidentID, nil
}

// Plan triages a stored incident. Unknown ids return store.ErrNotFound.
func (o *Orchestrator) Plan(ctx context.Context, incidentID string) (*models.TriagePlan, error) {
	return o.engine.Triage(ctx, incidentID)
}

// Queue creates one queued delivery per expanded recipient of plan.
func (o *Orchestrator) Queue(ctx context.Context, plan *models.TriagePlan) ([]models.Delivery, error) {
	contacts := o.directory.Expand(plan.RecipientGroups)
	now := o.clock.Now().UTC()

	out := make([]models.Delivery, 0, len(contacts))
	for i, c := range contacts {
		d := models.Delivery{
			Seq:        i,
			DeliveryID: uuid.NewString(),
			IncidentID: plan.IncidentID,
			Contact:    c,
			Status:     models.StatusQueued,
			CreatedAt:  now,
		}
		if err := o.stores.Deliveries.Put(ctx, &d); err != nil {
			return out, errors.Wrap(err, "queueing delivery")
		}
		out = append(out, d)
	}
	o.logger.Info("deliveries queued",
		zap.String("incident_id", plan.IncidentID),
		zap.Int("queued", len(out)),
		zap.Strings("channels", plan.Channels),
	)
	return out, nil
}

// Run orchestrates one incident: plan, queue, then drive every delivery of
// the incident concurrently until each is terminal or capped. Cancelling ctx
// stops new attempts; attempts already sending run to completion.
func (o *Orchestrator) Run(ctx context.Context, incidentID string) (*models.DispatchSummary, error) {
	plan, err := o.Plan(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	o.metrics.Dispatch()

	queued, err := o.Queue(ctx, plan)
	if err != nil {
		return nil, err
	}
	all, err := o.stores.Deliveries.ListByIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.SetLimit(o.settings.Concurrency)
	for _, d := range all {
		id := d.DeliveryID
		g.Go(func() error {
			// one delivery's failure never aborts the batch
			if _, err := o.Drive(ctx, id, plan); err != nil {
				o.logger.Error("delivery failed", zap.String("delivery_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	summary, err := o.Report(context.WithoutCancel(ctx), incidentID)
	if err != nil {
		return nil, err
	}
	summary.Queued = len(queued)
	summary.Cancelled = ctx.Err() != nil
	o.logger.Info("incident orchestrated",
		zap.String("incident_id", incidentID),
		zap.Int("queued", summary.Queued),
		zap.Int("delivered", summary.Delivered),
		zap.Int("failed", summary.Failed),
		zap.Int("capped", summary.Capped),
		zap.Bool("cancelled", summary.Cancelled),
	)
	return summary, nil
}

// Report summarizes the stored deliveries and acknowledgments of an incident.
func (o *Orchestrator) Report(ctx context.Context, incidentID string) (*models.DispatchSummary, error) {
	deliveries, err := o.stores.Deliveries.ListByIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	acks, err := o.stores.Ledger.Count(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	s := &models.DispatchSummary{
		IncidentID: incidentID,
		Queued:     len(deliveries),
		Acks:       acks,
		Deliveries: deliveries,
	}
	for _, d := range deliveries {
		s.Tally(d)
	}
	return s, nil
}

// RecordAck stores an acknowledgment that arrived for (incident, contact)
// and marks that contact's deliveries acknowledged. Pending deliveries
// become delivered; a delivery already failed stays failed since terminal
// states are final. It returns how many deliveries changed.
func (o *Orchestrator) RecordAck(ctx context.Context, incidentID, contactName, channel string) (int, error) {
	if _, err := o.stores.Incidents.Get(ctx, incidentID); err != nil {
		return 0, err
	}

	ack := models.Acknowledgment{
		IncidentID:  incidentID,
		ContactName: contactName,
		Channel:     channel,
		At:          o.clock.Now().UTC(),
	}
	if err := o.stores.Ledger.Record(ctx, ack); err != nil {
		return 0, err
	}
	o.metrics.Ack(channel)

	deliveries, err := o.stores.Deliveries.ListByIncident(ctx, incidentID)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, d := range deliveries {
		if d.Contact.Name != contactName {
			continue
		}
		ok, err := o.markAcknowledged(ctx, d.DeliveryID)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	o.logger.Info("acknowledgment recorded",
		zap.String("incident_id", incidentID),
		zap.String("contact", contactName),
		zap.String("channel", channel),
		zap.Int("deliveries", changed),
	)
	return changed, nil
}

func (o *Orchestrator) markAcknowledged(ctx context.Context, deliveryID string) (bool, error) {
	unlock := o.locks.Lock(deliveryID)
	defer unlock()

	d, err := o.stores.Deliveries.Get(ctx, deliveryID)
	if err != nil {
		return false, err
	}
	if d.Acknowledged {
		return false, nil
	}
	d.Acknowledged = true
	pending := !d.Terminal()
	if pending {
		d.Status = models.StatusDelivered
		d.Reason = ""
	}
	if err := o.stores.Deliveries.Put(ctx, d); err != nil {
		return false, err
	}
	if pending {
		o.metrics.Terminal(string(models.StatusDelivered))
	}
	return true, nil
}

// Deliveries lists the stored deliveries of an incident in creation order.
func (o *Orchestrator) Deliveries(ctx context.Context, incidentID string) ([]models.Delivery, error) {
	return o.stores.Deliveries.ListByIncident(ctx, incidentID)
}
