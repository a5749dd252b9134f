package activities

import (
	"context"

	"github.com/pkg/errors"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"hazard-orchestrator/internal/models"
	"hazard-orchestrator/internal/orchestrator"
	"hazard-orchestrator/internal/store"
)

// ErrTypeNotFound marks errors that no retry can fix.
const ErrTypeNotFound = "NotFound"

// Activities exposes the orchestrator to the dispatch workflow. Every
// activity is duplicate-tolerant: a retried call observes the state the
// first call left behind instead of repeating its side effects.
type Activities struct {
	Orchestrator *orchestrator.Orchestrator
}

// Ingest stores the incident carried by a dispatch request. An incident
// already stored under the same id is accepted so retries succeed.
func (a *Activities) Ingest(ctx context.Context, inc models.Incident) (string, error) {
	id, err := a.Orchestrator.Ingest(ctx, inc)
	if errors.Is(err, store.ErrExists) {
		activity.GetLogger(ctx).Info("Incident already ingested", "incidentID", inc.IncidentID)
		return inc.IncidentID, nil
	}
	return id, err
}

// PlanDeliveries triages the incident and queues its deliveries. When the
// incident already has deliveries they are reused rather than queued again.
func (a *Activities) PlanDeliveries(ctx context.Context, incidentID string) (*models.PlanResult, error) {
	logger := activity.GetLogger(ctx)

	plan, err := a.Orchestrator.Plan(ctx, incidentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, temporal.NewNonRetryableApplicationError("unknown incident "+incidentID, ErrTypeNotFound, err)
	}
	if err != nil {
		return nil, err
	}

	existing, err := a.Orchestrator.Deliveries(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	deliveries := existing
	if len(existing) == 0 {
		if deliveries, err = a.Orchestrator.Queue(ctx, plan); err != nil {
			return nil, err
		}
	} else {
		logger.Info("Reusing queued deliveries", "incidentID", incidentID, "count", len(existing))
	}

	settings := a.Orchestrator.Settings()
	res := &models.PlanResult{
		Plan:        *plan,
		Queued:      len(deliveries),
		DeliveryIDs: make([]string, 0, len(deliveries)),
		Progress:    make(map[string]models.AttemptResult, len(deliveries)),
		MaxAttempts: settings.MaxAttempts,
		Concurrency: settings.Concurrency,
	}
	for _, d := range deliveries {
		res.DeliveryIDs = append(res.DeliveryIDs, d.DeliveryID)
		res.Progress[d.DeliveryID] = models.AttemptResult{
			DeliveryID:   d.DeliveryID,
			Found:        true,
			Status:       d.Status,
			Reason:       d.Reason,
			Attempts:     d.Attempts,
			ChannelIndex: d.ChannelIndex,
		}
	}
	logger.Info("Deliveries planned",
		"incidentID", incidentID,
		"channels", plan.Channels,
		"groups", plan.RecipientGroups,
		"queued", res.Queued,
	)
	return res, nil
}

// AttemptDelivery performs one attempt transition. It must not be retried
// by the server: a retry after a successful send would message the
// contact twice.
func (a *Activities) AttemptDelivery(ctx context.Context, in models.AttemptInput) (*models.AttemptResult, error) {
	return a.Orchestrator.Attempt(ctx, in.DeliveryID, &in.Plan)
}

// RecordAck records an acknowledgment signalled to the workflow.
func (a *Activities) RecordAck(ctx context.Context, in models.AckInput) (int, error) {
	n, err := a.Orchestrator.RecordAck(ctx, in.IncidentID, in.ContactName, in.Channel)
	if errors.Is(err, store.ErrNotFound) {
		return 0, temporal.NewNonRetryableApplicationError("unknown incident "+in.IncidentID, ErrTypeNotFound, err)
	}
	return n, err
}

// Report summarizes the incident's deliveries and acknowledgments.
func (a *Activities) Report(ctx context.Context, incidentID string) (*models.DispatchSummary, error) {
	return a.Orchestrator.Report(ctx, incidentID)
}
