package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"hazard-orchestrator/internal/activities"
	"hazard-orchestrator/internal/models"
)

const (
	// Signal names
	SignalAck = "ack"

	// Query names
	QueryState = "state"

	// AttemptTimeout bounds a single channel send
	AttemptTimeout = 2 * time.Minute
)

// a is only used to name activity methods; the worker registers the real instance.
var a *activities.Activities

// WorkflowID is the id of the dispatch workflow for an incident.
func WorkflowID(incidentID string) string {
	return "dispatch-" + incidentID
}

// IncidentDispatchWorkflow plans an incident and drives every delivery
// through its channel attempts using durable execution. Acknowledgments
// arrive as signals and are recorded as they come, including during an
// optional window after the last attempt.
func IncidentDispatchWorkflow(ctx workflow.Context, req models.DispatchRequest) (*models.DispatchSummary, error) {
	logger := workflow.GetLogger(ctx)

	state := &models.DispatchState{
		IncidentID: req.IncidentID,
		Phase:      models.PhasePlanning,
		Results:    map[string]models.AttemptResult{},
		Acks:       []models.AckSignal{},
	}

	// Activity options with retry policy
	activityOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{activities.ErrTypeNotFound},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOpts)

	// Channel fallback replaces server retries for sends
	attemptCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: AttemptTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	// Register query handler for workflow state
	err := workflow.SetQueryHandler(ctx, QueryState, func() (*models.DispatchState, error) {
		return state, nil
	})
	if err != nil {
		return nil, err
	}

	ackChan := workflow.GetSignalChannel(ctx, SignalAck)

	if req.Incident != nil {
		var id string
		if err := workflow.ExecuteActivity(ctx, a.Ingest, *req.Incident).Get(ctx, &id); err != nil {
			return nil, err
		}
		state.IncidentID = id
	}
	incidentID := state.IncidentID

	var planned models.PlanResult
	if err := workflow.ExecuteActivity(ctx, a.PlanDeliveries, incidentID).Get(ctx, &planned); err != nil {
		return nil, err
	}
	state.Plan = &planned.Plan
	state.Queued = planned.Queued
	state.Phase = models.PhaseDispatching

	// Fan out one coroutine per delivery, bounded by a semaphore
	concurrency := planned.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := workflow.NewBufferedChannel(ctx, concurrency)
	wg := workflow.NewWaitGroup(ctx)
	for _, id := range planned.DeliveryIDs {
		deliveryID := id
		wg.Add(1)
		workflow.Go(ctx, func(gctx workflow.Context) {
			defer wg.Done()
			sem.Send(gctx, struct{}{})
			defer sem.Receive(gctx, nil)
			driveDelivery(gctx, attemptCtx, deliveryID, planned, state)
		})
	}

	done := workflow.NewBufferedChannel(ctx, 1)
	workflow.Go(ctx, func(gctx workflow.Context) {
		wg.Wait(gctx)
		done.Send(gctx, true)
	})

	handleAck := func(c workflow.ReceiveChannel, more bool) {
		var signal models.AckSignal
		c.Receive(ctx, &signal)
		recordAck(ctx, incidentID, signal, state)
	}

	attemptsDone := false
	finished := false
	var windowTimer workflow.Future
	for !finished {
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(ackChan, handleAck)

		if !attemptsDone {
			selector.AddReceive(done, func(c workflow.ReceiveChannel, more bool) {
				c.Receive(ctx, nil)
				attemptsDone = true
				if req.AckWindow <= 0 || ctx.Err() != nil {
					finished = true
					return
				}
				state.Phase = models.PhaseAwaitingAcks
				logger.Info("Awaiting acknowledgments", "incidentID", incidentID, "window", req.AckWindow)
				windowTimer = workflow.NewTimer(ctx, req.AckWindow)
			})
		}

		if windowTimer != nil {
			selector.AddFuture(windowTimer, func(f workflow.Future) {
				finished = true
			})
		}

		selector.Select(ctx)
	}

	// Record acknowledgments that arrived alongside the final event
	for {
		var signal models.AckSignal
		if !ackChan.ReceiveAsync(&signal) {
			break
		}
		recordAck(ctx, incidentID, signal, state)
	}

	cancelled := ctx.Err() != nil
	reportCtx, _ := workflow.NewDisconnectedContext(ctx)
	var summary models.DispatchSummary
	if err := workflow.ExecuteActivity(reportCtx, a.Report, incidentID).Get(reportCtx, &summary); err != nil {
		return nil, err
	}
	summary.Queued = planned.Queued
	summary.Cancelled = cancelled
	state.Cancelled = cancelled
	state.Phase = models.PhaseCompleted

	logger.Info("Dispatch workflow completed",
		"incidentID", incidentID,
		"queued", summary.Queued,
		"delivered", summary.Delivered,
		"failed", summary.Failed,
		"capped", summary.Capped,
		"acks", summary.Acks,
	)
	return &summary, nil
}

// driveDelivery runs attempts for one delivery until it is terminal or has
// used its attempt bound while channels remain. Once ctx is cancelled no
// new attempt is scheduled; attempts run on a disconnected context so one
// already sending completes.
func driveDelivery(ctx, attemptCtx workflow.Context, deliveryID string, planned models.PlanResult, state *models.DispatchState) {
	logger := workflow.GetLogger(ctx)
	res, ok := planned.Progress[deliveryID]
	if !ok {
		res = models.AttemptResult{DeliveryID: deliveryID, Found: true, Status: models.StatusQueued}
	}
	state.Results[deliveryID] = res

	for res.Status != models.StatusDelivered && res.Status != models.StatusFailed {
		if res.Attempts >= planned.MaxAttempts && res.ChannelIndex < len(planned.Plan.Channels) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		dctx, _ := workflow.NewDisconnectedContext(attemptCtx)
		var next models.AttemptResult
		err := workflow.ExecuteActivity(dctx, a.AttemptDelivery, models.AttemptInput{
			DeliveryID: deliveryID,
			Plan:       planned.Plan,
		}).Get(dctx, &next)
		if err != nil {
			logger.Warn("Attempt failed", "deliveryID", deliveryID, "error", err)
			break
		}
		if !next.Found {
			logger.Warn("Delivery not found", "deliveryID", deliveryID)
			break
		}
		res = next
		state.Results[deliveryID] = res
	}
}

func recordAck(ctx workflow.Context, incidentID string, signal models.AckSignal, state *models.DispatchState) {
	logger := workflow.GetLogger(ctx)
	actx, _ := workflow.NewDisconnectedContext(ctx)

	var changed int
	err := workflow.ExecuteActivity(actx, a.RecordAck, models.AckInput{
		IncidentID:  incidentID,
		ContactName: signal.ContactName,
		Channel:     signal.Channel,
	}).Get(actx, &changed)
	if err != nil {
		logger.Warn("Failed to record acknowledgment", "contact", signal.ContactName, "error", err)
		return
	}
	state.Acks = append(state.Acks, signal)
	logger.Info("Acknowledgment recorded", "contact", signal.ContactName, "channel", signal.Channel, "deliveries", changed)
}
