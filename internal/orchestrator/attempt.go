package orchestrator

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hazard-orchestrator/internal/channels"
	"hazard-orchestrator/internal/compose"
	"hazard-orchestrator/internal/metrics"
	"hazard-orchestrator/internal/models"
	"hazard-orchestrator/internal/store"
)

// Attempt is the single mutation entry point of a delivery. It tries the
// delivery's next channel from plan and persists the transition before
// returning. Calls for the same delivery id are serialized. An unknown id
// yields a result with Found false and no error.
func (o *Orchestrator) Attempt(ctx context.Context, deliveryID string, plan *models.TriagePlan) (*models.AttemptResult, error) {
	unlock := o.locks.Lock(deliveryID)
	defer unlock()

	d, err := o.stores.Deliveries.Get(ctx, deliveryID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.AttemptResult{DeliveryID: deliveryID}, nil
	}
	if err != nil {
		return nil, err
	}
	if d.Terminal() {
		return resultOf(d, ""), nil
	}

	if d.ChannelIndex >= len(plan.Channels) {
		d.Status = models.StatusFailed
		d.Reason = models.ReasonNoMoreChannels
		if err := o.stores.Deliveries.Put(ctx, d); err != nil {
			return nil, err
		}
		o.metrics.Terminal(string(models.StatusFailed))
		o.logger.Info("delivery exhausted",
			zap.String("delivery_id", d.DeliveryID),
			zap.String("contact", d.Contact.Name),
			zap.Int("attempts", d.Attempts),
		)
		res := resultOf(d, "")
		res.Exhausted = true
		return res, nil
	}

	inc, err := o.stores.Incidents.Get(ctx, d.IncidentID)
	if err != nil {
		return nil, errors.Wrapf(err, "loading incident %s", d.IncidentID)
	}

	channel := plan.Channels[d.ChannelIndex]
	msg := compose.Compose(inc, o.languages.Resolve(d.Contact, plan))
	sendErr := o.send(ctx, channel, d.Contact, msg)

	now := o.clock.Now().UTC()
	d.Attempts++
	d.LastAttempt = &now
	d.LastChannel = channel

	acked, recorded := false, false
	if sendErr == nil {
		acked, err = o.acker.Acknowledged(ctx, d, channel)
		if err != nil {
			o.logger.Warn("acknowledgment check failed", zap.String("delivery_id", d.DeliveryID), zap.Error(err))
			acked = false
		}
	}

	outcome := metrics.OutcomeUnacknowledged
	if acked {
		// an acknowledgment already reported through RecordAck is kept
		recorded, err = o.stores.Ledger.RecordIfAbsent(ctx, models.Acknowledgment{
			IncidentID:  d.IncidentID,
			ContactName: d.Contact.Name,
			Channel:     channel,
			At:          now,
		})
		if err != nil {
			return nil, err
		}
		d.Acknowledged = true
		d.Status = models.StatusDelivered
		d.Reason = ""
		outcome = metrics.OutcomeAcknowledged
	} else {
		d.ChannelIndex++
		d.Status = models.StatusRetryPending
		switch {
		case errors.Is(sendErr, channels.ErrNoAddress):
			d.Reason = models.ReasonNoAddress
			outcome = metrics.OutcomeNoAddress
		case sendErr != nil:
			d.Reason = models.ReasonSendFailed
			outcome = metrics.OutcomeSendFailed
		default:
			d.Reason = models.ReasonUnacknowledged
		}
	}

	if err := o.stores.Deliveries.Put(ctx, d); err != nil {
		return nil, err
	}
	o.metrics.Attempt(channel, outcome)
	if recorded {
		o.metrics.Ack(channel)
	}
	if acked {
		o.metrics.Terminal(string(models.StatusDelivered))
	}

	fields := []zap.Field{
		zap.String("delivery_id", d.DeliveryID),
		zap.String("incident_id", d.IncidentID),
		zap.String("contact", d.Contact.Name),
		zap.String("channel", channel),
		zap.String("status", string(d.Status)),
		zap.Int("attempts", d.Attempts),
	}
	if sendErr != nil {
		o.logger.Warn("send failed, falling back", append(fields, zap.Error(sendErr))...)
	} else {
		o.logger.Debug("attempt complete", fields...)
	}
	return resultOf(d, channel), nil
}

func (o *Orchestrator) send(ctx context.Context, channel string, c models.Contact, msg compose.Message) error {
	address, ok := c.Address(channel)
	if !ok {
		return channels.ErrNoAddress
	}
	return o.sender.Send(ctx, channel, address, msg.Subject, msg.Body)
}

// Drive attempts a delivery until it is terminal or has used the attempt
// bound while channels remain. Running out of channels is never blocked by
// the attempt bound since that transition sends nothing. If ctx is
// cancelled no further attempt is started; one already sending completes.
func (o *Orchestrator) Drive(ctx context.Context, deliveryID string, plan *models.TriagePlan) (*models.AttemptResult, error) {
	d, err := o.stores.Deliveries.Get(context.WithoutCancel(ctx), deliveryID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.AttemptResult{DeliveryID: deliveryID}, nil
	}
	if err != nil {
		return nil, err
	}

	res := resultOf(d, "")
	for !isTerminal(res.Status) {
		if res.Attempts >= o.settings.MaxAttempts && res.ChannelIndex < len(plan.Channels) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		res, err = o.Attempt(context.WithoutCancel(ctx), deliveryID, plan)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func isTerminal(s models.DeliveryStatus) bool {
	return s == models.StatusDelivered || s == models.StatusFailed
}

func resultOf(d *models.Delivery, channel string) *models.AttemptResult {
	return &models.AttemptResult{
		DeliveryID:   d.DeliveryID,
		Found:        true,
		Channel:      channel,
		Status:       d.Status,
		Reason:       d.Reason,
		Attempts:     d.Attempts,
		ChannelIndex: d.ChannelIndex,
	}
}
