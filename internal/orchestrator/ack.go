package orchestrator

import (
	"context"

	"github.com/pkg/errors"

	"hazard-orchestrator/internal/models"
	"hazard-orchestrator/internal/store"
)

// Acknowledger decides whether a successful send has been confirmed by the
// recipient. It is consulted only after the channel reported success.
type Acknowledger interface {
	Acknowledged(ctx context.Context, d *models.Delivery, channel string) (bool, error)
}

// AcknowledgerFunc adapts a function to Acknowledger
type AcknowledgerFunc func(ctx context.Context, d *models.Delivery, channel string) (bool, error)

func (f AcknowledgerFunc) Acknowledged(ctx context.Context, d *models.Delivery, channel string) (bool, error) {
	return f(ctx, d, channel)
}

// ConfirmingChannels treats a successful send on any of its channels as a
// confirmed receipt, e.g. a voice call answered with a key press.
type ConfirmingChannels map[string]bool

// NewConfirmingChannels builds the set from channel names.
func NewConfirmingChannels(channels ...string) ConfirmingChannels {
	c := ConfirmingChannels{}
	for _, ch := range channels {
		c[ch] = true
	}
	return c
}

func (c ConfirmingChannels) Acknowledged(_ context.Context, _ *models.Delivery, channel string) (bool, error) {
	return c[channel], nil
}

// LedgerAcknowledger reports an acknowledgment that already arrived
// asynchronously for the delivery's (incident, contact) pair.
type LedgerAcknowledger struct {
	Ledger *store.Ledger
}

func (l LedgerAcknowledger) Acknowledged(ctx context.Context, d *models.Delivery, _ string) (bool, error) {
	_, err := l.Ledger.Get(ctx, d.IncidentID, d.Contact.Name)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// AnyOf is acknowledged when any of its members is.
type AnyOf []Acknowledger

func (a AnyOf) Acknowledged(ctx context.Context, d *models.Delivery, channel string) (bool, error) {
	for _, ack := range a {
		ok, err := ack.Acknowledged(ctx, d, channel)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
