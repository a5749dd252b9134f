package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"hazard-orchestrator/internal/models"
)

// Ledger is the acknowledgment ledger keyed by (incident, contact).
type Ledger struct {
	kv KV
}

// NewLedger wraps kv as an acknowledgment ledger.
func NewLedger(kv KV) *Ledger {
	return &Ledger{kv: kv}
}

// Record writes ack, replacing any earlier entry for the same pair.
func (l *Ledger) Record(ctx context.Context, ack models.Acknowledgment) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return errors.Wrap(err, "encoding acknowledgment")
	}
	return l.kv.Put(ctx, models.AckKey(ack.IncidentID, ack.ContactName), data)
}

// RecordIfAbsent writes ack only when the pair has no entry yet. It reports
// whether ack was written; an existing entry is kept untouched.
func (l *Ledger) RecordIfAbsent(ctx context.Context, ack models.Acknowledgment) (bool, error) {
	data, err := json.Marshal(ack)
	if err != nil {
		return false, errors.Wrap(err, "encoding acknowledgment")
	}
	err = l.kv.Create(ctx, models.AckKey(ack.IncidentID, ack.ContactName), data)
	if errors.Is(err, ErrExists) {
		return false, nil
	}
	return err == nil, err
}

// Get returns the acknowledgment for a pair, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, incidentID, contactName string) (*models.Acknowledgment, error) {
	data, err := l.kv.Get(ctx, models.AckKey(incidentID, contactName))
	if err != nil {
		return nil, err
	}
	var ack models.Acknowledgment
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, errors.Wrap(err, "decoding acknowledgment")
	}
	return &ack, nil
}

// List returns all acknowledgments, optionally restricted to one incident.
func (l *Ledger) List(ctx context.Context, incidentID string) ([]models.Acknowledgment, error) {
	kvs, err := l.kv.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Acknowledgment
	for _, kv := range kvs {
		var ack models.Acknowledgment
		if err := json.Unmarshal(kv.Value, &ack); err != nil {
			return nil, errors.Wrapf(err, "decoding acknowledgment %s", kv.Key)
		}
		if incidentID == "" || ack.IncidentID == incidentID {
			out = append(out, ack)
		}
	}
	return out, nil
}

// Count returns how many contacts acknowledged an incident.
func (l *Ledger) Count(ctx context.Context, incidentID string) (int, error) {
	acks, err := l.List(ctx, incidentID)
	if err != nil {
		return 0, err
	}
	return len(acks), nil
}
