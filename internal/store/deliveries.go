package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"hazard-orchestrator/internal/models"
)

// Deliveries persists delivery records. Records are never deleted.
type Deliveries struct {
	kv KV
}

// NewDeliveries wraps kv as a delivery store.
func NewDeliveries(kv KV) *Deliveries {
	return &Deliveries{kv: kv}
}

// Put upserts a delivery.
func (s *Deliveries) Put(ctx context.Context, d *models.Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encoding delivery")
	}
	return s.kv.Put(ctx, d.DeliveryID, data)
}

// Get loads a delivery, returning ErrNotFound for unknown ids.
func (s *Deliveries) Get(ctx context.Context, id string) (*models.Delivery, error) {
	data, err := s.kv.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var d models.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrapf(err, "decoding delivery %s", id)
	}
	return &d, nil
}

// List returns every delivery ordered by creation time, then queue position.
func (s *Deliveries) List(ctx context.Context) ([]models.Delivery, error) {
	return s.list(ctx, func(*models.Delivery) bool { return true })
}

// ListByIncident returns the deliveries belonging to incidentID.
func (s *Deliveries) ListByIncident(ctx context.Context, incidentID string) ([]models.Delivery, error) {
	return s.list(ctx, func(d *models.Delivery) bool { return d.IncidentID == incidentID })
}

func (s *Deliveries) list(ctx context.Context, keep func(*models.Delivery) bool) ([]models.Delivery, error) {
	kvs, err := s.kv.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Delivery
	for _, kv := range kvs {
		var d models.Delivery
		if err := json.Unmarshal(kv.Value, &d); err != nil {
			return nil, errors.Wrapf(err, "decoding delivery %s", kv.Key)
		}
		if keep(&d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}
