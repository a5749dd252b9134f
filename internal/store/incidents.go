package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"hazard-orchestrator/internal/models"
)

// Incidents is the incident store. Incidents are write-once.
type Incidents struct {
	kv KV
}

// NewIncidents wraps kv as an incident store.
func NewIncidents(kv KV) *Incidents {
	return &Incidents{kv: kv}
}

// Put stores a new incident. A second ingest of the same id returns ErrExists.
func (s *Incidents) Put(ctx context.Context, inc *models.Incident) error {
	if inc.IncidentID == "" {
		return errors.New("incident id is required")
	}
	data, err := json.Marshal(inc)
	if err != nil {
		return errors.Wrap(err, "encoding incident")
	}
	return s.kv.Create(ctx, inc.IncidentID, data)
}

// Get loads an incident, returning ErrNotFound for unknown ids.
func (s *Incidents) Get(ctx context.Context, id string) (*models.Incident, error) {
	data, err := s.kv.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var inc models.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, errors.Wrapf(err, "decoding incident %s", id)
	}
	return &inc, nil
}

// List returns every stored incident.
func (s *Incidents) List(ctx context.Context) ([]models.Incident, error) {
	kvs, err := s.kv.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Incident, 0, len(kvs))
	for _, kv := range kvs {
		var inc models.Incident
		if err := json.Unmarshal(kv.Value, &inc); err != nil {
			return nil, errors.Wrapf(err, "decoding incident %s", kv.Key)
		}
		out = append(out, inc)
	}
	return out, nil
}
