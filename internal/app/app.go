// Package app assembles the orchestrator and its dependencies from configuration.
package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"hazard-orchestrator/internal/channels"
	"hazard-orchestrator/internal/config"
	"hazard-orchestrator/internal/metrics"
	"hazard-orchestrator/internal/orchestrator"
	"hazard-orchestrator/internal/store"
)

// Runtime holds the assembled orchestrator and the resources it owns
type Runtime struct {
	Orchestrator *orchestrator.Orchestrator
	Stores       *store.Stores
	Metrics      *metrics.Metrics

	backend  store.Backend
	registry *channels.Registry
}

// Build opens the store, connects channel providers and creates the
// orchestrator. reg may be nil to skip metrics.
func Build(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Runtime, error) {
	backend, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	stores, err := store.NewStores(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	var m *metrics.Metrics
	if reg != nil {
		if m, err = metrics.New(reg); err != nil {
			backend.Close()
			return nil, err
		}
	}

	registry, err := channels.FromConfig(cfg, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}

	acker := orchestrator.AnyOf{
		orchestrator.NewConfirmingChannels(cfg.Dispatch.ConfirmingChannels...),
		orchestrator.LedgerAcknowledger{Ledger: stores.Ledger},
	}
	orch := orchestrator.New(
		stores,
		cfg.TriageRouting(),
		cfg.Directory(),
		cfg.LanguageResolver(),
		registry,
		orchestrator.Settings{
			MaxAttempts: cfg.RetryPolicy.MaxAttempts,
			Concurrency: cfg.Dispatch.Concurrency,
		},
		orchestrator.WithAcknowledger(acker),
		orchestrator.WithMetrics(m),
		orchestrator.WithLogger(logger),
	)

	return &Runtime{
		Orchestrator: orch,
		Stores:       stores,
		Metrics:      m,
		backend:      backend,
		registry:     registry,
	}, nil
}

// Close disconnects channel providers and closes the store.
func (r *Runtime) Close() error {
	err := r.registry.Close()
	if berr := r.backend.Close(); err == nil {
		err = berr
	}
	return err
}
