package main

import (
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"hazard-orchestrator/internal/activities"
	"hazard-orchestrator/internal/app"
	"hazard-orchestrator/internal/config"
	"hazard-orchestrator/internal/logging"
	"hazard-orchestrator/internal/workflows"
)

func main() {
	a := &cli.App{
		Name:  "hazard-worker",
		Usage: "Run the hazard dispatch Temporal worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML configuration",
				EnvVars: []string{"HAZARD_CONFIG"},
			},
		},
		Action: run,
	}
	if err := a.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting hazard dispatch worker...")

	rt, err := app.Build(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("Serving metrics", zap.String("listen", cfg.Metrics.Listen))
	}

	// Create Temporal client
	tc, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    logging.NewTemporalLogger(logger),
	})
	if err != nil {
		return err
	}
	defer tc.Close()

	// Create worker
	w := worker.New(tc, cfg.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: cfg.Dispatch.Concurrency * 2,
	})

	// Register workflows
	w.RegisterWorkflow(workflows.IncidentDispatchWorkflow)

	// Register activities
	w.RegisterActivity(&activities.Activities{Orchestrator: rt.Orchestrator})

	logger.Info("Worker listening", zap.String("task_queue", cfg.Temporal.TaskQueue))

	// Start worker (blocks until interrupted)
	return w.Run(worker.InterruptCh())
}
