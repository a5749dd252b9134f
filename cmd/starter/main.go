package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
	"gopkg.in/yaml.v3"

	"hazard-orchestrator/internal/app"
	"hazard-orchestrator/internal/config"
	"hazard-orchestrator/internal/logging"
	"hazard-orchestrator/internal/models"
	"hazard-orchestrator/internal/workflows"
)

func main() {
	a := &cli.App{
		Name:  "hazard-dispatch",
		Usage: "Hazard alert dispatch CLI",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML configuration",
				EnvVars: []string{"HAZARD_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "dispatch",
				Usage:     "Start the dispatch workflow for an incident",
				ArgsUsage: " ",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "incident template (YAML or JSON) to ingest"},
					&cli.StringFlag{Name: "incident", Aliases: []string{"i"}, Usage: "id of an incident already ingested"},
					&cli.DurationFlag{Name: "ack-window", Usage: "how long to keep collecting acknowledgments after the last attempt"},
				},
				Action: dispatch,
			},
			{
				Name:  "ack",
				Usage: "Signal an acknowledgment from a contact",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "incident", Aliases: []string{"i"}, Required: true},
					&cli.StringFlag{Name: "contact", Required: true, Usage: "contact name"},
					&cli.StringFlag{Name: "channel", Value: "sms", Usage: "channel the acknowledgment came through"},
				},
				Action: sendAck,
			},
			{
				Name:  "status",
				Usage: "Query the state of a running dispatch",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "incident", Aliases: []string{"i"}, Required: true},
				},
				Action: queryStatus,
			},
			{
				Name:  "local",
				Usage: "Ingest and dispatch an incident in-process without Temporal",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true},
				},
				Action: runLocal,
			},
			{
				Name:  "report",
				Usage: "Print the stored deliveries and acknowledgments of an incident",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "incident", Aliases: []string{"i"}, Required: true},
				},
				Action: report,
			},
		},
	}
	if err := a.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.String("config"))
}

func dial(cfg *config.Config) (client.Client, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    logging.NewTemporalLogger(logger),
	})
}

// readIncident decodes an incident template. JSON is valid YAML so one decoder serves both.
func readIncident(path string) (*models.Incident, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading incident")
	}
	var inc models.Incident
	if err := yaml.Unmarshal(data, &inc); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", filepath.Base(path))
	}
	return &inc, nil
}

func dispatch(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	req := models.DispatchRequest{
		IncidentID: c.String("incident"),
		AckWindow:  cfg.Dispatch.AckWindow,
	}
	if c.IsSet("ack-window") {
		req.AckWindow = c.Duration("ack-window")
	}
	if path := c.String("file"); path != "" {
		inc, err := readIncident(path)
		if err != nil {
			return err
		}
		if inc.IncidentID == "" {
			hazard := models.Hazard(strings.ToUpper(string(inc.Hazard)))
			inc.IncidentID = models.NewIncidentID(time.Now().UTC(), hazard)
		}
		req.Incident = inc
		req.IncidentID = inc.IncidentID
	}
	if req.IncidentID == "" {
		return errors.New("either --file or --incident is required")
	}

	tc, err := dial(cfg)
	if err != nil {
		return err
	}
	defer tc.Close()

	workflowOptions := client.StartWorkflowOptions{
		ID:        workflows.WorkflowID(req.IncidentID),
		TaskQueue: cfg.Temporal.TaskQueue,
	}
	we, err := tc.ExecuteWorkflow(c.Context, workflowOptions, workflows.IncidentDispatchWorkflow, req)
	if err != nil {
		return errors.Wrap(err, "unable to start workflow")
	}

	log.Printf("Started dispatch workflow for incident: %s", req.IncidentID)
	log.Printf("  Workflow ID: %s", we.GetID())
	log.Printf("  Run ID: %s", we.GetRunID())
	return nil
}

func sendAck(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	tc, err := dial(cfg)
	if err != nil {
		return err
	}
	defer tc.Close()

	incidentID := c.String("incident")
	signal := models.AckSignal{ContactName: c.String("contact"), Channel: c.String("channel")}
	if err := tc.SignalWorkflow(c.Context, workflows.WorkflowID(incidentID), "", workflows.SignalAck, signal); err != nil {
		return errors.Wrap(err, "unable to send ack signal")
	}

	log.Printf("Sent ack signal: contact=%s channel=%s to %s", signal.ContactName, signal.Channel, workflows.WorkflowID(incidentID))
	return nil
}

func queryStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	tc, err := dial(cfg)
	if err != nil {
		return err
	}
	defer tc.Close()

	response, err := tc.QueryWorkflow(c.Context, workflows.WorkflowID(c.String("incident")), "", workflows.QueryState)
	if err != nil {
		return errors.Wrap(err, "unable to query workflow")
	}

	var state models.DispatchState
	if err := response.Get(&state); err != nil {
		return errors.Wrap(err, "unable to decode query result")
	}
	fmt.Println("Dispatch State:")
	return printJSON(state)
}

func runLocal(c *cli.Context) error {
	inc, err := readIncident(c.String("file"))
	if err != nil {
		return err
	}
	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := rt.Orchestrator.Ingest(c.Context, *inc)
	if err != nil {
		return err
	}
	summary, err := rt.Orchestrator.Run(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func report(c *cli.Context) error {
	rt, err := openRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	summary, err := rt.Orchestrator.Report(c.Context, c.String("incident"))
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func openRuntime(c *cli.Context) (*app.Runtime, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return app.Build(cfg, logger, nil)
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}
