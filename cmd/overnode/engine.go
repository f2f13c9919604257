package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/overnode-org/overnode/pkg/client"
	"github.com/overnode-org/overnode/pkg/compose"
	"github.com/overnode-org/overnode/pkg/events"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/registry"
	"github.com/overnode-org/overnode/pkg/rollout"
	"github.com/overnode-org/overnode/pkg/types"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Converge the cluster onto the project",
	Long: `Merge the project's fragments, observe every active node, and roll the
difference out wave by wave. The run report is printed as YAML; the command
fails unless every wave completed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return converge(cmd, false)
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Remove every container of the project from the cluster",
	Long: `Converge the cluster onto a desired state with no services. Containers
marked retain are stopped and kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return converge(cmd, true)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the waves a run would execute",
	Long:  `Observe and plan without taking the project lease or touching any container.`,
	RunE:  runPlan,
}

func init() {
	for _, c := range []*cobra.Command{upCmd, downCmd, planCmd} {
		c.Flags().StringP("project-dir", "C", "", "Project directory containing "+compose.ProjectFile)
		c.Flags().Int("batch-size", 0, "Instances per batch within a layer")
	}
}

// engine is an operator's connection to the cluster
type engine struct {
	host *client.Client
	pool *client.Pool
	orch *rollout.Orchestrator
}

func applyEngineFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("project-dir") {
		cfg.Engine.ProjectDir, _ = flags.GetString("project-dir")
	}
	if flags.Changed("batch-size") {
		cfg.Engine.BatchSize, _ = flags.GetInt("batch-size")
	}
}

// clusterToken takes the token from flags or config, falling back to the one
// persisted by a registry host agent on this machine
func clusterToken() (string, error) {
	if cfg.Agent.Token != "" {
		return cfg.Agent.Token, nil
	}
	token, err := registry.ReadToken(cfg.Agent.DataDir)
	if err != nil {
		return "", fmt.Errorf("no cluster token: pass --token or set agent.token (%w)", err)
	}
	return token, nil
}

func newEngine(publisher events.Publisher) (*engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	token, err := clusterToken()
	if err != nil {
		return nil, err
	}
	host, err := client.New(cfg.Engine.Registry, token, client.WithOwner(cfg.Engine.Owner))
	if err != nil {
		return nil, err
	}
	pool := client.NewPool(token, client.WithOwner(cfg.Engine.Owner))

	orch := rollout.New(rollout.Config{
		Coordinator:    host,
		Nodes:          host,
		Dialer:         pool,
		BatchSize:      cfg.Engine.BatchSize,
		ObserveTimeout: cfg.Engine.ObserveTimeout.Duration,
		Health: rollout.HealthPolicy{
			Timeout:        cfg.Engine.HealthTimeout.Duration,
			InitialBackoff: cfg.Engine.HealthInitialBackoff.Duration,
			MaxBackoff:     cfg.Engine.HealthMaxBackoff.Duration,
		},
		Events: publisher,
	})
	return &engine{host: host, pool: pool, orch: orch}, nil
}

func (e *engine) Close() {
	e.pool.Close()
	e.host.Close()
}

func loadProject(ctx context.Context) (*compose.Project, error) {
	project, err := compose.NewDirLoader(cfg.Engine.ProjectDir).Load(ctx)
	if err != nil {
		return nil, err
	}
	return project, nil
}

func converge(cmd *cobra.Command, down bool) error {
	applyEngineFlags(cmd)
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	project, err := loadProject(ctx)
	if err != nil {
		return err
	}
	var desired *types.DesiredState
	if down {
		desired = &types.DesiredState{Project: project.ID, Services: map[string]*types.ServiceSpec{}}
	} else if desired, err = project.Desired(); err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	stopProgress := events.Follow(broker, log.WithComponent("run"))

	e, err := newEngine(broker)
	if err != nil {
		stopProgress()
		return err
	}
	defer e.Close()

	report := e.orch.Run(ctx, desired)
	stopProgress()

	if err := printYAML(os.Stdout, report); err != nil {
		return err
	}
	if report.State != types.RunCompleted {
		return fmt.Errorf("run %s %s: %s", report.RunID, report.State, report.Outcome)
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	applyEngineFlags(cmd)
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	project, err := loadProject(ctx)
	if err != nil {
		return err
	}
	desired, err := project.Desired()
	if err != nil {
		return err
	}
	e, err := newEngine(nil)
	if err != nil {
		return err
	}
	defer e.Close()

	preview, err := e.orch.DryRun(ctx, desired)
	if err != nil {
		return err
	}
	return printYAML(os.Stdout, newPlanView(desired.Project, preview))
}
