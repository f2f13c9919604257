package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/overnode-org/overnode/pkg/agent"
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Run the node agent on this host",
	Long: `Run the node agent on this host until interrupted.

The first host of a cluster hosts the registry:

  overnode launch --id 1 --registry-host

Every other host joins through one or more seeds with the cluster token
printed by "overnode token" on the registry host:

  overnode launch --id 2 --seed 10.0.0.1:2375 --token TOKEN`,
	RunE: runLaunch,
}

func init() {
	flags := launchCmd.Flags()
	flags.Int("id", 0, "Node id, unique in the cluster")
	flags.String("listen", "", "Agent API listen address")
	flags.String("advertise", "", "Address other nodes and the engine dial (default: listen address)")
	flags.String("metrics", "", "Address serving /metrics, /health and /ready (empty disables)")
	flags.StringSlice("seed", nil, "Seed agent address, repeatable; tried in order")
	flags.Bool("registry-host", false, "Host the registry and the run leases")
	flags.String("runtime", "", "Container runtime: containerd or memory")
	flags.String("state-backend", "", "Registry store: local or raft")
}

func runLaunch(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	ac := &cfg.Agent
	if flags.Changed("id") {
		ac.NodeID, _ = flags.GetInt("id")
	}
	if flags.Changed("listen") {
		ac.ListenAddr, _ = flags.GetString("listen")
	}
	if flags.Changed("advertise") {
		ac.AdvertiseAddr, _ = flags.GetString("advertise")
	}
	if flags.Changed("metrics") {
		ac.MetricsAddr, _ = flags.GetString("metrics")
	}
	if flags.Changed("seed") {
		ac.Seeds, _ = flags.GetStringSlice("seed")
	}
	if flags.Changed("registry-host") {
		ac.Registry, _ = flags.GetBool("registry-host")
	}
	if flags.Changed("runtime") {
		ac.Runtime, _ = flags.GetString("runtime")
	}
	if flags.Changed("state-backend") {
		ac.StateBackend, _ = flags.GetString("state-backend")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !ac.Registry && len(ac.Seeds) == 0 {
		return fmt.Errorf("either --registry-host or at least one --seed is required")
	}

	a, err := agent.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, stop := signalContext(context.Background())
	defer stop()
	return a.Run(ctx)
}
