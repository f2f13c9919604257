package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/overnode-org/overnode/pkg/client"
	"github.com/overnode-org/overnode/pkg/registry"
	"github.com/overnode-org/overnode/pkg/types"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the nodes of the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, err := registryClient()
		if err != nil {
			return err
		}
		defer host.Close()

		membership, err := host.Membership(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Membership version %d\n\n", membership.Version)
		return printNodes(os.Stdout, membership.Nodes, time.Now())
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget NODE_ID",
	Short: "Permanently remove a node from the cluster",
	Long: `Remove a node from the registry. Unreachable nodes are never forgotten
automatically; run this only for hosts that will not come back. Their
containers are no longer managed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil || id <= 0 {
			return fmt.Errorf("node id must be a positive integer, got %q", args[0])
		}
		host, err := registryClient()
		if err != nil {
			return err
		}
		defer host.Close()

		if err := host.Forget(cmd.Context(), types.NodeID(id)); err != nil {
			return err
		}
		fmt.Printf("✓ Node %d forgotten\n", id)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [PROJECT]",
	Short: "Show the last converged version of a project",
	Long:  `Show the project's convergence record. Without an argument the project in the project directory is used.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the cluster token of the local registry host",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := registry.ReadToken(cfg.Agent.DataDir)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringP("project-dir", "C", "", "Project directory containing the project file")
}

func registryClient() (*client.Client, error) {
	token, err := clusterToken()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Engine.Registry, token, client.WithOwner(cfg.Engine.Owner))
}

func runStatus(cmd *cobra.Command, args []string) error {
	var project string
	if len(args) == 1 {
		project = args[0]
	} else {
		if cmd.Flags().Changed("project-dir") {
			cfg.Engine.ProjectDir, _ = cmd.Flags().GetString("project-dir")
		}
		p, err := loadProject(context.Background())
		if err != nil {
			return err
		}
		project = p.ID
	}

	host, err := registryClient()
	if err != nil {
		return err
	}
	defer host.Close()

	record, err := host.Record(cmd.Context(), project)
	if err != nil {
		return err
	}
	if record == nil {
		fmt.Printf("Project %s has never converged\n", project)
		return nil
	}
	return printYAML(os.Stdout, newRecordView(record, time.Now()))
}
