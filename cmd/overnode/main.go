package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/overnode-org/overnode/pkg/agent"
	"github.com/overnode-org/overnode/pkg/config"
	"github.com/overnode-org/overnode/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once per invocation before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "overnode",
	Short: "Overnode - declarative multi-host container deployments",
	Long: `Overnode reconciles a cluster of container hosts with a declarative
project: compose files merged in a fixed order, rolled out in layers and
batches, each wave verified healthy before the next one starts.

Every host runs "overnode launch". Operators run "overnode up" from the
project directory.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Overnode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Config file (default ./"+config.DefaultFile+" if present)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Log as JSON")
	flags.String("registry", "", "Address of the agent hosting the registry")
	flags.String("token", "", "Cluster token")
	flags.String("data-dir", "", "Agent data directory")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads the config file and lets flags override it
func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		loaded.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		loaded.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("registry") {
		loaded.Engine.Registry, _ = flags.GetString("registry")
	}
	if flags.Changed("token") {
		loaded.Agent.Token, _ = flags.GetString("token")
	}
	if flags.Changed("data-dir") {
		loaded.Agent.DataDir, _ = flags.GetString("data-dir")
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(loaded.Log.Level),
		JSONOutput: loaded.Log.JSON,
		Output:     os.Stderr,
	})
	agent.Version = Version
	cfg = loaded
	return nil
}

// signalContext is cancelled on interrupt or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
