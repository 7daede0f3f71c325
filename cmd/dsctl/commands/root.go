package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	// envConfig names the configuration file when --config is not given.
	envConfig = "DSCTL_CONFIG"

	defaultConfigPath = "dsctl.yaml"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// ExitError carries a non-zero exit status for a command whose result was
// already rendered. main exits with Code without logging anything else.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dsctl",
		Short: "dsctl - Intent-based datastore lifecycle controller",
		Long: `dsctl realizes datastore lifecycle intents against a Nimble array and a
vSphere cluster, verifying array and host state after every step.

Intents:
  - Provision: create a volume, grant the cluster access, format a VMFS datastore
  - Clone:     clone a volume and resignature the copy into a new datastore
  - Expand:    grow a volume and its datastore online
  - Audit:     report drift across volumes, snapshots, LUNs and datastores
  - Retire:    unmount, unmap and delete a datastore and its volume`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $DSCTL_CONFIG or ./dsctl.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newExecuteCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newProbeCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// resolveConfigPath returns --config, then $DSCTL_CONFIG, then ./dsctl.yaml.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	return defaultConfigPath
}
