package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/dsctl/pkg/config"
	"github.com/openfroyo/dsctl/pkg/stores"
)

// sampleJournalPath is the journal location in config.Sample. init replaces it
// with a path next to the written configuration.
const sampleJournalPath = "/var/lib/dsctl/journal.db"

func newInitCommand() *cobra.Command {
	var (
		force     bool
		noJournal bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an annotated configuration file",
		Long: `Write an annotated sample configuration and create the run journal.

The journal is placed next to the configuration file. Edit the endpoints,
clusters and initiator group patterns, export the password environment
variables, then run 'dsctl validate --connect'.`,
		Example: `  # Write ./dsctl.yaml
  dsctl init

  # Write to a custom path, replacing an existing file
  dsctl init --config /etc/dsctl/dsctl.yaml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			out := cmd.OutOrStdout()

			log.Info().
				Str("config", path).
				Bool("force", force).
				Msg("Initializing configuration")

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}

			dir := filepath.Dir(path)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}

			journalPath := filepath.Join(dir, "dsctl-journal.db")
			content := strings.Replace(config.Sample, sampleJournalPath, journalPath, 1)
			if noJournal {
				content = strings.Replace(content, "journal:\n  enabled: true", "journal:\n  enabled: false", 1)
			}

			cfg, err := config.Parse([]byte(content))
			if err != nil {
				return fmt.Errorf("generated configuration is invalid: %w", err)
			}

			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(out, "✓ Created config file: %s\n", path)

			if cfg.Journal.Enabled {
				j, err := stores.Open(cmd.Context(), stores.Config{Path: cfg.Journal.Path})
				if err != nil {
					return fmt.Errorf("failed to initialize run journal: %w", err)
				}
				if err := j.Close(); err != nil {
					return fmt.Errorf("failed to close run journal: %w", err)
				}
				fmt.Fprintf(out, "✓ Initialized run journal: %s\n", cfg.Journal.Path)
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintf(out, "  1. Edit %s for your array, vCenter and clusters\n", path)
			fmt.Fprintf(out, "  2. export %s and %s\n", cfg.Array.PasswordEnv, cfg.VCenter.PasswordEnv)
			fmt.Fprintln(out, "  3. dsctl validate --connect")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "disable the run journal")

	return cmd
}
