package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/dsctl/pkg/engine"
	"github.com/openfroyo/dsctl/pkg/stores"
)

// runDetail is one journaled run with its transitions and findings.
type runDetail struct {
	Run         *stores.Run          `json:"run"`
	Transitions []*stores.Transition `json:"transitions"`
	Findings    []*stores.Finding    `json:"findings,omitempty"`
}

func newHistoryCommand() *cobra.Command {
	var (
		intent string
		target string
		limit  int
		offset int
		prune  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show journaled runs",
		Long: `Show the run journal: every executed intent with its outcome, the stage it
reached and, for a single run, its full transition trace and findings.

The journal is history only. Current state is always probed live.`,
		Example: `  # List the last 20 runs
  dsctl history

  # List retires of one datastore
  dsctl history --intent Retire --target prod-ds-01

  # Show one run
  dsctl history 3f0c9a4e-6d1b-4c55-9f1e-0a7f2f1f9d2b

  # Delete runs older than 90 days
  dsctl history --prune 2160h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{journal: true})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if a.journal == nil {
				return engine.NewConfigurationError("the run journal is disabled", nil).WithResource("journal.enabled")
			}
			out := cmd.OutOrStdout()

			switch {
			case prune > 0:
				before := time.Now().Add(-prune)
				n, err := a.journal.Prune(ctx, before)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Pruned %d runs started before %s\n", n, before.UTC().Format(time.RFC3339))
				return nil

			case len(args) == 1:
				detail, err := loadRunDetail(ctx, a.journal, args[0])
				if err != nil {
					return err
				}
				return renderRunDetail(out, detail)

			default:
				filter := stores.RunFilter{Target: target, Limit: limit, Offset: offset}
				if intent != "" {
					i, err := engine.ParseIntent(intent)
					if err != nil {
						return err
					}
					filter.Intent = i
				}
				runs, err := a.journal.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				return renderRuns(out, runs)
			}
		},
	}

	cmd.Flags().StringVar(&intent, "intent", "", "only runs of this intent")
	cmd.Flags().StringVar(&target, "target", "", "only runs on this volume or datastore")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs older than this duration")

	return cmd
}

func loadRunDetail(ctx context.Context, j stores.Journal, id string) (*runDetail, error) {
	run, err := j.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	transitions, err := j.ListTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	findings, err := j.ListFindings(ctx, id)
	if err != nil {
		return nil, err
	}
	return &runDetail{Run: run, Transitions: transitions, Findings: findings}, nil
}
