package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/dsctl/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var (
		cluster            string
		interval           time.Duration
		maxSnapshotAgeDays int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Audit periodically and serve metrics",
		Long: `Run the Audit intent on a fixed interval until interrupted.

Every audit is journaled and recorded in the metrics registry, which is served
on metrics.listen_address. With metrics.textfile_path set, the textfile is
rewritten after every audit.`,
		Example: `  # Audit every cluster every 15 minutes
  dsctl watch --interval 15m

  # Audit one cluster
  dsctl watch --cluster Prod --interval 1h --max-snapshot-age-days 14`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return engine.NewValidationError("--interval must be positive", nil)
			}
			req := engine.Request{
				Intent:         engine.IntentAudit,
				Cluster:        cluster,
				MaxSnapshotAge: time.Duration(maxSnapshotAgeDays) * 24 * time.Hour,
			}
			return runWatch(cmd.Context(), req, interval)
		},
	}

	cmd.Flags().StringVar(&cluster, "cluster", "", "cluster to audit (default every cluster)")
	cmd.Flags().DurationVar(&interval, "interval", 15*time.Minute, "time between audits")
	cmd.Flags().IntVar(&maxSnapshotAgeDays, "max-snapshot-age-days", 0, "snapshot age that counts as orphaned")

	return cmd
}

// runWatch audits until ctx is cancelled. Only setup failures are returned.
func runWatch(ctx context.Context, req engine.Request, interval time.Duration) error {
	a, err := newApp(ctx, appOptions{backends: true, journal: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.tel.Metrics.Serve(ctx, a.logger)
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			a.auditOnce(ctx, req)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

func (a *app) auditOnce(ctx context.Context, req engine.Request) {
	res, err := a.executor.Execute(ctx, req)
	logger := a.tel.Logger.WithRunID(res.RunID).NewComponentLogger("watch")
	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.
		Str("outcome", string(res.Outcome)).
		Int("findings", len(res.Findings)).
		Dur("duration", res.Duration).
		Msg("Audit completed")

	if err := a.tel.Metrics.WriteTextfile(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to write metrics textfile")
	}
}
