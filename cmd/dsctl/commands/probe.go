package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/dsctl/pkg/engine"
)

func newProbeCommand() *cobra.Command {
	var (
		cluster   string
		volume    string
		datastore string
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show the reconciled state of a volume or datastore",
		Long: `Probe a volume or a datastore across the array and every host of a cluster.

The probe is read-only. It reports the volume, the LUN each host sees, the
datastore binding and mounts, and the consistency verdict:
Absent, Consistent, PartiallyVisible, OrphanedOnArray, OrphanedOnHosts or
Unformatted.`,
		Example: `  # Probe by volume name
  dsctl probe --cluster Prod --volume prod-ds-01

  # Probe by datastore name
  dsctl probe --cluster Prod --datastore prod-ds-01 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (volume == "") == (datastore == "") {
				return engine.NewValidationError("exactly one of --volume and --datastore is required", nil)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{backends: true})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			probe := a.executor.Probe()
			var state *engine.ReconciledState
			if volume != "" {
				state, err = probe.Probe(ctx, volume, cluster)
			} else {
				state, err = probe.ProbeDatastore(ctx, datastore, cluster)
			}
			if err != nil {
				return err
			}
			return renderState(cmd.OutOrStdout(), state)
		},
	}

	cmd.Flags().StringVar(&cluster, "cluster", "", "vSphere cluster to probe")
	cmd.Flags().StringVar(&volume, "volume", "", "array volume name")
	cmd.Flags().StringVar(&datastore, "datastore", "", "datastore name")
	_ = cmd.MarkFlagRequired("cluster")

	return cmd
}
