package commands

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openfroyo/dsctl/pkg/engine"
	"github.com/openfroyo/dsctl/pkg/gate"
)

// intentFlags are the request flags shared by execute and plan.
type intentFlags struct {
	intent             string
	cluster            string
	volume             string
	sourceVolume       string
	datastore          string
	sizeGB             int64
	size               string
	performancePolicy  string
	datastoreCluster   string
	maxSnapshotAgeDays int
	force              bool
	forceResignature   bool
	dryRun             bool
	confirm            string
}

func (f *intentFlags) register(cmd *cobra.Command, withDryRun bool) {
	cmd.Flags().StringVarP(&f.intent, "intent", "i", "", "intent to realize (Provision, Clone, Expand, Audit, Retire)")
	cmd.Flags().StringVar(&f.cluster, "cluster", "", "target vSphere cluster")
	cmd.Flags().StringVar(&f.volume, "volume", "", "array volume name")
	cmd.Flags().StringVar(&f.sourceVolume, "source-volume", "", "volume to clone from (Clone)")
	cmd.Flags().StringVar(&f.datastore, "datastore", "", "datastore name (defaults to the naming template)")
	cmd.Flags().Int64Var(&f.sizeGB, "size-gb", 0, "volume size in GiB (Provision, Expand)")
	cmd.Flags().StringVar(&f.size, "size", "", "volume size with a unit, for example \"2 TiB\" (Provision, Expand)")
	cmd.Flags().StringVar(&f.performancePolicy, "performance-policy", "", "array performance policy (Provision)")
	cmd.Flags().StringVar(&f.datastoreCluster, "datastore-cluster", "", "Storage DRS cluster to join (Provision)")
	cmd.Flags().IntVar(&f.maxSnapshotAgeDays, "max-snapshot-age-days", 0, "snapshot age that counts as orphaned (Audit)")
	cmd.Flags().BoolVar(&f.force, "force", false, "retire a datastore that still has registered VMs")
	cmd.Flags().BoolVar(&f.forceResignature, "force-resignature", false, "resignature a clone that has multiple copies (Clone)")
	cmd.Flags().StringVar(&f.confirm, "confirm", "", "datastore name confirming a Retire")
	if withDryRun {
		cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "probe and report planned changes without mutating anything")
	}
	_ = cmd.MarkFlagRequired("intent")
}

// request converts the flags into an engine request.
func (f *intentFlags) request() (engine.Request, error) {
	intent, err := engine.ParseIntent(f.intent)
	if err != nil {
		return engine.Request{}, err
	}

	sizeBytes, err := f.sizeBytes()
	if err != nil {
		return engine.Request{}, err
	}
	if f.maxSnapshotAgeDays < 0 {
		return engine.Request{}, engine.NewValidationError("--max-snapshot-age-days must not be negative", nil)
	}

	return engine.Request{
		Intent:            intent,
		Cluster:           f.cluster,
		Volume:            f.volume,
		SourceVolume:      f.sourceVolume,
		Datastore:         f.datastore,
		SizeBytes:         sizeBytes,
		PerformancePolicy: f.performancePolicy,
		DatastoreCluster:  f.datastoreCluster,
		MaxSnapshotAge:    time.Duration(f.maxSnapshotAgeDays) * 24 * time.Hour,
		Force:             f.force,
		ForceResignature:  f.forceResignature,
		DryRun:            f.dryRun,
	}, nil
}

func (f *intentFlags) sizeBytes() (int64, error) {
	switch {
	case f.sizeGB != 0 && f.size != "":
		return 0, engine.NewValidationError("--size-gb and --size are mutually exclusive", nil)
	case f.sizeGB < 0:
		return 0, engine.NewValidationError("--size-gb must not be negative", nil)
	case f.sizeGB > 0:
		return engine.GiB(f.sizeGB), nil
	case f.size != "":
		n, err := humanize.ParseBytes(f.size)
		if err != nil {
			return 0, engine.NewValidationError("invalid --size", err).WithDetail("size", f.size)
		}
		return int64(n), nil
	}
	return 0, nil
}

func newExecuteCommand() *cobra.Command {
	var flags intentFlags

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Realize an intent",
		Long: `Realize one intent against the array and the cluster.

Every step is verified by probing the array and every cluster host before the
next one starts. A repeated request whose outcome already holds completes as
AlreadySatisfied without mutating anything.

Retire requires confirmation: pass --confirm with the datastore name or type
it at the prompt.`,
		Example: `  # Provision a 2 TiB datastore for the Prod cluster
  dsctl execute --intent Provision --cluster Prod --volume prod-ds-01 --size-gb 2048

  # Clone a volume for Dev
  dsctl execute --intent Clone --cluster Dev --source-volume prod-ds-01

  # Grow a datastore online
  dsctl execute --intent Expand --cluster Prod --volume prod-ds-01 --size "3 TiB"

  # Audit a cluster for drift
  dsctl execute --intent Audit --cluster Prod --max-snapshot-age-days 14

  # Retire a datastore
  dsctl execute --intent Retire --cluster Prod --volume prod-ds-01 --confirm prod-ds-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			return runIntent(cmd.Context(), cmd.OutOrStdout(), req, flags.confirm)
		},
	}

	flags.register(cmd, true)
	return cmd
}

func newPlanCommand() *cobra.Command {
	var flags intentFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview an intent without changing anything",
		Long: `Preview an intent. This is execute with --dry-run forced.

The current state is probed live and every step the intent would take is
reported, with whether it would change anything. No mutating call reaches the
array or vCenter. Retire needs no confirmation in a plan.`,
		Example: `  # Preview a provision
  dsctl plan --intent Provision --cluster Prod --volume prod-ds-01 --size-gb 2048

  # Preview a retire as JSON
  dsctl plan --intent Retire --cluster Prod --volume prod-ds-01 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.dryRun = true
			req, err := flags.request()
			if err != nil {
				return err
			}
			return runIntent(cmd.Context(), cmd.OutOrStdout(), req, flags.confirm)
		},
	}

	flags.register(cmd, false)
	return cmd
}

// runIntent executes req, renders the result and maps the outcome to an exit status.
func runIntent(ctx context.Context, out io.Writer, req engine.Request, confirm string) error {
	a, err := newApp(ctx, appOptions{backends: true, journal: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	if req.Intent == engine.IntentRetire {
		conf, err := a.confirm(ctx, req, confirm)
		if err != nil {
			return err
		}
		req.Confirmation = conf
	}

	res, execErr := a.executor.Execute(ctx, req)
	a.tel.Logger.WithRunID(res.RunID).NewComponentLogger("cli").Debug().
		Str("intent", string(req.Intent)).
		Str("outcome", string(res.Outcome)).
		Msg("Intent finished")
	if err := renderResult(out, res); err != nil {
		return err
	}
	if code := engine.ExitCode(res, execErr); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// confirm obtains the Retire confirmation. A dry run changes nothing and is
// confirmed without asking. A refusal is logged and the request proceeds
// unconfirmed so the executor rejects and journals it.
func (a *app) confirm(ctx context.Context, req engine.Request, name string) (*engine.Confirmation, error) {
	datastore := req.Datastore
	if datastore == "" {
		datastore = a.settings.DatastoreName(req.Volume, req.Cluster)
	}
	if req.DryRun {
		return engine.NewConfirmation(datastore), nil
	}

	var g gate.Gate = gate.Static{Name: name}
	if name == "" {
		g = gate.NewPrompt()
	}
	conf, err := g.Confirm(ctx, datastore)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		a.logger.Warn().Err(err).Str("datastore", datastore).Msg("Retire not confirmed")
		return nil, nil
	}
	return conf, nil
}
