package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/dsctl/pkg/config"
	"github.com/openfroyo/dsctl/pkg/engine"
)

// validationReport is the output of dsctl validate.
type validationReport struct {
	Config   string                   `json:"config"`
	Valid    bool                     `json:"valid"`
	Problems []config.ValidationError `json:"problems,omitempty"`
	Clusters []string                 `json:"clusters,omitempty"`
	Policies []policyStatus           `json:"policies,omitempty"`
	Checks   []connectivityCheck      `json:"checks,omitempty"`
}

type policyStatus struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Enabled  bool   `json:"enabled"`
	Source   string `json:"source,omitempty"`
}

type connectivityCheck struct {
	Target string `json:"target"`
	Check  string `json:"check"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var connect bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Validate the configuration file and the admission policies.

This command checks:
  - YAML syntax and unknown keys
  - Struct constraints and the configuration schema
  - Initiator group patterns and size strings
  - Policy files compile

With --connect it also logs in to the array and vCenter and checks that every
configured cluster exists and resolves to exactly one initiator group.`,
		Example: `  # Validate ./dsctl.yaml
  dsctl validate

  # Validate a specific file and check connectivity
  dsctl validate --config /etc/dsctl/dsctl.yaml --connect`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			report := &validationReport{Config: resolveConfigPath()}

			a, err := newApp(ctx, appOptions{backends: connect})
			if err != nil {
				var cfgErr *config.Error
				if !errors.As(err, &cfgErr) {
					return err
				}
				report.Problems = cfgErr.Errors
				if err := renderValidation(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				return &ExitError{Code: 1}
			}
			defer func() {
				if err := a.close(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			report.Valid = true
			for name := range a.cfg.Clusters {
				report.Clusters = append(report.Clusters, name)
			}
			sort.Strings(report.Clusters)
			for _, p := range a.policy.ListPolicies() {
				report.Policies = append(report.Policies, policyStatus{
					Name:     p.Name,
					Severity: string(p.Severity),
					Enabled:  p.Enabled,
					Source:   p.Source,
				})
			}

			if connect {
				report.Checks = a.checkConnectivity(ctx, report.Clusters)
				for _, c := range report.Checks {
					if !c.OK {
						report.Valid = false
					}
				}
			}

			if err := renderValidation(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Valid {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&connect, "connect", false, "log in to the array and vCenter and resolve every cluster")

	return cmd
}

// pinger is implemented by storage backends that can open a session on demand.
type pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// checkConnectivity verifies every configured cluster against live inventory.
func (a *app) checkConnectivity(ctx context.Context, clusters []string) []connectivityCheck {
	storage, hyper := a.backends.storage, a.backends.hyper
	var checks []connectivityCheck

	if p, ok := storage.(pinger); ok {
		latency, err := p.Ping(ctx)
		checks = append(checks, checkResult("array", "open session", err, latency.Round(time.Millisecond).String()))
	}
	groups, err := storage.ListInitiatorGroups(ctx)
	checks = append(checks, checkResult("array", "list initiator groups", err, fmt.Sprintf("%d groups", len(groups))))
	known, err := hyper.ListClusters(ctx)
	checks = append(checks, checkResult("vcenter", "list clusters", err, fmt.Sprintf("%d clusters", len(known))))

	for _, name := range clusters {
		if !slices.Contains(known, name) {
			checks = append(checks, connectivityCheck{Target: name, Check: "cluster exists", Detail: "not found in vCenter"})
			continue
		}
		hosts, err := hyper.ClusterHosts(ctx, name)
		checks = append(checks, checkResult(name, "cluster hosts", err, fmt.Sprintf("%d hosts", len(hosts))))

		cs, err := a.settings.Cluster(name)
		if err != nil {
			checks = append(checks, checkResult(name, "initiator group", err, ""))
			continue
		}
		group, err := engine.ResolveInitiatorGroup(groups, cs.InitiatorGroupPattern)
		detail := ""
		if group != nil {
			detail = group.Name
		}
		checks = append(checks, checkResult(name, "initiator group", err, detail))
	}
	return checks
}

func checkResult(target, check string, err error, detail string) connectivityCheck {
	if err != nil {
		return connectivityCheck{Target: target, Check: check, Detail: err.Error()}
	}
	return connectivityCheck{Target: target, Check: check, OK: true, Detail: detail}
}
