package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/dsctl/pkg/backends/nimble"
	"github.com/openfroyo/dsctl/pkg/backends/vsphere"
	"github.com/openfroyo/dsctl/pkg/config"
	"github.com/openfroyo/dsctl/pkg/engine"
	"github.com/openfroyo/dsctl/pkg/policy"
	"github.com/openfroyo/dsctl/pkg/stores"
	"github.com/openfroyo/dsctl/pkg/telemetry"
)

// backends bundles the array and vCenter clients of one invocation.
type backends struct {
	storage engine.StorageBackend
	hyper   engine.HypervisorBackend
	close   func(context.Context) error
}

// connectBackends dials the array and vCenter. Tests replace it.
var connectBackends = dialBackends

func dialBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	arrayPassword, err := config.Secret(cfg.Array.PasswordEnv, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	vcPassword, err := config.Secret(cfg.VCenter.PasswordEnv, os.LookupEnv)
	if err != nil {
		return nil, err
	}

	arrayCfg := nimble.DefaultConfig(cfg.Array.Endpoint, cfg.Array.Username)
	arrayCfg.Password = arrayPassword
	arrayCfg.InsecureSkipVerify = cfg.Array.InsecureSkipVerify
	if cfg.Array.Timeout > 0 {
		arrayCfg.RequestTimeout = cfg.Array.Timeout
	}
	arrayCfg.RetryMax = cfg.Array.Retries

	array, err := nimble.New(arrayCfg, logger.With().Str("component", "nimble").Logger())
	if err != nil {
		return nil, engine.NewConfigurationError("invalid array configuration", err).WithResource(cfg.Array.Endpoint)
	}

	vc, err := vsphere.Dial(ctx, &vsphere.Config{
		URL:      cfg.VCenter.Endpoint,
		Username: cfg.VCenter.Username,
		Password: vcPassword,
		Insecure: cfg.VCenter.Insecure,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &backends{storage: array, hyper: vc, close: vc.Close}, nil
}

// appOptions selects the collaborators a command needs.
type appOptions struct {
	backends bool
	journal  bool
}

// app holds the collaborators of one command invocation.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	settings engine.Settings
	policy   *policy.Engine
	journal  stores.Journal
	backends *backends
	executor *engine.Executor
}

// newApp loads the configuration and wires the requested collaborators.
// The caller must call close.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg), os.Stderr)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to initialize telemetry", err).WithResource(path)
	}

	a := &app{
		cfg:      cfg,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("cli"),
		settings: cfg.ToEngineSettings(),
	}
	a.logger.Debug().Str("config", path).Int("clusters", len(cfg.Clusters)).Msg("Configuration loaded")

	if err := a.init(ctx, opts); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	pol, err := newPolicyEngine(ctx, a.cfg, a.settings, a.tel.Logger.NewComponentLogger("policy"))
	if err != nil {
		return err
	}
	a.policy = pol

	if opts.journal && a.cfg.Journal.Enabled {
		j, err := stores.Open(ctx, stores.Config{Path: a.cfg.Journal.Path})
		if err != nil {
			return fmt.Errorf("failed to open run journal: %w", err)
		}
		a.journal = j
	}

	if !opts.backends {
		return nil
	}

	b, err := connectBackends(ctx, a.cfg, a.tel.Logger.Zerolog())
	if err != nil {
		return err
	}
	a.backends = b

	execOpts := a.tel.EngineOptions()
	execOpts = append(execOpts,
		engine.WithSettings(a.settings),
		engine.WithAdmission(a.policy),
	)
	if a.journal != nil {
		execOpts = append(execOpts, engine.WithRecorder(a.journal))
	}
	a.executor = engine.NewExecutor(b.storage, b.hyper, execOpts...)
	return nil
}

// close releases every collaborator. Every step runs; the errors are joined.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.backends != nil && a.backends.close != nil {
		if err := a.backends.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close vcenter session: %w", err))
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close run journal: %w", err))
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// newPolicyEngine builds the admission engine with the configured limits,
// extra policy files and disabled policies.
func newPolicyEngine(ctx context.Context, cfg *config.Config, settings engine.Settings, logger zerolog.Logger) (*policy.Engine, error) {
	limits := policy.DefaultLimits()
	if cfg.Policy.MaxNameLength > 0 {
		limits.MaxNameLength = cfg.Policy.MaxNameLength
	}
	if n := cfg.PolicyMaxSizeBytes(); n > 0 {
		limits.MaxSizeBytes = n
	}

	pol, err := policy.NewEngine(logger, policy.WithSettings(settings), policy.WithLimits(limits))
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := pol.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, engine.NewConfigurationError("failed to load policies", err)
		}
	}
	for _, name := range cfg.Policy.Disabled {
		if err := pol.DisablePolicy(name); err != nil {
			return nil, engine.NewConfigurationError("failed to disable policy", err).WithResource(name)
		}
	}
	return pol, nil
}

// telemetryConfig maps the document onto telemetry settings. --verbose and
// LOG_LEVEL raise the configured level.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = buildVersion

	tc.Logging.Level = cfg.Logging.Level
	tc.Logging.Format = cfg.Logging.Format
	tc.Logging.Output = cfg.Logging.Output
	if cfg.Logging.TimeFormat != "" {
		tc.Logging.TimeFormat = cfg.Logging.TimeFormat
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		tc.Logging.Level = level
	}
	if verbose && telemetry.ParseLevel(tc.Logging.Level) > zerolog.DebugLevel {
		tc.Logging.Level = "debug"
	}

	tc.Tracing.Enabled = cfg.Tracing.Enabled
	tc.Tracing.Exporter = cfg.Tracing.Exporter
	tc.Tracing.Endpoint = cfg.Tracing.Endpoint
	tc.Tracing.SamplingRate = cfg.Tracing.SamplingRate
	tc.Tracing.Insecure = cfg.Tracing.Insecure

	tc.Metrics.Enabled = cfg.Metrics.Enabled
	tc.Metrics.TextfilePath = cfg.Metrics.TextfilePath
	tc.Metrics.ListenAddress = cfg.Metrics.ListenAddress
	tc.Metrics.Namespace = cfg.Metrics.Namespace
	return tc
}
