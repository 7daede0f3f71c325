package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// Environment variables that override the document.
const (
	EnvArrayEndpoint   = "DSCTL_ARRAY_ENDPOINT"
	EnvVCenterEndpoint = "DSCTL_VCENTER_ENDPOINT"
)

// Default returns a configuration with every optional setting filled in.
// Endpoints, usernames and clusters are left empty.
func Default() *Config {
	return &Config{
		Array: ArrayConfig{
			PasswordEnv: "DSCTL_ARRAY_PASSWORD",
			Timeout:     60 * time.Second,
			Retries:     2,
		},
		VCenter: VCenterConfig{
			PasswordEnv: "DSCTL_VCENTER_PASSWORD",
		},
		Clusters: map[string]ClusterConfig{},
		Defaults: DefaultsConfig{
			SnapshotMaxAge:           engine.DefaultSnapshotMaxAge,
			LowSpacePercent:          engine.DefaultLowSpacePercent,
			EmptyLargeMin:            "500 GiB",
			ExpectedPathPolicy:       engine.DefaultExpectedPathPolicy,
			ArrayVendor:              engine.DefaultArrayVendor,
			VisibilityAttempts:       engine.DefaultVisibilityAttempts,
			VisibilityInterval:       engine.DefaultVisibilityInterval,
			CapacityTolerancePercent: engine.DefaultCapacityTolerancePercent,
			CapacityToleranceFloor:   "64 MiB",
		},
		Naming: NamingConfig{
			Datastore: engine.DefaultDatastoreNameTemplate,
			Clone:     engine.DefaultCloneNameTemplate,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Metrics: MetricsConfig{
			Namespace: "dsctl",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
		},
		Journal: JournalConfig{
			Path: "dsctl-journal.db",
		},
	}
}

// Error lists every problem found in a configuration document.
type Error struct {
	Errors []ValidationError
}

func (e *Error) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		msgs = append(msgs, v.String())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Load reads, parses and validates the configuration file at path.
// Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to read configuration", err).WithResource(path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to load configuration", err).WithResource(path)
	}
	return cfg, nil
}

// Parse decodes a YAML or JSON document over Default, applies environment
// overrides and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides endpoints from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvArrayEndpoint); ok && v != "" {
		c.Array.Endpoint = v
	}
	if v, ok := lookup(EnvVCenterEndpoint); ok && v != "" {
		c.VCenter.Endpoint = v
	}
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var schemas = NewSchemaRegistry()

// Validate checks struct constraints, the CUE schema and the settings that
// need parsing: size strings and initiator group patterns.
func (c *Config) Validate() error {
	var problems []ValidationError

	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, ValidationError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
			})
		}
	}

	problems = append(problems, schemas.ValidateAgainstSchema(context.Background(), "config", c)...)

	for name, cl := range c.Clusters {
		if _, err := regexp.Compile(cl.InitiatorGroupPattern); err != nil {
			problems = append(problems, ValidationError{
				Field:   "clusters." + name + ".initiator_group_pattern",
				Message: err.Error(),
			})
		}
	}
	for field, value := range map[string]string{
		"defaults.empty_large_min":          c.Defaults.EmptyLargeMin,
		"defaults.capacity_tolerance_floor": c.Defaults.CapacityToleranceFloor,
		"policy.max_size":                   c.Policy.MaxSize,
	} {
		if value == "" {
			continue
		}
		if _, err := humanize.ParseBytes(value); err != nil {
			problems = append(problems, ValidationError{Field: field, Message: err.Error()})
		}
	}

	if len(problems) > 0 {
		sort.Slice(problems, func(i, j int) bool { return problems[i].String() < problems[j].String() })
		return &Error{Errors: problems}
	}
	return nil
}

func parseSize(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0
	}
	return int64(n)
}

// ToEngineSettings converts the document to engine settings.
// Call it on a validated configuration.
func (c *Config) ToEngineSettings() engine.Settings {
	s := engine.DefaultSettings()
	for name, cl := range c.Clusters {
		s.Clusters[name] = engine.ClusterSettings{
			InitiatorGroupPattern: cl.InitiatorGroupPattern,
			PerformancePolicy:     cl.PerformancePolicy,
			DatastoreCluster:      cl.DatastoreCluster,
		}
	}

	d := c.Defaults
	if d.SnapshotMaxAge > 0 {
		s.SnapshotMaxAge = d.SnapshotMaxAge
	}
	if d.LowSpacePercent > 0 {
		s.LowSpacePercent = d.LowSpacePercent
	}
	if n := parseSize(d.EmptyLargeMin); n > 0 {
		s.EmptyLargeMinBytes = n
	}
	if d.ExpectedPathPolicy != "" {
		s.ExpectedPathPolicy = d.ExpectedPathPolicy
	}
	if d.ArrayVendor != "" {
		s.ArrayVendor = d.ArrayVendor
	}
	if d.VisibilityAttempts > 0 {
		s.VisibilityAttempts = d.VisibilityAttempts
	}
	s.VisibilityInterval = d.VisibilityInterval
	if d.CapacityTolerancePercent > 0 {
		s.CapacityTolerancePercent = d.CapacityTolerancePercent
	}
	if n := parseSize(d.CapacityToleranceFloor); n > 0 {
		s.CapacityToleranceFloorBytes = n
	}
	if c.Naming.Datastore != "" {
		s.DatastoreNameTemplate = c.Naming.Datastore
	}
	if c.Naming.Clone != "" {
		s.CloneNameTemplate = c.Naming.Clone
	}
	return s
}

// PolicyMaxSizeBytes returns the configured policy size limit, or 0 for the default.
func (c *Config) PolicyMaxSizeBytes() int64 {
	return parseSize(c.Policy.MaxSize)
}

// Secret reads the password from the named environment variable.
func Secret(envName string, lookup func(string) (string, bool)) (string, error) {
	v, ok := lookup(envName)
	if !ok || v == "" {
		return "", engine.NewConfigurationError(fmt.Sprintf("environment variable %s is not set", envName), nil).
			WithResource(envName)
	}
	return v, nil
}
