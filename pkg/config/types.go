package config

import (
	"time"
)

// Config is the dsctl configuration document.
type Config struct {
	// Array configures the block array REST endpoint.
	Array ArrayConfig `yaml:"array" json:"array" validate:"required"`

	// VCenter configures the vCenter endpoint.
	VCenter VCenterConfig `yaml:"vcenter" json:"vcenter" validate:"required"`

	// Clusters maps cluster name to its settings.
	Clusters map[string]ClusterConfig `yaml:"clusters" json:"clusters" validate:"required,min=1,dive,keys,required,endkeys"`

	// Defaults holds engine thresholds.
	Defaults DefaultsConfig `yaml:"defaults" json:"defaults"`

	// Naming holds the name templates.
	Naming NamingConfig `yaml:"naming" json:"naming"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Journal JournalConfig `yaml:"journal" json:"journal"`
	Policy  PolicyConfig  `yaml:"policy" json:"policy"`
}

// ArrayConfig configures the array client. The password is read from the
// environment variable named by PasswordEnv.
type ArrayConfig struct {
	Endpoint           string        `yaml:"endpoint" json:"endpoint" validate:"required,url"`
	Username           string        `yaml:"username" json:"username" validate:"required"`
	PasswordEnv        string        `yaml:"password_env" json:"password_env" validate:"required"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
	Retries            int           `yaml:"retries" json:"retries" validate:"gte=0,lte=10"`
}

// VCenterConfig configures the vCenter session.
type VCenterConfig struct {
	Endpoint    string `yaml:"endpoint" json:"endpoint" validate:"required"`
	Username    string `yaml:"username" json:"username" validate:"required"`
	PasswordEnv string `yaml:"password_env" json:"password_env" validate:"required"`
	Insecure    bool   `yaml:"insecure" json:"insecure"`
}

// ClusterConfig holds the per-cluster settings.
type ClusterConfig struct {
	InitiatorGroupPattern string `yaml:"initiator_group_pattern" json:"initiator_group_pattern" validate:"required"`
	PerformancePolicy     string `yaml:"performance_policy" json:"performance_policy,omitempty"`
	DatastoreCluster      string `yaml:"datastore_cluster" json:"datastore_cluster,omitempty"`
}

// DefaultsConfig holds engine thresholds. Sizes are human-readable strings such as "500 GiB".
type DefaultsConfig struct {
	SnapshotMaxAge           time.Duration `yaml:"snapshot_max_age" json:"snapshot_max_age" validate:"gte=0"`
	LowSpacePercent          float64       `yaml:"low_space_percent" json:"low_space_percent" validate:"gte=0,lte=100"`
	EmptyLargeMin            string        `yaml:"empty_large_min" json:"empty_large_min"`
	ExpectedPathPolicy       string        `yaml:"expected_path_policy" json:"expected_path_policy"`
	ArrayVendor              string        `yaml:"array_vendor" json:"array_vendor"`
	VisibilityAttempts       int           `yaml:"visibility_attempts" json:"visibility_attempts" validate:"gte=0"`
	VisibilityInterval       time.Duration `yaml:"visibility_interval" json:"visibility_interval" validate:"gte=0"`
	CapacityTolerancePercent float64       `yaml:"capacity_tolerance_percent" json:"capacity_tolerance_percent" validate:"gte=0,lte=100"`
	CapacityToleranceFloor   string        `yaml:"capacity_tolerance_floor" json:"capacity_tolerance_floor"`
}

// NamingConfig holds name templates with {volume}, {source}, {cluster} and {date} placeholders.
type NamingConfig struct {
	Datastore string `yaml:"datastore" json:"datastore"`
	Clone     string `yaml:"clone" json:"clone"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error"`
	Format     string `yaml:"format" json:"format" validate:"oneof=console json"`
	Output     string `yaml:"output" json:"output" validate:"required"`
	TimeFormat string `yaml:"time_format" json:"time_format"`
}

// MetricsConfig configures metrics. With TextfilePath set, metrics are written
// there after every run for the node exporter textfile collector.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	TextfilePath  string `yaml:"textfile_path" json:"textfile_path"`
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
	Namespace     string `yaml:"namespace" json:"namespace" validate:"required"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter" validate:"oneof=stdout otlp none"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// JournalConfig configures the run journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Paths lists .rego or .json policy files and directories.
	Paths []string `yaml:"paths" json:"paths"`

	// Disabled lists policy names to switch off.
	Disabled []string `yaml:"disabled" json:"disabled"`

	// MaxNameLength overrides the datastore name limit.
	MaxNameLength int `yaml:"max_name_length" json:"max_name_length" validate:"gte=0"`

	// MaxSize overrides the volume size limit, for example "64 TiB".
	MaxSize string `yaml:"max_size" json:"max_size"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	// Field is the dotted path of the offending setting.
	Field string `json:"field"`

	// Message describes the validation error.
	Message string `json:"message"`
}

func (v ValidationError) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}
