package engine

import (
	"fmt"
	"strings"
	"time"
)

// ClusterSettings holds the per-cluster knobs the engine needs.
type ClusterSettings struct {
	// InitiatorGroupPattern is a regular expression that must match exactly one initiator group.
	InitiatorGroupPattern string `json:"initiator_group_pattern"`

	// PerformancePolicy is the default performance policy for new volumes.
	PerformancePolicy string `json:"performance_policy,omitempty"`

	// DatastoreCluster is the default Storage DRS pod for new datastores.
	DatastoreCluster string `json:"datastore_cluster,omitempty"`
}

// Settings is the explicit configuration passed to the engine.
type Settings struct {
	// Clusters maps cluster name to its settings.
	Clusters map[string]ClusterSettings `json:"clusters"`

	// VisibilityAttempts bounds the LUN visibility poll.
	VisibilityAttempts int `json:"visibility_attempts"`

	// VisibilityInterval is the base delay of the poll; attempt n waits n times this.
	VisibilityInterval time.Duration `json:"visibility_interval"`

	// CapacityTolerancePercent is the allowed relative capacity mismatch.
	CapacityTolerancePercent float64 `json:"capacity_tolerance_percent"`

	// CapacityToleranceFloorBytes is the minimum allowed absolute mismatch.
	CapacityToleranceFloorBytes int64 `json:"capacity_tolerance_floor_bytes"`

	// ExpectedPathPolicy is the multipath policy array LUNs must use.
	ExpectedPathPolicy string `json:"expected_path_policy"`

	// ArrayVendor is the SCSI vendor string identifying the array's LUNs.
	ArrayVendor string `json:"array_vendor"`

	// SnapshotMaxAge is the audit threshold for snapshots.
	SnapshotMaxAge time.Duration `json:"snapshot_max_age"`

	// LowSpacePercent is the audit free-space threshold.
	LowSpacePercent float64 `json:"low_space_percent"`

	// EmptyLargeMinBytes is the capacity above which an empty datastore is reported.
	EmptyLargeMinBytes int64 `json:"empty_large_min_bytes"`

	// DatastoreNameTemplate names the datastore bound to a volume.
	DatastoreNameTemplate string `json:"datastore_name_template"`

	// CloneNameTemplate names a clone when the request omits the target volume.
	CloneNameTemplate string `json:"clone_name_template"`
}

// Default values for Settings.
const (
	DefaultVisibilityAttempts          = 10
	DefaultVisibilityInterval          = 5 * time.Second
	DefaultCapacityTolerancePercent    = 1.0
	DefaultCapacityToleranceFloorBytes = 64 << 20
	DefaultExpectedPathPolicy          = "VMW_PSP_RR"
	DefaultArrayVendor                 = "Nimble"
	DefaultSnapshotMaxAge              = 7 * 24 * time.Hour
	DefaultLowSpacePercent             = 10.0
	DefaultEmptyLargeMinBytes          = 500 << 30
	DefaultDatastoreNameTemplate       = "{volume}"
	DefaultCloneNameTemplate           = "{source}-clone-{date}"
)

// DefaultSettings returns settings with every default applied and no clusters.
func DefaultSettings() Settings {
	return Settings{
		Clusters:                    map[string]ClusterSettings{},
		VisibilityAttempts:          DefaultVisibilityAttempts,
		VisibilityInterval:          DefaultVisibilityInterval,
		CapacityTolerancePercent:    DefaultCapacityTolerancePercent,
		CapacityToleranceFloorBytes: DefaultCapacityToleranceFloorBytes,
		ExpectedPathPolicy:          DefaultExpectedPathPolicy,
		ArrayVendor:                 DefaultArrayVendor,
		SnapshotMaxAge:              DefaultSnapshotMaxAge,
		LowSpacePercent:             DefaultLowSpacePercent,
		EmptyLargeMinBytes:          DefaultEmptyLargeMinBytes,
		DatastoreNameTemplate:       DefaultDatastoreNameTemplate,
		CloneNameTemplate:           DefaultCloneNameTemplate,
	}
}

// withDefaults fills zero values with defaults.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Clusters == nil {
		s.Clusters = d.Clusters
	}
	if s.VisibilityAttempts <= 0 {
		s.VisibilityAttempts = d.VisibilityAttempts
	}
	if s.VisibilityInterval < 0 {
		s.VisibilityInterval = d.VisibilityInterval
	}
	if s.CapacityTolerancePercent <= 0 {
		s.CapacityTolerancePercent = d.CapacityTolerancePercent
	}
	if s.CapacityToleranceFloorBytes <= 0 {
		s.CapacityToleranceFloorBytes = d.CapacityToleranceFloorBytes
	}
	if s.ExpectedPathPolicy == "" {
		s.ExpectedPathPolicy = d.ExpectedPathPolicy
	}
	if s.ArrayVendor == "" {
		s.ArrayVendor = d.ArrayVendor
	}
	if s.SnapshotMaxAge <= 0 {
		s.SnapshotMaxAge = d.SnapshotMaxAge
	}
	if s.LowSpacePercent <= 0 {
		s.LowSpacePercent = d.LowSpacePercent
	}
	if s.EmptyLargeMinBytes <= 0 {
		s.EmptyLargeMinBytes = d.EmptyLargeMinBytes
	}
	if s.DatastoreNameTemplate == "" {
		s.DatastoreNameTemplate = d.DatastoreNameTemplate
	}
	if s.CloneNameTemplate == "" {
		s.CloneNameTemplate = d.CloneNameTemplate
	}
	return s
}

// Cluster returns the settings of the named cluster.
func (s Settings) Cluster(name string) (ClusterSettings, error) {
	cs, ok := s.Clusters[name]
	if !ok {
		return ClusterSettings{}, NewConfigurationError(fmt.Sprintf("cluster %q is not configured", name), nil).
			WithResource(name)
	}
	if cs.InitiatorGroupPattern == "" {
		return ClusterSettings{}, NewConfigurationError(fmt.Sprintf("cluster %q has no initiator group pattern", name), nil).
			WithResource(name)
	}
	return cs, nil
}

// NameVars are the placeholders available to naming templates.
type NameVars struct {
	Volume  string
	Source  string
	Cluster string
	Date    time.Time
}

// ExpandName substitutes {volume}, {source}, {cluster} and {date} in a naming template.
// {date} renders as YYYYMMDD.
func ExpandName(template string, vars NameVars) string {
	date := ""
	if !vars.Date.IsZero() {
		date = vars.Date.Format("20060102")
	}
	r := strings.NewReplacer(
		"{volume}", vars.Volume,
		"{source}", vars.Source,
		"{cluster}", vars.Cluster,
		"{date}", date,
	)
	return r.Replace(template)
}

// DatastoreName returns the datastore name bound to a volume in a cluster.
func (s Settings) DatastoreName(volume, cluster string) string {
	return ExpandName(s.DatastoreNameTemplate, NameVars{Volume: volume, Cluster: cluster})
}

// CloneName returns the generated clone volume name.
func (s Settings) CloneName(source, cluster string, now time.Time) string {
	return ExpandName(s.CloneNameTemplate, NameVars{Source: source, Cluster: cluster, Date: now})
}
