package engine

import (
	"sort"
	"strings"
	"time"
)

// Intent is one of the operator-facing outcomes the engine knows how to realize.
type Intent string

const (
	// IntentProvision creates a volume, grants the cluster access and formats a datastore.
	IntentProvision Intent = "Provision"

	// IntentClone clones an existing volume and resignatures the copy into a new datastore.
	IntentClone Intent = "Clone"

	// IntentExpand grows a volume and its datastore online.
	IntentExpand Intent = "Expand"

	// IntentAudit reports drift across volumes, snapshots, LUNs and datastores.
	IntentAudit Intent = "Audit"

	// IntentRetire unmounts, unmaps and deletes a datastore and its volume.
	IntentRetire Intent = "Retire"
)

// IsMutating returns true if the intent changes array or hypervisor state.
func (i Intent) IsMutating() bool {
	return i == IntentProvision || i == IntentClone || i == IntentExpand || i == IntentRetire
}

// IsDestructive returns true if the intent cannot be undone.
func (i Intent) IsDestructive() bool {
	return i == IntentRetire
}

// ParseIntent converts a case-insensitive intent name into an Intent.
func ParseIntent(s string) (Intent, error) {
	for _, i := range []Intent{IntentProvision, IntentClone, IntentExpand, IntentAudit, IntentRetire} {
		if strings.EqualFold(string(i), s) {
			return i, nil
		}
	}
	return "", NewValidationError("unknown intent", nil).WithCode(ErrCodeValidation).WithDetail("intent", s)
}

// VolumeSpec describes a volume as the array reports it.
type VolumeSpec struct {
	// ID is the array object identifier.
	ID string `json:"id,omitempty"`

	// Name is the volume name, unique on the array.
	Name string `json:"name"`

	// SizeBytes is the provisioned capacity.
	SizeBytes int64 `json:"size_bytes"`

	// PerformancePolicy is the array performance policy tag.
	PerformancePolicy string `json:"performance_policy,omitempty"`

	// SourceVolume is the parent volume name for clones, empty otherwise.
	SourceVolume string `json:"source_volume,omitempty"`

	// DeviceID is the canonical device name hosts see for this volume.
	DeviceID string `json:"device_id,omitempty"`

	// Online reports whether the volume is online on the array.
	Online bool `json:"online"`
}

// InitiatorGroup is the array-side access-control object for a cluster's host initiators.
type InitiatorGroup struct {
	// ID is the array object identifier.
	ID string `json:"id,omitempty"`

	// Name is the group name matched against the cluster's configured pattern.
	Name string `json:"name"`
}

// AccessMode controls what an access record exposes.
type AccessMode string

const (
	// AccessModeVolume exposes the volume only.
	AccessModeVolume AccessMode = "volume"

	// AccessModeSnapshot exposes snapshots only.
	AccessModeSnapshot AccessMode = "snapshot"

	// AccessModeBoth exposes the volume and its snapshots.
	AccessModeBoth AccessMode = "both"
)

// AccessRecord binds a volume to an initiator group.
type AccessRecord struct {
	// ID is the array object identifier.
	ID string `json:"id,omitempty"`

	// VolumeName is the volume the record exposes.
	VolumeName string `json:"volume_name"`

	// InitiatorGroup is the group name the volume is exposed to.
	InitiatorGroup string `json:"initiator_group"`

	// Mode is the access mode.
	Mode AccessMode `json:"mode"`
}

// Snapshot is an array-side point-in-time copy of a volume.
type Snapshot struct {
	// ID is the array object identifier.
	ID string `json:"id,omitempty"`

	// Name is the snapshot name, unique per volume.
	Name string `json:"name"`

	// VolumeName is the volume the snapshot was taken from.
	VolumeName string `json:"volume_name"`

	// CreatedAt is when the array took the snapshot.
	CreatedAt time.Time `json:"created_at"`
}

// Host is a hypervisor host that belongs to a cluster.
type Host struct {
	// Name is the host's inventory name.
	Name string `json:"name"`

	// Cluster is the cluster the host belongs to.
	Cluster string `json:"cluster"`
}

// LunView is one host's observation of a device. It is never cached.
type LunView struct {
	// Host is the observing host.
	Host string `json:"host"`

	// DeviceID is the canonical device name (for example eui.<serial>).
	DeviceID string `json:"device_id"`

	// Vendor is the SCSI vendor string reported by the device.
	Vendor string `json:"vendor,omitempty"`

	// CapacityBytes is the capacity as seen by the host.
	CapacityBytes int64 `json:"capacity_bytes"`

	// PathPolicy is the multipath path selection policy (for example VMW_PSP_RR).
	PathPolicy string `json:"path_policy,omitempty"`
}

// DatastoreView is the hypervisor-side object formatted onto a volume.
type DatastoreView struct {
	// Name is the datastore name.
	Name string `json:"name"`

	// UUID is the VMFS signature.
	UUID string `json:"uuid,omitempty"`

	// CapacityBytes is the filesystem capacity.
	CapacityBytes int64 `json:"capacity_bytes"`

	// FreeBytes is the unused filesystem capacity.
	FreeBytes int64 `json:"free_bytes"`

	// Mounts maps host name to mount state.
	Mounts map[string]bool `json:"mounts,omitempty"`

	// VirtualMachines lists the VMs registered on the datastore.
	VirtualMachines []string `json:"virtual_machines,omitempty"`

	// BackingDevices lists the canonical names of the extents.
	BackingDevices []string `json:"backing_devices,omitempty"`
}

// MountedHosts returns the hosts that currently have the datastore mounted.
func (d *DatastoreView) MountedHosts() []string {
	if d == nil {
		return nil
	}
	var hosts []string
	for host, mounted := range d.Mounts {
		if mounted {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// BackedBy returns true if one of the datastore extents is the given device.
func (d *DatastoreView) BackedBy(deviceID string) bool {
	if d == nil || deviceID == "" {
		return false
	}
	for _, dev := range d.BackingDevices {
		if strings.EqualFold(dev, deviceID) {
			return true
		}
	}
	return false
}

// Verdict is the consistency classification computed by the StateProbe.
type Verdict string

const (
	// VerdictAbsent means neither the array nor any host knows the resource.
	VerdictAbsent Verdict = "Absent"

	// VerdictConsistent means the volume exists, every host sees it and the datastore is bound and mounted.
	VerdictConsistent Verdict = "Consistent"

	// VerdictPartiallyVisible means some but not all expected hosts see the LUN or mount the datastore.
	VerdictPartiallyVisible Verdict = "PartiallyVisible"

	// VerdictOrphanedOnArray means the volume exists but no host sees it.
	VerdictOrphanedOnArray Verdict = "OrphanedOnArray"

	// VerdictOrphanedOnHosts means hosts see a LUN or datastore with no matching array volume.
	VerdictOrphanedOnHosts Verdict = "OrphanedOnHosts"

	// VerdictUnformatted means every host sees the LUN but no datastore is bound to it.
	VerdictUnformatted Verdict = "Unformatted"
)

// ReconciledState is the StateProbe's view of a volume across the array and every cluster host.
type ReconciledState struct {
	// Cluster is the probed cluster.
	Cluster string `json:"cluster"`

	// VolumeName is the probed volume name.
	VolumeName string `json:"volume_name"`

	// DatastoreName is the datastore name bound to the volume.
	DatastoreName string `json:"datastore_name"`

	// Volume is the array view, nil when the array has no such volume.
	Volume *VolumeSpec `json:"volume,omitempty"`

	// Hosts lists every host of the cluster.
	Hosts []string `json:"hosts"`

	// Luns holds one view per host that sees the device.
	Luns []LunView `json:"luns,omitempty"`

	// MissingHosts lists cluster hosts that do not see the device.
	MissingHosts []string `json:"missing_hosts,omitempty"`

	// Datastore is the hypervisor view, nil when no datastore is bound.
	Datastore *DatastoreView `json:"datastore,omitempty"`

	// BoundElsewhere lists datastores on the volume's device that carry another name.
	BoundElsewhere []string `json:"bound_elsewhere,omitempty"`

	// HostErrors records per-host query failures.
	HostErrors map[string]string `json:"host_errors,omitempty"`

	// Verdict is the derived consistency classification.
	Verdict Verdict `json:"verdict"`

	// ProbedAt is when the probe ran.
	ProbedAt time.Time `json:"probed_at"`
}

// VolumeExists returns true if the array reports the volume.
func (s *ReconciledState) VolumeExists() bool {
	return s != nil && s.Volume != nil
}

// DatastoreBound returns true if a datastore is bound to the volume.
func (s *ReconciledState) DatastoreBound() bool {
	return s != nil && s.Datastore != nil
}

// LunOn returns the LUN view for the given host, or nil.
func (s *ReconciledState) LunOn(host string) *LunView {
	if s == nil {
		return nil
	}
	for i := range s.Luns {
		if s.Luns[i].Host == host {
			return &s.Luns[i]
		}
	}
	return nil
}

// VisibleOnAllHosts returns true if every cluster host sees the device.
func (s *ReconciledState) VisibleOnAllHosts() bool {
	return s != nil && len(s.Hosts) > 0 && len(s.MissingHosts) == 0 && len(s.Luns) == len(s.Hosts)
}

// FindingCategory classifies an audit finding.
type FindingCategory string

const (
	// CategoryMultipathMismatch flags an array LUN whose path policy is not the expected one.
	CategoryMultipathMismatch FindingCategory = "multipath-mismatch"

	// CategoryZombieVolume flags a volume with no access grant or host visibility.
	CategoryZombieVolume FindingCategory = "zombie-volume"

	// CategoryOrphanedSnapshot flags a snapshot older than the configured age.
	CategoryOrphanedSnapshot FindingCategory = "orphaned-snapshot"

	// CategoryLowSpace flags a datastore below the free-space threshold.
	CategoryLowSpace FindingCategory = "low-space-datastore"

	// CategoryEmptyLarge flags a large datastore with no registered VMs.
	CategoryEmptyLarge FindingCategory = "empty-large-datastore"

	// CategoryAuditDegraded flags a sub-check that could not run.
	CategoryAuditDegraded FindingCategory = "audit-degraded"
)

// FindingSeverity ranks a finding.
type FindingSeverity string

const (
	// SeverityInfo is informational and does not require action.
	SeverityInfo FindingSeverity = "info"

	// SeverityWarning should be reviewed by an operator.
	SeverityWarning FindingSeverity = "warning"

	// SeverityCritical needs prompt action to avoid an outage or data loss.
	SeverityCritical FindingSeverity = "critical"
)

// Finding is a single audit observation.
type Finding struct {
	// Category classifies the finding.
	Category FindingCategory `json:"category"`

	// Severity ranks the finding.
	Severity FindingSeverity `json:"severity"`

	// Entity is the affected object (volume, snapshot, host/device, datastore).
	Entity string `json:"entity"`

	// Cluster is the cluster the finding was observed in, if any.
	Cluster string `json:"cluster,omitempty"`

	// Detail is a human-readable explanation.
	Detail string `json:"detail"`
}

// Request carries an intent and its parameters.
type Request struct {
	// Intent is the requested outcome.
	Intent Intent `json:"intent"`

	// Cluster is the target hypervisor cluster. Optional for Audit.
	Cluster string `json:"cluster,omitempty"`

	// Volume is the target volume name.
	Volume string `json:"volume,omitempty"`

	// SourceVolume is the clone source.
	SourceVolume string `json:"source_volume,omitempty"`

	// Datastore is the target datastore name for Expand and Retire.
	Datastore string `json:"datastore,omitempty"`

	// SizeBytes is the requested capacity for Provision and the new capacity for Expand.
	SizeBytes int64 `json:"size_bytes,omitempty"`

	// PerformancePolicy overrides the cluster's default performance policy.
	PerformancePolicy string `json:"performance_policy,omitempty"`

	// DatastoreCluster is the Storage DRS pod to join after formatting.
	DatastoreCluster string `json:"datastore_cluster,omitempty"`

	// MaxSnapshotAge overrides the audit snapshot age threshold.
	MaxSnapshotAge time.Duration `json:"max_snapshot_age,omitempty"`

	// Force allows retiring a datastore with registered VMs.
	Force bool `json:"force,omitempty"`

	// ForceResignature bypasses the duplicate-signature prompt during Clone.
	ForceResignature bool `json:"force_resignature,omitempty"`

	// DryRun evaluates every mutating step without changing state.
	DryRun bool `json:"dry_run,omitempty"`

	// Confirmation is the destructive-operation token issued by a ConfirmationGate.
	Confirmation *Confirmation `json:"-"`
}

// Target returns the primary resource name the request operates on.
func (r *Request) Target() string {
	if r.Datastore != "" {
		return r.Datastore
	}
	return r.Volume
}

// PlannedChange is one mutating step evaluated in dry-run mode.
type PlannedChange struct {
	// Stage is the stage the step belongs to.
	Stage Stage `json:"stage"`

	// Action describes the backend operation.
	Action string `json:"action"`

	// Target is the object the operation acts on.
	Target string `json:"target"`

	// WouldChange is false when the step is already satisfied.
	WouldChange bool `json:"would_change"`
}

// Transition is one state-machine transition emitted during execution.
type Transition struct {
	RunID    string            `json:"run_id"`
	Intent   Intent            `json:"intent"`
	Stage    Stage             `json:"stage"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	At       time.Time         `json:"at"`
	Elapsed  time.Duration     `json:"elapsed"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Result is the report returned for every intent execution.
type Result struct {
	// RunID identifies this execution.
	RunID string `json:"run_id"`

	// Request is the executed request.
	Request Request `json:"request"`

	// Outcome is the terminal classification.
	Outcome Outcome `json:"outcome"`

	// Stage is the last stage reached.
	Stage Stage `json:"stage"`

	// State is the last ReconciledState observed.
	State *ReconciledState `json:"state,omitempty"`

	// Findings holds audit findings.
	Findings []Finding `json:"findings,omitempty"`

	// Warnings holds non-fatal problems (for example a failed Storage DRS join).
	Warnings []string `json:"warnings,omitempty"`

	// Plan holds the evaluated steps of a dry run.
	Plan []PlannedChange `json:"plan,omitempty"`

	// Trace holds every transition in emission order.
	Trace []Transition `json:"trace"`

	// Error is the failure message, empty on success.
	Error string `json:"error,omitempty"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`
}

// ExitCode maps the result to the process exit status.
func (r *Result) ExitCode() int {
	if r == nil {
		return 1
	}
	return r.Outcome.ExitCode()
}
