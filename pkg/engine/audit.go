package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Auditor is the read-only drift reporter. Sub-check failures become
// audit-degraded findings and never abort the audit.
type Auditor struct {
	storage  StorageBackend
	hyper    HypervisorBackend
	settings Settings
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAuditor creates an auditor over the two backends.
func NewAuditor(storage StorageBackend, hyper HypervisorBackend, settings Settings, logger zerolog.Logger) *Auditor {
	return &Auditor{
		storage:  storage,
		hyper:    hyper,
		settings: settings.withDefaults(),
		logger:   logger.With().Str("component", "auditor").Logger(),
		now:      time.Now,
	}
}

// AuditOptions narrows an audit run.
type AuditOptions struct {
	// Cluster limits host and datastore checks to one cluster. Empty means every cluster.
	Cluster string

	// MaxSnapshotAge overrides the configured snapshot age threshold.
	MaxSnapshotAge time.Duration
}

// auditRun accumulates findings for one audit.
type auditRun struct {
	findings []Finding
}

func (a *auditRun) add(f Finding) {
	a.findings = append(a.findings, f)
}

func (a *auditRun) degraded(cluster, entity, check string, err error) {
	a.add(Finding{
		Category: CategoryAuditDegraded,
		Severity: SeverityWarning,
		Entity:   entity,
		Cluster:  cluster,
		Detail:   fmt.Sprintf("%s check could not run: %v", check, err),
	})
}

// Audit collects findings across the array and the selected clusters.
func (a *Auditor) Audit(ctx context.Context, opts AuditOptions) []Finding {
	run := &auditRun{}
	maxAge := a.settings.SnapshotMaxAge
	if opts.MaxSnapshotAge > 0 {
		maxAge = opts.MaxSnapshotAge
	}

	clusters := []string{opts.Cluster}
	if opts.Cluster == "" {
		names, err := a.hyper.ListClusters(ctx)
		if err != nil {
			run.degraded("", "inventory", "cluster listing", err)
			names = nil
		}
		clusters = names
	}
	sort.Strings(clusters)

	// Devices seen by any responding host, lowercased.
	visible := map[string]bool{}
	lunScanComplete := true

	for _, cluster := range clusters {
		hostsOK := a.auditHosts(ctx, run, cluster, visible)
		lunScanComplete = lunScanComplete && hostsOK
		a.auditDatastores(ctx, run, cluster)
	}

	a.auditVolumes(ctx, run, clusters, visible, lunScanComplete)
	a.auditSnapshots(ctx, run, maxAge)

	sort.SliceStable(run.findings, func(i, j int) bool {
		fi, fj := run.findings[i], run.findings[j]
		if fi.Category != fj.Category {
			return fi.Category < fj.Category
		}
		if fi.Cluster != fj.Cluster {
			return fi.Cluster < fj.Cluster
		}
		return fi.Entity < fj.Entity
	})

	a.logger.Debug().
		Strs("clusters", clusters).
		Int("findings", len(run.findings)).
		Msg("Audit complete")

	return run.findings
}

// auditHosts checks multipath policy of array LUNs and records every visible device.
// It returns false when a host could not be queried.
func (a *Auditor) auditHosts(ctx context.Context, run *auditRun, cluster string, visible map[string]bool) bool {
	hosts, err := a.hyper.ClusterHosts(ctx, cluster)
	if err != nil {
		run.degraded(cluster, cluster, "host listing", err)
		return false
	}

	complete := true
	for _, h := range hosts {
		luns, err := a.hyper.ListLuns(ctx, h.Name)
		if err != nil {
			run.degraded(cluster, h.Name, "LUN listing", err)
			complete = false
			continue
		}
		for _, lun := range luns {
			visible[strings.ToLower(lun.DeviceID)] = true
			if !strings.Contains(strings.ToLower(lun.Vendor), strings.ToLower(a.settings.ArrayVendor)) {
				continue
			}
			if lun.PathPolicy != a.settings.ExpectedPathPolicy {
				run.add(Finding{
					Category: CategoryMultipathMismatch,
					Severity: SeverityWarning,
					Entity:   h.Name + "/" + lun.DeviceID,
					Cluster:  cluster,
					Detail: fmt.Sprintf("path policy is %q, expected %q",
						lun.PathPolicy, a.settings.ExpectedPathPolicy),
				})
			}
		}
	}
	return complete
}

// auditDatastores reports low free space and large datastores with no VMs.
func (a *Auditor) auditDatastores(ctx context.Context, run *auditRun, cluster string) {
	datastores, err := a.hyper.ListDatastores(ctx, cluster)
	if err != nil {
		run.degraded(cluster, cluster, "datastore listing", err)
		return
	}

	for _, ds := range datastores {
		if ds.CapacityBytes <= 0 {
			continue
		}
		freePct := float64(ds.FreeBytes) * 100 / float64(ds.CapacityBytes)
		if freePct < a.settings.LowSpacePercent {
			sev := SeverityWarning
			if freePct < a.settings.LowSpacePercent/2 {
				sev = SeverityCritical
			}
			run.add(Finding{
				Category: CategoryLowSpace,
				Severity: sev,
				Entity:   ds.Name,
				Cluster:  cluster,
				Detail: fmt.Sprintf("%.1f%% free (%s of %s), threshold %.1f%%",
					freePct, FormatBytes(ds.FreeBytes), FormatBytes(ds.CapacityBytes), a.settings.LowSpacePercent),
			})
		}
		if len(ds.VirtualMachines) == 0 && ds.CapacityBytes >= a.settings.EmptyLargeMinBytes {
			run.add(Finding{
				Category: CategoryEmptyLarge,
				Severity: SeverityInfo,
				Entity:   ds.Name,
				Cluster:  cluster,
				Detail:   fmt.Sprintf("%s datastore has no registered virtual machines", FormatBytes(ds.CapacityBytes)),
			})
		}
	}
}

// auditVolumes reports volumes that no known cluster group can reach, or that are
// granted but seen by no host.
func (a *Auditor) auditVolumes(ctx context.Context, run *auditRun, clusters []string, visible map[string]bool, lunScanComplete bool) {
	volumes, err := a.storage.ListVolumes(ctx)
	if err != nil {
		run.degraded("", "array", "volume listing", err)
		return
	}
	records, err := a.storage.ListAccessRecords(ctx, "")
	if err != nil {
		run.degraded("", "array", "access record listing", err)
		return
	}
	groups, err := a.storage.ListInitiatorGroups(ctx)
	if err != nil {
		run.degraded("", "array", "initiator group listing", err)
		return
	}

	audited := map[string]bool{}
	for _, cluster := range clusters {
		audited[cluster] = true
	}
	candidates := append([]string(nil), clusters...)
	for name := range a.settings.Clusters {
		if !audited[name] {
			candidates = append(candidates, name)
		}
	}
	sort.Strings(candidates)

	// Every configured cluster counts as a known owner, audited or not.
	known := map[string]string{}
	for _, cluster := range candidates {
		g, err := a.clusterGroup(groups, cluster)
		if err != nil {
			if audited[cluster] {
				run.degraded(cluster, cluster, "initiator group resolution", err)
			} else {
				a.logger.Debug().Err(err).Str("cluster", cluster).Msg("Initiator group of unaudited cluster not resolved")
			}
			continue
		}
		known[g.Name] = cluster
	}

	byVolume := map[string][]AccessRecord{}
	for _, rec := range records {
		byVolume[rec.VolumeName] = append(byVolume[rec.VolumeName], rec)
	}

	for _, vol := range volumes {
		cluster := ""
		for _, rec := range byVolume[vol.Name] {
			if c, ok := known[rec.InitiatorGroup]; ok {
				cluster = c
				break
			}
		}
		if cluster == "" {
			run.add(Finding{
				Category: CategoryZombieVolume,
				Severity: SeverityWarning,
				Entity:   vol.Name,
				Detail:   fmt.Sprintf("%s volume has no access record to a known cluster group", FormatBytes(vol.SizeBytes)),
			})
			continue
		}
		// Only audited clusters had their LUNs scanned.
		if !audited[cluster] {
			continue
		}
		if lunScanComplete && vol.DeviceID != "" && !visible[strings.ToLower(vol.DeviceID)] {
			run.add(Finding{
				Category: CategoryZombieVolume,
				Severity: SeverityWarning,
				Entity:   vol.Name,
				Cluster:  cluster,
				Detail:   fmt.Sprintf("access granted but no host sees device %s", vol.DeviceID),
			})
		}
	}
}

func (a *Auditor) clusterGroup(groups []InitiatorGroup, cluster string) (*InitiatorGroup, error) {
	cs, err := a.settings.Cluster(cluster)
	if err != nil {
		return nil, err
	}
	return ResolveInitiatorGroup(groups, cs.InitiatorGroupPattern)
}

// auditSnapshots reports snapshots older than maxAge.
func (a *Auditor) auditSnapshots(ctx context.Context, run *auditRun, maxAge time.Duration) {
	snapshots, err := a.storage.ListSnapshots(ctx)
	if err != nil {
		run.degraded("", "array", "snapshot listing", err)
		return
	}
	now := a.now()
	for _, snap := range snapshots {
		age := now.Sub(snap.CreatedAt)
		if age <= maxAge {
			continue
		}
		run.add(Finding{
			Category: CategoryOrphanedSnapshot,
			Severity: SeverityInfo,
			Entity:   snap.VolumeName + "/" + snap.Name,
			Detail: fmt.Sprintf("snapshot is %d days old, threshold %d days",
				int(age.Hours()/24), int(maxAge.Hours()/24)),
		})
	}
}

// audit runs the auditor as an intent.
func (e *Executor) audit(ctx context.Context, r *run) error {
	actx, span := r.stage(ctx, StageAuditing)
	r.transition(ctx, StageAuditing, SeverityLevelInfo, "Audit started", "cluster", r.req.Cluster)
	findings := e.auditor.Audit(actx, AuditOptions{
		Cluster:        r.req.Cluster,
		MaxSnapshotAge: r.req.MaxSnapshotAge,
	})
	span.End()

	r.result.Findings = findings
	for _, f := range findings {
		sev := SeverityLevelWarning
		if f.Severity == SeverityInfo {
			sev = SeverityLevelInfo
		}
		r.transition(ctx, StageAuditing, sev, f.Detail,
			"category", string(f.Category), "entity", f.Entity, "cluster", f.Cluster)
	}

	if len(findings) > 0 {
		r.result.Outcome = OutcomeFindingsPresent
		r.done(ctx, fmt.Sprintf("Audit found %d issues", len(findings)))
		return nil
	}
	r.done(ctx, "Audit found no drift")
	return nil
}
