// Package sim provides an in-memory block array and hypervisor cluster.
//
// An Environment implements both engine.StorageBackend and engine.HypervisorBackend
// over shared state, so a host sees a volume only after the volume is granted to the
// host's initiator group and the host has rescanned. Every call is recorded and any
// method can be made to fail.
package sim

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// Vendor is the SCSI vendor string simulated LUNs report.
const Vendor = "Nimble"

// Call is one recorded backend invocation.
type Call struct {
	Method string
	Args   []string
	DryRun bool
}

// String renders the call as Method(arg, arg).
func (c Call) String() string {
	s := c.Method + "("
	for i, a := range c.Args {
		if i > 0 {
			s += ", "
		}
		s += a
	}
	s += ")"
	if c.DryRun {
		s += " [dry-run]"
	}
	return s
}

var mutating = map[string]bool{
	"CreateVolume":          true,
	"CloneVolume":           true,
	"GrowVolume":            true,
	"DeleteVolume":          true,
	"GrantAccess":           true,
	"RevokeAccess":          true,
	"RescanHost":            true,
	"FormatVMFS":            true,
	"ResignatureVMFS":       true,
	"GrowVMFS":              true,
	"UnmountVMFS":           true,
	"AddToDatastoreCluster": true,
}

// IsMutating reports whether the method changes simulated state.
func IsMutating(method string) bool {
	return mutating[method]
}

type host struct {
	name    string
	cluster string
	group   string
	// visible maps a device to the capacity the host saw at its last rescan.
	visible map[string]int64
	// pending maps a device to the number of LUN queries left before it appears.
	pending map[string]int
	policy  map[string]string
}

type datastore struct {
	view      engine.DatastoreView
	unmounted map[string]bool
}

// Environment is a simulated array plus cluster inventory.
type Environment struct {
	mu sync.Mutex

	volumes   map[string]*engine.VolumeSpec
	groups    []engine.InitiatorGroup
	records   map[string]engine.AccessRecord
	snapshots []engine.Snapshot
	policies  map[string]bool

	clusters   map[string][]string
	hosts      map[string]*host
	datastores map[string]*datastore
	pods       map[string][]string
	// unresolved maps a cloned device to the VMFS signature copied onto it.
	unresolved map[string]string

	calls     []Call
	faults    map[string]error
	seq       int
	lag       int
	shortfall int64

	// ResignatureNeedsForce makes ResignatureVMFS fail unless force is set.
	ResignatureNeedsForce bool

	// IgnoreUnmount makes UnmountVMFS report success while the datastore stays mounted.
	IgnoreUnmount bool

	now func() time.Time
}

// New creates an empty environment.
func New() *Environment {
	return &Environment{
		volumes:    map[string]*engine.VolumeSpec{},
		records:    map[string]engine.AccessRecord{},
		policies:   map[string]bool{"default": true},
		clusters:   map[string][]string{},
		hosts:      map[string]*host{},
		datastores: map[string]*datastore{},
		pods:       map[string][]string{},
		unresolved: map[string]string{},
		faults:     map[string]error{},
		now:        time.Now,
	}
}

// SetClock overrides the time source used for snapshots.
func (e *Environment) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// AddCluster adds a cluster whose hosts share one initiator group.
// The group is created on the array if it does not exist.
func (e *Environment) AddCluster(name, group string, hosts ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.addGroupLocked(group)
	for _, h := range hosts {
		e.hosts[h] = &host{
			name:    h,
			cluster: name,
			group:   group,
			visible: map[string]int64{},
			pending: map[string]int{},
			policy:  map[string]string{},
		}
		e.clusters[name] = append(e.clusters[name], h)
	}
	sort.Strings(e.clusters[name])
}

// AddInitiatorGroup adds a group with no hosts.
func (e *Environment) AddInitiatorGroup(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addGroupLocked(name)
}

func (e *Environment) addGroupLocked(name string) {
	for _, g := range e.groups {
		if g.Name == name {
			return
		}
	}
	e.seq++
	e.groups = append(e.groups, engine.InitiatorGroup{ID: fmt.Sprintf("ig-%04d", e.seq), Name: name})
}

// AddPerformancePolicy registers a performance policy name.
func (e *Environment) AddPerformancePolicy(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[name] = true
}

// SetVisibilityLag makes newly granted devices appear only after n LUN queries per host.
func (e *Environment) SetVisibilityLag(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lag = n
}

// SetVMFSShortfall makes every format, resignature and grow leave n bytes of the
// device unused, so the datastore comes out smaller than its volume.
func (e *Environment) SetVMFSShortfall(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shortfall = n
}

// Fail makes method fail with err. A key of the form "Method:arg" fails only calls
// whose first argument is arg. A nil err clears the fault.
func (e *Environment) Fail(key string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.faults, key)
		return
	}
	e.faults[key] = err
}

// Calls returns every recorded call in order.
func (e *Environment) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// MutatingCalls returns the recorded calls that changed state.
func (e *Environment) MutatingCalls() []Call {
	var out []Call
	for _, c := range e.Calls() {
		if IsMutating(c.Method) && !c.DryRun {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (e *Environment) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

// record logs a call and returns the injected fault for it, if any. Callers hold mu.
func (e *Environment) record(method string, dryRun bool, args ...string) error {
	e.calls = append(e.calls, Call{Method: method, Args: args, DryRun: dryRun})
	if len(args) > 0 {
		if err, ok := e.faults[method+":"+args[0]]; ok {
			return err
		}
	}
	return e.faults[method]
}

func (e *Environment) nextSerial() string {
	e.seq++
	return fmt.Sprintf("%016x%016x", 0x6c9ce0d0, e.seq)
}

// devicesForGroupLocked returns every device exposed to an initiator group.
func (e *Environment) devicesForGroupLocked(group string) map[string]int64 {
	out := map[string]int64{}
	for _, rec := range e.records {
		if rec.InitiatorGroup != group || rec.Mode == engine.AccessModeSnapshot {
			continue
		}
		if v, ok := e.volumes[rec.VolumeName]; ok && v.Online {
			out[v.DeviceID] = v.SizeBytes
		}
	}
	return out
}

// roundMiB rounds a capacity up to whole MiB, the array's allocation unit.
func roundMiB(n int64) int64 {
	const mib = 1 << 20
	return (n + mib - 1) / mib * mib
}

// vmfsCapacity is the usable capacity of a VMFS filesystem on a device of the given size.
func vmfsCapacity(deviceBytes int64) int64 {
	return deviceBytes - deviceBytes/1000
}
