package nimble

import (
	"strings"
	"time"

	"github.com/openfroyo/dsctl/pkg/engine"
)

const mib = 1 << 20

// volume is the wire form of /v1/volumes objects.
type volume struct {
	ID             string `json:"id,omitempty"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	PerfPolicyID   string `json:"perfpolicy_id,omitempty"`
	PerfPolicyName string `json:"perfpolicy_name,omitempty"`
	Online         bool   `json:"online"`
	SerialNumber   string `json:"serial_number,omitempty"`
	ParentVolName  string `json:"parent_vol_name,omitempty"`
	BaseSnapID     string `json:"base_snap_id,omitempty"`
	Clone          bool   `json:"clone,omitempty"`
}

type initiatorGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type accessRecord struct {
	ID                 string `json:"id,omitempty"`
	VolID              string `json:"vol_id,omitempty"`
	VolName            string `json:"vol_name,omitempty"`
	InitiatorGroupID   string `json:"initiator_group_id,omitempty"`
	InitiatorGroupName string `json:"initiator_group_name,omitempty"`
	ApplyTo            string `json:"apply_to,omitempty"`
}

type snapshot struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	VolID        string `json:"vol_id,omitempty"`
	VolName      string `json:"vol_name,omitempty"`
	CreationTime int64  `json:"creation_time,omitempty"`
}

type performancePolicy struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// toMiB rounds bytes up to whole MiB.
func toMiB(b int64) int64 {
	return (b + mib - 1) / mib
}

// deviceID is the canonical name hosts use for a volume's LUN.
func deviceID(serial string) string {
	if serial == "" {
		return ""
	}
	return "eui." + strings.ToLower(serial)
}

func (v volume) toEngine() engine.VolumeSpec {
	return engine.VolumeSpec{
		ID:                v.ID,
		Name:              v.Name,
		SizeBytes:         v.Size * mib,
		PerformancePolicy: v.PerfPolicyName,
		SourceVolume:      v.ParentVolName,
		DeviceID:          deviceID(v.SerialNumber),
		Online:            v.Online,
	}
}

func (r accessRecord) toEngine() engine.AccessRecord {
	mode := engine.AccessMode(r.ApplyTo)
	if mode == "" || mode == "pe" {
		mode = engine.AccessModeVolume
	}
	return engine.AccessRecord{
		ID:             r.ID,
		VolumeName:     r.VolName,
		InitiatorGroup: r.InitiatorGroupName,
		Mode:           mode,
	}
}

func (s snapshot) toEngine() engine.Snapshot {
	return engine.Snapshot{
		ID:         s.ID,
		Name:       s.Name,
		VolumeName: s.VolName,
		CreatedAt:  time.Unix(s.CreationTime, 0).UTC(),
	}
}
