package engine

import (
	"github.com/dustin/go-humanize"
)

// CapacityTolerance returns the allowed mismatch between a volume and its datastore.
// VMFS reserves metadata space, so a freshly formatted datastore is slightly smaller
// than its device.
func (s Settings) CapacityTolerance(sizeBytes int64) int64 {
	tol := int64(float64(sizeBytes) * s.CapacityTolerancePercent / 100)
	if tol < s.CapacityToleranceFloorBytes {
		tol = s.CapacityToleranceFloorBytes
	}
	return tol
}

// CapacityMatches returns true if actual is within tolerance of expected.
func (s Settings) CapacityMatches(expected, actual int64) bool {
	diff := expected - actual
	if diff < 0 {
		diff = -diff
	}
	return diff <= s.CapacityTolerance(expected)
}

// FormatBytes renders a capacity for logs and messages.
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// GiB converts gibibytes to bytes.
func GiB(n int64) int64 {
	return n << 30
}
