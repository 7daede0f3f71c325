package engine

import (
	"encoding/json"
	"fmt"
)

// Stage is a named point in an intent's state machine.
type Stage string

const (
	// StageRequested is the initial stage of every intent.
	StageRequested Stage = "Requested"

	// StageVolumeCreated indicates the array volume exists.
	StageVolumeCreated Stage = "VolumeCreated"

	// StageAccessGranted indicates the cluster initiator group has access.
	StageAccessGranted Stage = "AccessGranted"

	// StageHostsRescanned indicates every host rescanned its storage adapters.
	StageHostsRescanned Stage = "HostsRescanned"

	// StageLunVisible indicates every host sees the LUN.
	StageLunVisible Stage = "LunVisible"

	// StageDatastoreFormatted indicates the datastore is formatted, mounted and verified.
	StageDatastoreFormatted Stage = "DatastoreFormatted"

	// StageDRSJoined indicates the datastore joined its Storage DRS cluster.
	StageDRSJoined Stage = "DRSJoined"

	// StageSourceVerified indicates the clone source probed Consistent.
	StageSourceVerified Stage = "SourceVerified"

	// StageVolumeCloned indicates the array clone exists.
	StageVolumeCloned Stage = "VolumeCloned"

	// StageDatastoreResignatured indicates the cloned datastore carries a new signature.
	StageDatastoreResignatured Stage = "DatastoreResignatured"

	// StageVolumeGrown indicates the array volume has the new capacity.
	StageVolumeGrown Stage = "VolumeGrown"

	// StageLunGrown indicates every host reports the new LUN capacity.
	StageLunGrown Stage = "LunGrown"

	// StageDatastoreGrown indicates the VMFS extent was grown and verified.
	StageDatastoreGrown Stage = "DatastoreGrown"

	// StageEmptinessVerified indicates the datastore has no registered VMs, or Force was set.
	StageEmptinessVerified Stage = "EmptinessVerified"

	// StageUnmounted indicates no host mounts the datastore.
	StageUnmounted Stage = "Unmounted"

	// StageAccessRevoked indicates every access record of the volume is gone.
	StageAccessRevoked Stage = "AccessRevoked"

	// StageVolumeDeleted indicates the array volume is gone.
	StageVolumeDeleted Stage = "VolumeDeleted"

	// StageAuditing indicates the auditor is collecting findings.
	StageAuditing Stage = "Auditing"

	// StageDone is the terminal success stage.
	StageDone Stage = "Done"

	// StageFailed is the terminal failure stage.
	StageFailed Stage = "Failed"
)

// IsTerminal returns true if the stage ends the state machine.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// Outcome is the terminal classification of an execution.
type Outcome string

const (
	// OutcomeSucceeded indicates the intent was realized.
	OutcomeSucceeded Outcome = "Succeeded"

	// OutcomeAlreadySatisfied indicates the desired state held before any mutation.
	OutcomeAlreadySatisfied Outcome = "AlreadySatisfied"

	// OutcomePreviewed indicates a dry run completed.
	OutcomePreviewed Outcome = "Previewed"

	// OutcomeFailed indicates an error after execution began.
	OutcomeFailed Outcome = "Failed"

	// OutcomeRejected indicates the request was refused before any mutation.
	OutcomeRejected Outcome = "Rejected"

	// OutcomeFindingsPresent indicates the audit reported at least one finding.
	OutcomeFindingsPresent Outcome = "FindingsPresent"
)

// ExitCode returns the process exit status for the outcome.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSucceeded, OutcomeAlreadySatisfied, OutcomePreviewed:
		return 0
	default:
		return 1
	}
}

// IsSuccess returns true if the outcome maps to exit status zero.
func (o Outcome) IsSuccess() bool {
	return o.ExitCode() == 0
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSucceeded, OutcomeAlreadySatisfied, OutcomePreviewed,
		OutcomeFailed, OutcomeRejected, OutcomeFindingsPresent:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = Outcome(str)
	return o.Validate()
}

// Severity tags a transition log line.
type Severity string

const (
	SeverityLevelInfo    Severity = "INFO"
	SeverityLevelWarning Severity = "WARNING"
	SeverityLevelError   Severity = "ERROR"
	SeverityLevelSuccess Severity = "SUCCESS"
)

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityLevelInfo, SeverityLevelWarning, SeverityLevelError, SeverityLevelSuccess:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}
