package engine

import (
	"fmt"
	"regexp"
)

// Array object ids are 42 hex characters; vCenter and SCSI ids are GUID-shaped.
var objectIDPattern = regexp.MustCompile(`^(?i:[0-9a-f]{42}|[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)

// LooksLikeObjectID returns true if s is shaped like an array or inventory object id
// rather than a name.
func LooksLikeObjectID(s string) bool {
	return objectIDPattern.MatchString(s)
}

// validateRequest checks the parameters each intent needs. It never calls a backend.
func (e *Executor) validateRequest(req *Request) error {
	switch req.Intent {
	case IntentProvision, IntentClone, IntentExpand, IntentRetire, IntentAudit:
	default:
		return NewValidationError(fmt.Sprintf("unknown intent %q", req.Intent), nil)
	}

	missing := func(flag string) error {
		return NewValidationError(fmt.Sprintf("%s requires %s", req.Intent, flag), nil).
			WithDetail("parameter", flag)
	}

	if req.Intent != IntentAudit && req.Cluster == "" {
		return missing("a cluster")
	}

	switch req.Intent {
	case IntentProvision:
		if req.Volume == "" {
			return missing("a volume name")
		}
		if req.SizeBytes <= 0 {
			return missing("a positive size")
		}
	case IntentClone:
		if req.SourceVolume == "" {
			return missing("a source volume")
		}
		if req.Volume == req.SourceVolume {
			return NewValidationError("clone target must differ from its source", nil).WithResource(req.Volume)
		}
	case IntentExpand:
		if req.Volume == "" && req.Datastore == "" {
			return missing("a volume or datastore name")
		}
		if req.SizeBytes <= 0 {
			return missing("a positive size")
		}
	case IntentRetire:
		if req.Volume == "" && req.Datastore == "" {
			return missing("a volume or datastore name")
		}
	}

	for _, name := range []string{req.Volume, req.SourceVolume, req.Datastore} {
		if name != "" && LooksLikeObjectID(name) {
			return NewConfigurationError(fmt.Sprintf("%q looks like an object id, expected a name", name), nil).
				WithCode(ErrCodeObjectID).
				WithResource(name)
		}
	}

	if req.MaxSnapshotAge < 0 {
		return NewValidationError("snapshot age must not be negative", nil)
	}
	return nil
}
