package coordinator

import (
	"fmt"

	"github.com/google/uuid"
)

// ExternalActionError reports that the off-system effect failed, was
// rejected or cancelled by the user, or exceeded the coordinator's
// deadline. The pending record has been (best-effort) marked failed.
type ExternalActionError struct {
	Kind         string // "swap" | "deposit"
	RecordID     uuid.UUID
	UserRejected bool
	Timeout      bool
	Err          error
}

func (e *ExternalActionError) Error() string {
	switch {
	case e.UserRejected:
		return fmt.Sprintf("coordinator: %s %s: rejected by user", e.Kind, e.RecordID)
	case e.Timeout:
		return fmt.Sprintf("coordinator: %s %s: external action timed out: %v", e.Kind, e.RecordID, e.Err)
	default:
		return fmt.Sprintf("coordinator: %s %s: external action failed: %v", e.Kind, e.RecordID, e.Err)
	}
}

func (e *ExternalActionError) Unwrap() error { return e.Err }

// ReconciliationError reports the one outcome that must never be
// swallowed: the external effect succeeded — it is irreversible — but
// the finalize write against the remote store failed, leaving the
// record pending despite a real-world effect. Callers must reconcile
// using Reference.
type ReconciliationError struct {
	Kind      string
	RecordID  uuid.UUID
	Reference string // external transaction reference that DID succeed
	Err       error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf(
		"coordinator: %s %s: external effect %s succeeded but finalize failed, manual reconciliation required: %v",
		e.Kind, e.RecordID, e.Reference, e.Err,
	)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
