package core

import (
	"fmt"
)

// BulkDecision is the decision applied by a bulk approval action.
type BulkDecision string

const (
	BulkApprove BulkDecision = "approve"
	BulkDeny    BulkDecision = "deny"
)

// ParseBulkDecision validates a decision received from a caller.
func ParseBulkDecision(s string) (BulkDecision, error) {
	switch BulkDecision(s) {
	case BulkApprove, BulkDeny:
		return BulkDecision(s), nil
	}
	return "", fmt.Errorf("unknown bulk decision %q", s)
}

// BulkProgress is the observable progress of a bulk action.
type BulkProgress struct {
	Done         int          `json:"done"`
	Total        int          `json:"total"`
	Decision     BulkDecision `json:"decision"`
	Active       bool         `json:"active"`
	InFlight     string       `json:"in_flight,omitempty"`
	FailedCallID string       `json:"failed_call_id,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// ApprovalCoordinator sequences a bulk approve/deny over a fixed snapshot of
// call ids. It only tracks the sequence; the controller starts one approval
// session per popped id and reports back when that session ends.
type ApprovalCoordinator struct {
	decision BulkDecision
	reason   string
	pending  []string
	inFlight string
	done     int
	total    int
	active   bool
	failedID string
	failure  string
}

// NewApprovalCoordinator creates an idle coordinator.
func NewApprovalCoordinator() *ApprovalCoordinator {
	return &ApprovalCoordinator{}
}

// Begin snapshots callIDs in the given order and starts a bulk action.
func (c *ApprovalCoordinator) Begin(decision BulkDecision, reason string, callIDs []string) error {
	if c.active {
		return ErrBulkInProgress
	}
	if len(callIDs) == 0 {
		return ErrNothingToApprove
	}
	*c = ApprovalCoordinator{
		decision: decision,
		reason:   reason,
		pending:  append([]string(nil), callIDs...),
		total:    len(callIDs),
		active:   true,
	}
	return nil
}

// Next pops the head of the snapshot. It reports false and deactivates the
// coordinator when nothing is left.
func (c *ApprovalCoordinator) Next() (string, bool) {
	if !c.active || c.inFlight != "" {
		return "", false
	}
	if len(c.pending) == 0 {
		c.active = false
		return "", false
	}
	c.inFlight = c.pending[0]
	c.pending = c.pending[1:]
	return c.inFlight, true
}

// StepDone records that the in-flight call finished.
func (c *ApprovalCoordinator) StepDone(callID string) bool {
	if !c.active || c.inFlight != callID {
		return false
	}
	c.inFlight = ""
	c.done++
	return true
}

// Fail halts the bulk action and records which call failed.
func (c *ApprovalCoordinator) Fail(callID string, err error) {
	if !c.active {
		return
	}
	c.active = false
	c.inFlight = ""
	c.pending = nil
	c.failedID = callID
	if err != nil {
		c.failure = err.Error()
	}
}

// Clear abandons the remaining sequence without recording a failure.
func (c *ApprovalCoordinator) Clear() {
	c.active = false
	c.inFlight = ""
	c.pending = nil
}

// Active reports whether a bulk action is running.
func (c *ApprovalCoordinator) Active() bool {
	return c.active
}

// InFlight returns the call id currently being submitted.
func (c *ApprovalCoordinator) InFlight() string {
	return c.inFlight
}

func (c *ApprovalCoordinator) Decision() BulkDecision {
	return c.decision
}

func (c *ApprovalCoordinator) Reason() string {
	return c.reason
}

// Progress returns the current progress, or nil when no bulk action ran yet.
func (c *ApprovalCoordinator) Progress() *BulkProgress {
	if c.total == 0 {
		return nil
	}
	return &BulkProgress{
		Done:         c.done,
		Total:        c.total,
		Decision:     c.decision,
		Active:       c.active,
		InFlight:     c.inFlight,
		FailedCallID: c.failedID,
		Error:        c.failure,
	}
}

// Reset forgets the last bulk action entirely.
func (c *ApprovalCoordinator) Reset() {
	*c = ApprovalCoordinator{}
}
