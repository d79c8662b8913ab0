package core

import (
	"bytes"
	"time"
)

// ToolExecutionRegistry stores tool calls keyed by call id in insertion order.
// It is a plain state container: it performs no I/O and is owned by a single
// goroutine (the conversation controller's loop).
type ToolExecutionRegistry struct {
	order []string
	byID  map[string]*ToolExecution
	now   func() time.Time
}

// NewToolExecutionRegistry creates an empty registry.
func NewToolExecutionRegistry() *ToolExecutionRegistry {
	return &ToolExecutionRegistry{
		byID: make(map[string]*ToolExecution),
		now:  time.Now,
	}
}

// Len returns the number of tracked calls.
func (r *ToolExecutionRegistry) Len() int {
	return len(r.order)
}

// Get returns a copy of the execution for callID.
func (r *ToolExecutionRegistry) Get(callID string) (ToolExecution, bool) {
	exec, ok := r.byID[callID]
	if !ok {
		return ToolExecution{}, false
	}
	return *exec, true
}

// All returns copies of every execution in insertion order.
func (r *ToolExecutionRegistry) All() []ToolExecution {
	out := make([]ToolExecution, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Upsert creates the execution for update.CallID or merges update into it.
//
// Merge is field-level last-writer-wins for every non-empty field. A terminal
// status is never replaced by a non-terminal one and a non-terminal status
// only moves forward, so a late tool.approved echo leaves an executing call
// alone. Explicit approval decisions go through Decide instead. Applying the
// same update twice is a no-op.
func (r *ToolExecutionRegistry) Upsert(update ToolExecution) ToolExecution {
	existing, ok := r.byID[update.CallID]
	if !ok {
		created := update
		if created.Status == "" {
			created.Status = ToolPending
		}
		if created.Timestamp.IsZero() {
			created.Timestamp = r.now()
		}
		r.byID[created.CallID] = &created
		r.order = append(r.order, created.CallID)
		return created
	}

	if update.Tool != "" {
		existing.Tool = update.Tool
	}
	if update.Title != "" {
		existing.Title = update.Title
	}
	if len(update.Args) > 0 && !bytes.Equal(update.Args, existing.Args) {
		existing.Args = update.Args
	}
	if len(update.Result) > 0 && !bytes.Equal(update.Result, existing.Result) {
		existing.Result = update.Result
	}
	if update.Error != "" {
		existing.Error = update.Error
	}
	if existing.Timestamp.IsZero() && !update.Timestamp.IsZero() {
		existing.Timestamp = update.Timestamp
	}
	if update.RequiresApproval {
		existing.RequiresApproval = true
	}
	if update.Status != "" && update.Status != existing.Status {
		switch {
		case update.Status.Terminal():
			existing.Status = update.Status
		case update.Status.stage() > existing.Status.stage():
			existing.Status = update.Status
		}
	}
	if existing.Status != ToolAwaitingApproval && existing.Status != ToolPending {
		existing.ApprovalError = ""
	}
	return *existing
}

// SeedPending registers a batch of tool calls in pending state atomically.
// Calls already known keep their status and only gain missing fields.
func (r *ToolExecutionRegistry) SeedPending(tools []ToolExecution) []ToolExecution {
	now := r.now()
	out := make([]ToolExecution, 0, len(tools))
	for _, t := range tools {
		t.Status = ToolPending
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		if existing, ok := r.byID[t.CallID]; ok && existing.Status != ToolPending {
			t.Status = ""
		}
		out = append(out, r.Upsert(t))
	}
	return out
}

// Approvable returns the calls that can be approved or denied, in insertion order.
func (r *ToolExecutionRegistry) Approvable() []ToolExecution {
	var out []ToolExecution
	for _, id := range r.order {
		exec := r.byID[id]
		if exec.RequiresApproval && (exec.Status == ToolPending || exec.Status == ToolAwaitingApproval) {
			out = append(out, *exec)
		}
	}
	return out
}

// Decide applies a user approve/deny decision to an approvable call.
func (r *ToolExecutionRegistry) Decide(callID string, approve bool) (ToolExecution, error) {
	exec, ok := r.byID[callID]
	if !ok || !exec.RequiresApproval || (exec.Status != ToolPending && exec.Status != ToolAwaitingApproval) {
		return ToolExecution{}, ErrNotApprovable
	}
	if approve {
		exec.Status = ToolApproved
	} else {
		exec.Status = ToolDenied
	}
	exec.ApprovalError = ""
	return *exec, nil
}

// RevertDecision returns a call to awaiting_approval after its decision could
// not be delivered, recording the failure on the call.
func (r *ToolExecutionRegistry) RevertDecision(callID string, reason string) {
	exec, ok := r.byID[callID]
	if !ok {
		return
	}
	if exec.Status == ToolApproved || exec.Status == ToolDenied {
		exec.Status = ToolAwaitingApproval
	}
	exec.ApprovalError = reason
}

// Clone returns a deep-enough copy for caching; execution values are copied.
func (r *ToolExecutionRegistry) Clone() *ToolExecutionRegistry {
	out := &ToolExecutionRegistry{
		order: append([]string(nil), r.order...),
		byID:  make(map[string]*ToolExecution, len(r.byID)),
		now:   r.now,
	}
	for id, exec := range r.byID {
		copied := *exec
		out.byID[id] = &copied
	}
	return out
}
