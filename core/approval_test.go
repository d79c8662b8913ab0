package core

import (
	"errors"
	"testing"
)

func TestParseBulkDecision(t *testing.T) {
	tests := []struct {
		in      string
		want    BulkDecision
		wantErr bool
	}{
		{"approve", BulkApprove, false},
		{"deny", BulkDeny, false},
		{"APPROVE", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBulkDecision(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseBulkDecision(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestApprovalCoordinatorSequence(t *testing.T) {
	c := NewApprovalCoordinator()
	if c.Progress() != nil {
		t.Error("idle coordinator should report no progress")
	}
	if err := c.Begin(BulkApprove, "", nil); !errors.Is(err, ErrNothingToApprove) {
		t.Errorf("Begin(empty) error = %v", err)
	}
	if err := c.Begin(BulkApprove, "ok", []string{"A", "B"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Begin(BulkDeny, "", []string{"C"}); !errors.Is(err, ErrBulkInProgress) {
		t.Errorf("second Begin() error = %v", err)
	}

	id, ok := c.Next()
	if !ok || id != "A" {
		t.Fatalf("Next() = %q, %v", id, ok)
	}
	if _, ok := c.Next(); ok {
		t.Error("Next() must wait for the in-flight call")
	}
	if c.StepDone("B") {
		t.Error("StepDone for a call that is not in flight should be ignored")
	}
	if !c.StepDone("A") {
		t.Fatal("StepDone(A) = false")
	}
	id, _ = c.Next()
	c.StepDone(id)
	if _, ok := c.Next(); ok || c.Active() {
		t.Error("coordinator should finish once the snapshot is exhausted")
	}

	p := c.Progress()
	if p.Done != 2 || p.Total != 2 || p.Active || p.Decision != BulkApprove || p.FailedCallID != "" {
		t.Errorf("progress = %+v", p)
	}
}

func TestApprovalCoordinatorFailAndClear(t *testing.T) {
	c := NewApprovalCoordinator()
	c.Begin(BulkDeny, "", []string{"A", "B", "C"})
	c.Next()
	c.StepDone("A")
	c.Next()
	c.Fail("B", errors.New("approval service unavailable"))

	p := c.Progress()
	if p.Active || p.Done != 1 || p.FailedCallID != "B" || p.Error != "approval service unavailable" {
		t.Errorf("progress after failure = %+v", p)
	}
	if _, ok := c.Next(); ok {
		t.Error("a failed bulk action must not continue")
	}

	c.Begin(BulkApprove, "", []string{"D", "E"})
	c.Next()
	c.Clear()
	if c.Active() || c.InFlight() != "" {
		t.Error("Clear should stop the bulk action")
	}
	if p := c.Progress(); p.FailedCallID != "" || p.Total != 2 {
		t.Errorf("progress after clear = %+v", p)
	}
	c.Reset()
	if c.Progress() != nil {
		t.Error("Reset should forget progress")
	}
}
