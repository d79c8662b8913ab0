package core

import (
	"testing"
)

func TestSessionTracker(t *testing.T) {
	tracker := NewSessionTracker()
	opts := sessionOptionsFor(newFakeTransport(), &sessionRecorder{})
	turn := NewTurnSession(TurnRequest{ConversationID: "conv-1"}, opts)
	approval := NewApprovalSession(ApprovalRequest{CallID: "c1", ConversationID: "conv-1"}, opts)

	tracker.Add(turn)
	tracker.Add(approval)
	active := tracker.Active()
	if len(active) != 2 {
		t.Fatalf("Active() = %d, want 2", len(active))
	}
	for _, info := range active {
		if info.ID == approval.ID && (info.Kind != SessionApproval || info.CallID != "c1") {
			t.Errorf("approval info = %+v", info)
		}
	}

	if !tracker.Cancel(turn.ID) || !turn.Cancelled() {
		t.Error("Cancel() should cancel a tracked session")
	}
	if tracker.Cancel(turn.ID) {
		t.Error("Cancel() of an untracked session should report false")
	}
	if n := tracker.CancelAll(); n != 1 || !approval.Cancelled() {
		t.Errorf("CancelAll() = %d", n)
	}
	if len(tracker.Active()) != 0 {
		t.Error("tracker should be empty")
	}
}
