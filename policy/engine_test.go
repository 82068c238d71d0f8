package policy

import (
	"context"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(context.Background(), DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return eng
}

func TestDirectMessagesAllowed(t *testing.T) {
	eng := newTestEngine(t)
	decision, err := eng.Evaluate(context.Background(), Input{
		MessageType: "direct",
		Broadcast:   false,
		TargetCount: 1,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionAllow {
		t.Fatalf("expected allow, got %s", decision)
	}
}

func TestBroadcastUnapprovedRequiresApproval(t *testing.T) {
	eng := newTestEngine(t)
	for _, state := range []string{"", "UNAPPROVED"} {
		decision, err := eng.Evaluate(context.Background(), Input{
			MessageType: "broadcast",
			Broadcast:   true,
			GroupKey:    "alice+bob",
			GroupState:  state,
			TargetCount: 2,
		})
		if err != nil {
			t.Fatalf("Evaluate failed for state %q: %v", state, err)
		}
		if decision != DecisionRequireApproval {
			t.Fatalf("state %q: expected require_approval, got %s", state, decision)
		}
	}
}

func TestBroadcastApprovedAllowed(t *testing.T) {
	eng := newTestEngine(t)
	decision, err := eng.Evaluate(context.Background(), Input{
		MessageType: "broadcast",
		Broadcast:   true,
		GroupKey:    "alice+bob",
		GroupState:  "APPROVED",
		TargetCount: 2,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionAllow {
		t.Fatalf("expected allow, got %s", decision)
	}
}

func TestBroadcastDeniedBlocked(t *testing.T) {
	eng := newTestEngine(t)
	decision, err := eng.Evaluate(context.Background(), Input{
		MessageType: "broadcast",
		Broadcast:   true,
		GroupKey:    "alice+bob",
		GroupState:  "DENIED",
		TargetCount: 2,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionBlock {
		t.Fatalf("expected block, got %s", decision)
	}
}

func TestBadPolicyRejected(t *testing.T) {
	if _, err := NewEngine(context.Background(), "package broken\ndecision ="); err == nil {
		t.Fatalf("expected error for malformed policy")
	}
}
