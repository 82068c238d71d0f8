package store

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/callgate/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(id, name, phone string) *domain.SessionRecord {
	now := time.Now()
	return &domain.SessionRecord{
		SessionID:       id,
		TransportCallID: "CA_" + id,
		SessionName:     name,
		PhoneNumber:     phone,
		PermissionLevel: domain.PermissionFull,
		SessionType:     domain.SessionTypeInboundOwner,
		Platform:        domain.PlatformCall,
		Status:          domain.SessionStatusActive,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
}

func TestSessionRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("sess_1", "main", "+15550001111")
	rec.Purpose = "goal:dentist:book a cleaning"
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatalf("expected record")
	}
	if got.SessionName != "main" || got.PhoneNumber != "+15550001111" || got.Purpose != rec.Purpose {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	missing, err := s.GetSession(ctx, "sess_nope")
	if err != nil {
		t.Fatalf("GetSession for missing id failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing session")
	}
}

func TestSessionStatusAndCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, sampleRecord("sess_2", "main", "+15550001111")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := s.UpdateSessionStatus(ctx, "sess_2", domain.SessionStatusSuspended, true); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}
	got, _ := s.GetSession(ctx, "sess_2")
	if got.Status != domain.SessionStatusSuspended || !got.CanResume {
		t.Fatalf("expected suspended resumable, got %+v", got)
	}

	if err := s.UpdateSessionTransport(ctx, "sess_2", "CA_new"); err != nil {
		t.Fatalf("UpdateSessionTransport failed: %v", err)
	}
	got, _ = s.GetSession(ctx, "sess_2")
	if got.TransportCallID != "CA_new" {
		t.Fatalf("expected CA_new, got %s", got.TransportCallID)
	}

	if err := s.UpdateSessionCompleted(ctx, "sess_2", domain.SessionStatusCompleted); err != nil {
		t.Fatalf("UpdateSessionCompleted failed: %v", err)
	}
	got, _ = s.GetSession(ctx, "sess_2")
	if got.Status != domain.SessionStatusCompleted || got.CompletedAt == nil || got.CanResume {
		t.Fatalf("expected completed with timestamp, got %+v", got)
	}
}

func TestFindResumableMain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	none, err := s.FindResumableMain(ctx, "+15550001111")
	if err != nil {
		t.Fatalf("FindResumableMain failed: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil before any session exists")
	}

	rec := sampleRecord("sess_3", domain.MainSessionName, "+15550001111")
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, "sess_3", domain.SessionStatusSuspended, true); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}

	// A different caller's suspended main must not match.
	other := sampleRecord("sess_4", domain.MainSessionName, "+15552223333")
	if err := s.CreateSession(ctx, other); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, "sess_4", domain.SessionStatusSuspended, true); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}

	got, err := s.FindResumableMain(ctx, "+15550001111")
	if err != nil {
		t.Fatalf("FindResumableMain failed: %v", err)
	}
	if got == nil || got.SessionID != "sess_3" {
		t.Fatalf("expected sess_3, got %+v", got)
	}

	if err := s.UpdateSessionCompleted(ctx, "sess_3", domain.SessionStatusCompleted); err != nil {
		t.Fatalf("UpdateSessionCompleted failed: %v", err)
	}
	got, err = s.FindResumableMain(ctx, "+15550001111")
	if err != nil {
		t.Fatalf("FindResumableMain failed: %v", err)
	}
	if got != nil {
		t.Fatalf("completed session must not be resumable, got %+v", got)
	}
}

func TestFindResumableMainIgnoresNumberFormatting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("sess_5", domain.MainSessionName, "+15550001111")
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, "sess_5", domain.SessionStatusSuspended, true); err != nil {
		t.Fatalf("UpdateSessionStatus failed: %v", err)
	}

	// Providers format the same caller differently across calls.
	for _, number := range []string{"5550001111", "(555) 000-1111", "+1 555-000-1111"} {
		got, err := s.FindResumableMain(ctx, number)
		if err != nil {
			t.Fatalf("FindResumableMain(%q) failed: %v", number, err)
		}
		if got == nil || got.SessionID != "sess_5" {
			t.Fatalf("FindResumableMain(%q): expected sess_5, got %+v", number, got)
		}
	}

	if got, err := s.FindResumableMain(ctx, "+15559990000"); err != nil || got != nil {
		t.Fatalf("different suffix must not match, got %+v err=%v", got, err)
	}
}

func TestTranscriptAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, sampleRecord("sess_5", "main", "+15550001111")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	for i, text := range []string{"Hello there.", "How can I help?", "Goodbye."} {
		err := s.AppendTranscript(ctx, &domain.TranscriptChunk{
			SessionID: "sess_5",
			CallID:    "CA_5",
			Speaker:   []string{"caller", "agent", "agent"}[i],
			Text:      text,
			Ts:        time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendTranscript failed: %v", err)
		}
	}

	chunks, err := s.GetTranscript(ctx, "sess_5", 10)
	if err != nil {
		t.Fatalf("GetTranscript failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].Text != "Hello there." || chunks[2].Text != "Goodbye." {
		t.Fatalf("transcript order wrong: %+v", chunks)
	}

	limited, err := s.GetTranscript(ctx, "sess_5", 2)
	if err != nil {
		t.Fatalf("GetTranscript with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(limited))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, sampleRecord("sess_6", "main", "+15550001111")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	history := []domain.HistoryTurn{
		{Sender: "caller", Text: "call my dentist", Ts: time.Now()},
		{Sender: "agent", Text: "dialing now", Ts: time.Now()},
	}
	if err := s.SaveSnapshot(ctx, "sess_6", history); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	// A later snapshot supersedes the first.
	history = append(history, domain.HistoryTurn{Sender: "agent", Text: "booked", Ts: time.Now()})
	if err := s.SaveSnapshot(ctx, "sess_6", history); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	got, err := s.LoadLatestSnapshot(ctx, "sess_6")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot failed: %v", err)
	}
	if len(got) != 3 || got[2].Text != "booked" {
		t.Fatalf("expected latest 3-turn snapshot, got %+v", got)
	}

	empty, err := s.LoadLatestSnapshot(ctx, "sess_unknown")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot for unknown failed: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil snapshot for unknown session")
	}
}

func TestAuditTrail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	recs := []*domain.AuditRecord{
		{AuditID: "aud_1", MessageID: "msg_1", Target: "main", Type: domain.MessageTypeDirect, Status: domain.DeliveryDelivered, Ts: base},
		{AuditID: "aud_2", MessageID: "msg_1", Target: "dentist", Type: domain.MessageTypeDirect, Status: domain.DeliveryFailed, Detail: "timeout", Ts: base.Add(time.Second)},
		{AuditID: "aud_3", MessageID: "msg_2", Target: "main", Type: domain.MessageTypeReminder, Status: domain.DeliveryDelivered, Ts: base.Add(2 * time.Second)},
	}
	for _, rec := range recs {
		if err := s.AppendAudit(ctx, rec); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	got, err := s.GetAudits(ctx, "msg_1")
	if err != nil {
		t.Fatalf("GetAudits failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 audits for msg_1, got %d", len(got))
	}
	if got[1].Detail != "timeout" {
		t.Fatalf("expected detail preserved, got %+v", got[1])
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetApproval(ctx, "alice+bob")
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown group")
	}

	if err := s.PutApproval(ctx, &domain.BroadcastApproval{
		GroupKey:  "alice+bob",
		State:     domain.ApprovalUnapproved,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("PutApproval failed: %v", err)
	}

	decided := time.Now()
	if err := s.PutApproval(ctx, &domain.BroadcastApproval{
		GroupKey:  "alice+bob",
		State:     domain.ApprovalApproved,
		DecidedBy: "owner",
		CreatedAt: time.Now(),
		DecidedAt: &decided,
	}); err != nil {
		t.Fatalf("PutApproval update failed: %v", err)
	}

	got, err := s.GetApproval(ctx, "alice+bob")
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.State != domain.ApprovalApproved || got.DecidedBy != "owner" || got.DecidedAt == nil {
		t.Fatalf("approval not persisted: %+v", got)
	}
}

func TestContactDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutContact(ctx, &domain.Contact{PhoneNumber: "+15559876543", Name: "Dentist"}); err != nil {
		t.Fatalf("PutContact failed: %v", err)
	}

	byNumber, err := s.LookupContact(ctx, "+15559876543")
	if err != nil {
		t.Fatalf("LookupContact failed: %v", err)
	}
	if byNumber == nil || byNumber.Name != "Dentist" {
		t.Fatalf("expected Dentist, got %+v", byNumber)
	}

	byName, err := s.FindContactByName(ctx, "dentist")
	if err != nil {
		t.Fatalf("FindContactByName failed: %v", err)
	}
	if byName == nil || byName.PhoneNumber != "+15559876543" {
		t.Fatalf("name lookup should be case-insensitive, got %+v", byName)
	}

	unknown, err := s.LookupContact(ctx, "+15550000000")
	if err != nil {
		t.Fatalf("LookupContact failed: %v", err)
	}
	if unknown != nil {
		t.Fatalf("expected nil for unknown number")
	}
}
