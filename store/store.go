// Package store defines the storage interface and implementations.
package store

import (
	"context"

	"github.com/xiaot623/callgate/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Session records
	CreateSession(ctx context.Context, rec *domain.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, canResume bool) error
	UpdateSessionTransport(ctx context.Context, sessionID, transportCallID string) error
	UpdateSessionCompleted(ctx context.Context, sessionID string, status domain.SessionStatus) error
	FindResumableMain(ctx context.Context, phoneNumber string) (*domain.SessionRecord, error)

	// Transcript capture
	AppendTranscript(ctx context.Context, chunk *domain.TranscriptChunk) error
	GetTranscript(ctx context.Context, sessionID string, limit int) ([]domain.TranscriptChunk, error)

	// History snapshots for suspend/resume
	SaveSnapshot(ctx context.Context, sessionID string, history []domain.HistoryTurn) error
	LoadLatestSnapshot(ctx context.Context, sessionID string) ([]domain.HistoryTurn, error)

	// Delivery audit trail
	AppendAudit(ctx context.Context, rec *domain.AuditRecord) error
	GetAudits(ctx context.Context, messageID string) ([]domain.AuditRecord, error)

	// Broadcast group approvals
	GetApproval(ctx context.Context, groupKey string) (*domain.BroadcastApproval, error)
	PutApproval(ctx context.Context, approval *domain.BroadcastApproval) error

	// Caller directory
	LookupContact(ctx context.Context, phoneNumber string) (*domain.Contact, error)
	FindContactByName(ctx context.Context, name string) (*domain.Contact, error)
	PutContact(ctx context.Context, contact *domain.Contact) error

	// Lifecycle
	Close() error
}
