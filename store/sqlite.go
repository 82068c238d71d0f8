package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/callgate/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			transport_call_id TEXT NOT NULL,
			session_name TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			parent_session_id TEXT,
			permission_level TEXT NOT NULL,
			session_type TEXT NOT NULL,
			platform TEXT NOT NULL,
			purpose TEXT,
			status TEXT NOT NULL,
			can_resume INTEGER NOT NULL DEFAULT 0,
			fingerprint TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			last_activity_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_phone ON sessions(phone_number, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_call ON sessions(transport_call_id)`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			history TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			audit_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			from_session_id TEXT,
			target TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_message ON audit_records(message_id, ts)`,
		`CREATE TABLE IF NOT EXISTS broadcast_approvals (
			group_key TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			decided_by TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			phone_number TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession persists a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *domain.SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, transport_call_id, session_name, phone_number,
			parent_session_id, permission_level, session_type, platform, purpose,
			status, can_resume, fingerprint, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TransportCallID, rec.SessionName, rec.PhoneNumber,
		nullStr(rec.ParentSessionID), rec.PermissionLevel, rec.SessionType, rec.Platform,
		nullStr(rec.Purpose), rec.Status, rec.CanResume, nullStr(rec.Fingerprint),
		rec.CreatedAt, rec.LastActivityAt)
	return err
}

// GetSession retrieves a session record by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, transport_call_id, session_name, phone_number, parent_session_id,
			permission_level, session_type, platform, purpose, status, can_resume,
			fingerprint, created_at, completed_at, last_activity_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// FindResumableMain finds a suspended, resumable main session for a phone
// number, newest first. Numbers compare on their normalized suffix, since
// providers format the same caller differently across calls.
func (s *SQLiteStore) FindResumableMain(ctx context.Context, phoneNumber string) (*domain.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, transport_call_id, session_name, phone_number, parent_session_id,
			permission_level, session_type, platform, purpose, status, can_resume,
			fingerprint, created_at, completed_at, last_activity_at
		 FROM sessions
		 WHERE session_name = ? AND status = ? AND can_resume = 1
		 ORDER BY last_activity_at DESC`,
		domain.MainSessionName, domain.SessionStatusSuspended)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	want := domain.NormalizePhone(phoneNumber)
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		if domain.NormalizePhone(rec.PhoneNumber) == want {
			return rec, rows.Err()
		}
	}
	return nil, rows.Err()
}

// UpdateSessionStatus updates status and resumability.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, canResume bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, can_resume = ?, last_activity_at = ? WHERE session_id = ?`,
		status, canResume, time.Now(), sessionID)
	return err
}

// UpdateSessionTransport rebinds the physical call identifier after resume.
func (s *SQLiteStore) UpdateSessionTransport(ctx context.Context, sessionID, transportCallID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET transport_call_id = ?, last_activity_at = ? WHERE session_id = ?`,
		transportCallID, time.Now(), sessionID)
	return err
}

// UpdateSessionCompleted records a terminal status with completion timestamp.
func (s *SQLiteStore) UpdateSessionCompleted(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, can_resume = 0, completed_at = ?, last_activity_at = ? WHERE session_id = ?`,
		status, now, now, sessionID)
	return err
}

// AppendTranscript stores one transcript chunk.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, chunk *domain.TranscriptChunk) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, call_id, speaker, text, ts) VALUES (?, ?, ?, ?, ?)`,
		chunk.SessionID, chunk.CallID, chunk.Speaker, chunk.Text, chunk.Ts)
	return err
}

// GetTranscript returns the most recent transcript chunks, oldest first.
func (s *SQLiteStore) GetTranscript(ctx context.Context, sessionID string, limit int) ([]domain.TranscriptChunk, error) {
	query := `SELECT session_id, call_id, speaker, text, ts FROM
		(SELECT session_id, call_id, speaker, text, ts FROM transcripts
		 WHERE session_id = ? ORDER BY ts DESC, id DESC LIMIT ?)
		ORDER BY ts ASC`
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.TranscriptChunk
	for rows.Next() {
		var c domain.TranscriptChunk
		if err := rows.Scan(&c.SessionID, &c.CallID, &c.Speaker, &c.Text, &c.Ts); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SaveSnapshot stores a full conversation history snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, sessionID string, history []domain.HistoryTurn) error {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (session_id, history, created_at) VALUES (?, ?, ?)`,
		sessionID, string(data), time.Now())
	return err
}

// LoadLatestSnapshot returns the most recent history snapshot, nil if none.
func (s *SQLiteStore) LoadLatestSnapshot(ctx context.Context, sessionID string) ([]domain.HistoryTurn, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT history FROM snapshots WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var history []domain.HistoryTurn
	if err := json.Unmarshal([]byte(data), &history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return history, nil
}

// AppendAudit writes one immutable delivery audit record.
func (s *SQLiteStore) AppendAudit(ctx context.Context, rec *domain.AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (audit_id, message_id, from_session_id, target, type, status, detail, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AuditID, rec.MessageID, nullStr(rec.FromSessionID), rec.Target, rec.Type,
		rec.Status, nullStr(rec.Detail), rec.Ts)
	return err
}

// GetAudits returns all audit records for a message, oldest first.
func (s *SQLiteStore) GetAudits(ctx context.Context, messageID string) ([]domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT audit_id, message_id, from_session_id, target, type, status, detail, ts
		 FROM audit_records WHERE message_id = ? ORDER BY ts ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.AuditRecord
	for rows.Next() {
		var r domain.AuditRecord
		var from, detail sql.NullString
		if err := rows.Scan(&r.AuditID, &r.MessageID, &from, &r.Target, &r.Type, &r.Status, &detail, &r.Ts); err != nil {
			return nil, err
		}
		r.FromSessionID = from.String
		r.Detail = detail.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// GetApproval retrieves a broadcast group approval, nil if none exists yet.
func (s *SQLiteStore) GetApproval(ctx context.Context, groupKey string) (*domain.BroadcastApproval, error) {
	var a domain.BroadcastApproval
	var decidedBy sql.NullString
	var decidedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT group_key, state, decided_by, created_at, decided_at FROM broadcast_approvals WHERE group_key = ?`,
		groupKey).Scan(&a.GroupKey, &a.State, &decidedBy, &a.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.DecidedBy = decidedBy.String
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	return &a, nil
}

// PutApproval inserts or replaces a broadcast group approval.
func (s *SQLiteStore) PutApproval(ctx context.Context, approval *domain.BroadcastApproval) error {
	var decidedAt sql.NullTime
	if approval.DecidedAt != nil {
		decidedAt = sql.NullTime{Time: *approval.DecidedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO broadcast_approvals (group_key, state, decided_by, created_at, decided_at)
		 VALUES (?, ?, ?, ?, ?)`,
		approval.GroupKey, approval.State, nullStr(approval.DecidedBy), approval.CreatedAt, decidedAt)
	return err
}

// LookupContact resolves a phone number to a directory entry, nil if unknown.
func (s *SQLiteStore) LookupContact(ctx context.Context, phoneNumber string) (*domain.Contact, error) {
	var c domain.Contact
	err := s.db.QueryRowContext(ctx,
		`SELECT phone_number, name FROM contacts WHERE phone_number = ?`,
		phoneNumber).Scan(&c.PhoneNumber, &c.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindContactByName resolves a directory entry by name, nil if unknown.
func (s *SQLiteStore) FindContactByName(ctx context.Context, name string) (*domain.Contact, error) {
	var c domain.Contact
	err := s.db.QueryRowContext(ctx,
		`SELECT phone_number, name FROM contacts WHERE name = ? COLLATE NOCASE`,
		name).Scan(&c.PhoneNumber, &c.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PutContact inserts or replaces a directory entry.
func (s *SQLiteStore) PutContact(ctx context.Context, contact *domain.Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO contacts (phone_number, name) VALUES (?, ?)`,
		contact.PhoneNumber, contact.Name)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var parent, purpose, fingerprint sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&rec.SessionID, &rec.TransportCallID, &rec.SessionName, &rec.PhoneNumber,
		&parent, &rec.PermissionLevel, &rec.SessionType, &rec.Platform, &purpose,
		&rec.Status, &rec.CanResume, &fingerprint, &rec.CreatedAt, &completedAt, &rec.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.ParentSessionID = parent.String
	rec.Purpose = purpose.String
	rec.Fingerprint = fingerprint.String
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return &rec, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
