package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/email-approver/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Serialize writers through a single connection so concurrent
	// CompareAndTransition calls never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// terminalStates is the SQL fragment listing states that end a request's
// lifecycle; a token may be reused only once its request reaches one of them.
const terminalStates = "('rejected', 'sent', 'send_failed')"

// Create inserts a new request in the pending state, rejecting correlation
// tokens still held by a non-terminal request.
func (s *SQLiteStore) Create(ctx context.Context, req model.ApprovalRequest) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.GetContext(ctx, &active,
		"SELECT COUNT(*) FROM approval_requests WHERE token = ? AND state NOT IN "+terminalStates,
		req.Token,
	)
	if err != nil {
		return fmt.Errorf("checking token %q: %w", req.Token, err)
	}
	if active > 0 {
		return fmt.Errorf("creating request with token %q: %w", req.Token, ErrDuplicateToken)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approval_requests (
			id, token, recipient, recipient_name, subject,
			body_text, body_html, approver_email, state, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Token, req.Recipient, req.RecipientName, req.Subject,
		req.BodyText, req.BodyHTML, req.ApproverEmail,
		string(model.StatePending), req.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting request %s: %w", req.ID, err)
	}

	return tx.Commit()
}

// Get retrieves a single request by its ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM approval_requests WHERE id = ?", id,
	)

	req, err := scanRequestRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting request %s: %w", id, err)
	}

	return &req, nil
}

// GetByToken retrieves the request holding the given correlation token,
// preferring a non-terminal request when the token has been reused.
func (s *SQLiteStore) GetByToken(ctx context.Context, token string) (*model.ApprovalRequest, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT * FROM approval_requests
		WHERE token = ?
		ORDER BY (state NOT IN `+terminalStates+`) DESC, created_at DESC
		LIMIT 1`,
		token,
	)

	req, err := scanRequestRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting request by token %q: %w", token, err)
	}

	return &req, nil
}

// CompareAndTransition atomically moves a request from expected to next.
// The WHERE clause on both id and state makes the update exactly-once
// under concurrent callers: whichever caller's UPDATE lands first wins,
// every later caller sees zero affected rows and gets ErrStaleState.
func (s *SQLiteStore) CompareAndTransition(
	ctx context.Context,
	id string,
	expected, next model.State,
	fields TransitionFields,
) error {
	sets := []string{"state = ?"}
	args := []interface{}{string(next)}

	if fields.DecisionSource != "" {
		sets = append(sets, "decision_source = ?")
		args = append(args, string(fields.DecisionSource))
	}
	if fields.DecisionReason != "" {
		sets = append(sets, "decision_reason = ?")
		args = append(args, fields.DecisionReason)
	}
	if fields.DecidedAt != nil {
		sets = append(sets, "decided_at = ?")
		args = append(args, fields.DecidedAt.UTC())
	}
	if fields.SentAt != nil {
		sets = append(sets, "sent_at = ?")
		args = append(args, fields.SentAt.UTC())
	}
	if fields.EditedBody != nil {
		sets = append(sets, "body_text = ?")
		args = append(args, *fields.EditedBody)
	}

	query := "UPDATE approval_requests SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND state = ?"
	args = append(args, id, string(expected))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transitioning request %s to %s: %w", id, next, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows for %s: %w", id, err)
	}
	if affected > 0 {
		return nil
	}

	// Distinguish a missing request from a lost race.
	var count int
	if err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM approval_requests WHERE id = ?", id,
	); err != nil {
		return fmt.Errorf("checking request %s: %w", id, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStaleState
}

// ListPending returns all pending requests ordered by creation time.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]model.ApprovalRequest, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM approval_requests
		WHERE state = ?
		ORDER BY created_at`,
		string(model.StatePending),
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending requests: %w", err)
	}
	defer rows.Close()

	var requests []model.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}

	return requests, rows.Err()
}

// CountByState returns the number of requests in each lifecycle state.
func (s *SQLiteStore) CountByState(ctx context.Context) (model.StateCounts, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT state, COUNT(*) FROM approval_requests GROUP BY state",
	)
	if err != nil {
		return model.StateCounts{}, fmt.Errorf("counting requests: %w", err)
	}
	defer rows.Close()

	var counts model.StateCounts
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return model.StateCounts{}, fmt.Errorf("scanning state count: %w", err)
		}
		switch model.State(state) {
		case model.StatePending:
			counts.Pending = n
		case model.StateApproved:
			counts.Approved = n
		case model.StateRejected:
			counts.Rejected = n
		case model.StateSent:
			counts.Sent = n
		case model.StateSendFailed:
			counts.SendFailed = n
		}
	}

	return counts, rows.Err()
}

// Watermark returns the persisted poll cursor for the named mailbox.
// A mailbox that has never been polled yields a zero watermark.
func (s *SQLiteStore) Watermark(ctx context.Context, mailbox string) (Watermark, error) {
	var w Watermark
	err := s.db.GetContext(ctx, &w,
		"SELECT uid_validity, last_uid, updated_at FROM watermarks WHERE mailbox = ?",
		mailbox,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Watermark{}, nil
		}
		return Watermark{}, fmt.Errorf("reading watermark for %q: %w", mailbox, err)
	}
	return w, nil
}

// SetWatermark persists the poll cursor for the named mailbox.
func (s *SQLiteStore) SetWatermark(ctx context.Context, mailbox string, w Watermark) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO watermarks (mailbox, uid_validity, last_uid, updated_at)
		VALUES (?, ?, ?, ?)`,
		mailbox, w.UIDValidity, w.LastUID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing watermark for %q: %w", mailbox, err)
	}
	return nil
}

// scanRequest scans a request row from a sqlx.Rows result set.
func scanRequest(rows *sqlx.Rows) (model.ApprovalRequest, error) {
	var (
		req       model.ApprovalRequest
		state     string
		source    string
		createdAt time.Time
		decidedAt sql.NullTime
		sentAt    sql.NullTime
	)

	err := rows.Scan(
		&req.ID, &req.Token, &req.Recipient, &req.RecipientName,
		&req.Subject, &req.BodyText, &req.BodyHTML, &req.ApproverEmail,
		&state, &source, &req.DecisionReason,
		&createdAt, &decidedAt, &sentAt,
	)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("scanning request row: %w", err)
	}

	req.State = model.State(state)
	req.DecisionSource = model.DecisionSource(source)
	req.CreatedAt = createdAt
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		req.SentAt = &t
	}

	return req, nil
}

// scanRequestRow scans a single request row from a sqlx.Row.
func scanRequestRow(row *sqlx.Row) (model.ApprovalRequest, error) {
	var (
		req       model.ApprovalRequest
		state     string
		source    string
		createdAt time.Time
		decidedAt sql.NullTime
		sentAt    sql.NullTime
	)

	err := row.Scan(
		&req.ID, &req.Token, &req.Recipient, &req.RecipientName,
		&req.Subject, &req.BodyText, &req.BodyHTML, &req.ApproverEmail,
		&state, &source, &req.DecisionReason,
		&createdAt, &decidedAt, &sentAt,
	)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	req.State = model.State(state)
	req.DecisionSource = model.DecisionSource(source)
	req.CreatedAt = createdAt
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		req.SentAt = &t
	}

	return req, nil
}
