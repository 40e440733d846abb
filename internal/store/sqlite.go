package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"chat-relay/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	username     TEXT NOT NULL,
	phone_number TEXT NOT NULL UNIQUE,
	image        TEXT NOT NULL DEFAULT '',
	about        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	receiver_id  TEXT NOT NULL,
	body         TEXT NOT NULL DEFAULT '',
	file_urls    TEXT NOT NULL DEFAULT '[]',
	file_types   TEXT NOT NULL DEFAULT '[]',
	one_time     INTEGER NOT NULL DEFAULT 0,
	sent_at      TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id, created_at);

CREATE TABLE IF NOT EXISTS call_records (
	id            TEXT PRIMARY KEY,
	caller_id     TEXT NOT NULL,
	receiver_id   TEXT NOT NULL,
	call_type     TEXT NOT NULL DEFAULT 'voice',
	status        TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	ended_at      INTEGER NOT NULL DEFAULT 0,
	duration_secs INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_calls_caller ON call_records (caller_id, started_at);
CREATE INDEX IF NOT EXISTS idx_calls_receiver ON call_records (receiver_id, started_at);
`

// SQLite is a single-file Store backed by modernc.org/sqlite.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one writer at a time; readers share the same connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) PersistMessage(ctx context.Context, rec model.MessageRecord) (string, error) {
	if err := validateMessage(rec); err != nil {
		return "", err
	}
	urls, err := json.Marshal(nullSlice(rec.FileURLs))
	if err != nil {
		return "", err
	}
	types, err := json.Marshal(nullSlice(rec.FileTypes))
	if err != nil {
		return "", err
	}

	now := s.now()
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages
		(id, sender_id, receiver_id, body, file_urls, file_types, one_time, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.SenderID.String(), rec.ReceiverID.String(), rec.Text, string(urls), string(types),
		rec.OneTime, messageTimestamp(rec, now), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("sqlite: insert message: %w", err)
	}
	return id, nil
}

func (s *SQLite) ListConversation(ctx context.Context, a, b model.Identity, limit int) ([]model.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, sender_id, receiver_id, body, file_urls, file_types, one_time, sent_at, created_at
		FROM (
			SELECT *, rowid AS seq FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC`,
		a.String(), b.String(), b.String(), a.String(), ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversation: %w", err)
	}
	defer rows.Close()

	result := make([]model.MessageRecord, 0)
	for rows.Next() {
		var (
			rec          model.MessageRecord
			sender, recv string
			urls, types  string
		)
		if err := rows.Scan(&rec.ID, &sender, &recv, &rec.Text, &urls, &types, &rec.OneTime, &rec.Timestamp, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.SenderID = model.Identity(sender)
		rec.ReceiverID = model.Identity(recv)
		if err := json.Unmarshal([]byte(urls), &rec.FileURLs); err != nil {
			return nil, fmt.Errorf("sqlite: decode file_urls: %w", err)
		}
		if err := json.Unmarshal([]byte(types), &rec.FileTypes); err != nil {
			return nil, fmt.Errorf("sqlite: decode file_types: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *SQLite) PersistCallRecord(ctx context.Context, caller, receiver model.Identity, status model.CallStatus, start time.Time) (string, error) {
	if caller == "" || receiver == "" {
		return "", fmt.Errorf("%w: caller and receiver are required", ErrInvalidInput)
	}
	if err := validateStatus(status); err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO call_records (id, caller_id, receiver_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, caller.String(), receiver.String(), string(status), start.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("sqlite: insert call record: %w", err)
	}
	return id, nil
}

func (s *SQLite) UpdateCallRecord(ctx context.Context, id string, end time.Time, duration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE call_records SET status = ?, ended_at = ?, duration_secs = ? WHERE id = ?`,
		string(model.CallEnded), end.UnixMilli(), int64(duration/time.Second), id)
	if err != nil {
		return fmt.Errorf("sqlite: update call record: %w", err)
	}
	return requireOneRow(res)
}

func (s *SQLite) SetCallStatus(ctx context.Context, id string, status model.CallStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE call_records SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("sqlite: set call status: %w", err)
	}
	return requireOneRow(res)
}

func (s *SQLite) ListCalls(ctx context.Context, party model.Identity, limit int) ([]model.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, caller_id, receiver_id, call_type, status, started_at, ended_at, duration_secs
		FROM call_records
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		party.String(), party.String(), ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list calls: %w", err)
	}
	defer rows.Close()

	result := make([]model.CallRecord, 0)
	for rows.Next() {
		var (
			rec              model.CallRecord
			caller, receiver string
			status           string
		)
		if err := rows.Scan(&rec.ID, &caller, &receiver, &rec.CallType, &status, &rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds); err != nil {
			return nil, err
		}
		rec.CallerID = model.Identity(caller)
		rec.ReceiverID = model.Identity(receiver)
		rec.Status = model.CallStatus(status)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *SQLite) UpsertUser(ctx context.Context, username, phoneNumber string) (model.UserProfile, bool, error) {
	username, phoneNumber, err := validateUser(username, phoneNumber)
	if err != nil {
		return model.UserProfile{}, false, err
	}

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username, phone_number, about, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone_number) DO NOTHING`,
		uuid.NewString(), username, phoneNumber, model.DefaultAbout, now, now)
	if err != nil {
		return model.UserProfile{}, false, fmt.Errorf("sqlite: upsert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.UserProfile{}, false, err
	}

	user, err := s.scanUser(s.db.QueryRowContext(ctx, userColumns+` WHERE phone_number = ?`, phoneNumber))
	if err != nil {
		return model.UserProfile{}, false, err
	}
	return user, n == 1, nil
}

const userColumns = `SELECT id, username, phone_number, image, about, created_at, updated_at FROM users`

func (s *SQLite) FetchUserProfile(ctx context.Context, id model.Identity) (model.UserProfile, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userColumns+` WHERE id = ?`, id.String()))
}

func (s *SQLite) ListUsers(ctx context.Context) ([]model.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, userColumns+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list users: %w", err)
	}
	defer rows.Close()

	result := make([]model.UserProfile, 0)
	for rows.Next() {
		user, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, user)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanUser(row rowScanner) (model.UserProfile, error) {
	var (
		user model.UserProfile
		id   string
	)
	err := row.Scan(&id, &user.Username, &user.PhoneNumber, &user.Image, &user.About, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.UserProfile{}, ErrNotFound
	}
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("sqlite: scan user: %w", err)
	}
	user.ID = model.Identity(id)
	return user, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
