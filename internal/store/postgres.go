package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-relay/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	pgMaxConns        = 20
	pgMinConns        = 2
	pgMaxConnLifetime = time.Hour
	pgMaxConnIdleTime = 10 * time.Minute
	pgConnectTimeout  = 5 * time.Second
	pgPingTimeout     = 2 * time.Second
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres applies pending migrations, then connects the pool.
func OpenPostgres(ctx context.Context, dsn string, log *slog.Logger) (*Postgres, error) {
	if err := migrateUp(dsn, log); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid DSN: %w", err)
	}
	poolConfig.MaxConns = pgMaxConns
	poolConfig.MinConns = pgMinConns
	poolConfig.MaxConnLifetime = pgMaxConnLifetime
	poolConfig.MaxConnIdleTime = pgMaxConnIdleTime
	poolConfig.ConnConfig.ConnectTimeout = pgConnectTimeout

	connectCtx, cancel := context.WithTimeout(ctx, pgConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}

	s := &Postgres{pool: pool, now: time.Now}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("store_opened", slog.String("driver", "postgres"), slog.Int("max_conns", int(pool.Stat().MaxConns())))
	return s, nil
}

func migrateUp(dsn string, log *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration: source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, pgx5DSN(dsn))
	if err != nil {
		return fmt.Errorf("migration: failed to initialize: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			log.Error("migration_source_close_failed", slog.Any("error", srcErr))
		}
		if dbErr != nil {
			log.Error("migration_db_close_failed", slog.Any("error", dbErr))
		}
	}()
	m.Log = &migrateLogger{log: log}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration: failed to get current version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migration: database is dirty at version %d", version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("migration_already_up_to_date", slog.Int("version", int(version)))
			return nil
		}
		return fmt.Errorf("migration: up failed: %w", err)
	}
	next, _, _ := m.Version()
	log.Info("migration_successful", slog.Int("from_version", int(version)), slog.Int("to_version", int(next)))
	return nil
}

// pgx5DSN rewrites postgres:// URLs to the scheme the migrate driver registers.
func pgx5DSN(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

type migrateLogger struct {
	log *slog.Logger
}

func (l *migrateLogger) Printf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *migrateLogger) Verbose() bool { return false }

func (s *Postgres) PersistMessage(ctx context.Context, rec model.MessageRecord) (string, error) {
	if err := validateMessage(rec); err != nil {
		return "", err
	}
	now := s.now()
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `INSERT INTO messages
		(id, sender_id, receiver_id, body, file_urls, file_types, one_time, sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, rec.SenderID.String(), rec.ReceiverID.String(), rec.Text,
		nullSlice(rec.FileURLs), nullSlice(rec.FileTypes), rec.OneTime,
		messageTimestamp(rec, now), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("postgres: insert message: %w", err)
	}
	return id, nil
}

func (s *Postgres) ListConversation(ctx context.Context, a, b model.Identity, limit int) ([]model.MessageRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, sender_id, receiver_id, body, file_urls, file_types, one_time, sent_at, created_at
		FROM (
			SELECT * FROM messages
			WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
			ORDER BY created_at DESC, seq DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC, seq ASC`,
		a.String(), b.String(), ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversation: %w", err)
	}
	defer rows.Close()

	result := make([]model.MessageRecord, 0)
	for rows.Next() {
		var (
			rec          model.MessageRecord
			sender, recv string
		)
		if err := rows.Scan(&rec.ID, &sender, &recv, &rec.Text, &rec.FileURLs, &rec.FileTypes, &rec.OneTime, &rec.Timestamp, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.SenderID = model.Identity(sender)
		rec.ReceiverID = model.Identity(recv)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Postgres) PersistCallRecord(ctx context.Context, caller, receiver model.Identity, status model.CallStatus, start time.Time) (string, error) {
	if caller == "" || receiver == "" {
		return "", fmt.Errorf("%w: caller and receiver are required", ErrInvalidInput)
	}
	if err := validateStatus(status); err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `INSERT INTO call_records (id, caller_id, receiver_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, caller.String(), receiver.String(), string(status), start.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("postgres: insert call record: %w", err)
	}
	return id, nil
}

func (s *Postgres) UpdateCallRecord(ctx context.Context, id string, end time.Time, duration time.Duration) error {
	tag, err := s.pool.Exec(ctx, `UPDATE call_records SET status = $1, ended_at = $2, duration_secs = $3 WHERE id = $4`,
		string(model.CallEnded), end.UnixMilli(), int64(duration/time.Second), id)
	if err != nil {
		return fmt.Errorf("postgres: update call record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetCallStatus(ctx context.Context, id string, status model.CallStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE call_records SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: set call status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListCalls(ctx context.Context, party model.Identity, limit int) ([]model.CallRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, caller_id, receiver_id, call_type, status, started_at, ended_at, duration_secs
		FROM call_records
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		party.String(), ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list calls: %w", err)
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

const pgUserColumns = `SELECT id, username, phone_number, image, about, created_at, updated_at FROM users`

func (s *Postgres) UpsertUser(ctx context.Context, username, phoneNumber string) (model.UserProfile, bool, error) {
	username, phoneNumber, err := validateUser(username, phoneNumber)
	if err != nil {
		return model.UserProfile{}, false, err
	}
	now := s.now().UnixMilli()
	tag, err := s.pool.Exec(ctx, `INSERT INTO users (id, username, phone_number, about, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (phone_number) DO NOTHING`,
		uuid.NewString(), username, phoneNumber, model.DefaultAbout, now)
	if err != nil {
		return model.UserProfile{}, false, fmt.Errorf("postgres: upsert user: %w", err)
	}
	user, err := scanPgUser(s.pool.QueryRow(ctx, pgUserColumns+` WHERE phone_number = $1`, phoneNumber))
	if err != nil {
		return model.UserProfile{}, false, err
	}
	return user, tag.RowsAffected() == 1, nil
}

func (s *Postgres) FetchUserProfile(ctx context.Context, id model.Identity) (model.UserProfile, error) {
	return scanPgUser(s.pool.QueryRow(ctx, pgUserColumns+` WHERE id = $1`, id.String()))
}

func (s *Postgres) ListUsers(ctx context.Context) ([]model.UserProfile, error) {
	rows, err := s.pool.Query(ctx, pgUserColumns+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	result := make([]model.UserProfile, 0)
	for rows.Next() {
		user, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, user)
	}
	return result, rows.Err()
}

func scanPgUser(row pgx.Row) (model.UserProfile, error) {
	var (
		user model.UserProfile
		id   string
	)
	err := row.Scan(&id, &user.Username, &user.PhoneNumber, &user.Image, &user.About, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.UserProfile{}, ErrNotFound
	}
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("postgres: scan user: %w", err)
	}
	user.ID = model.Identity(id)
	return user, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pgPingTimeout)
	defer cancel()
	if err := s.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("postgres: ping failed: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
