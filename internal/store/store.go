package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat-relay/internal/config"
	"chat-relay/internal/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the persistence collaborator behind the relay, the call log and
// the REST surface. Implementations must be safe for concurrent use.
type Store interface {
	PersistMessage(ctx context.Context, rec model.MessageRecord) (string, error)
	ListConversation(ctx context.Context, a, b model.Identity, limit int) ([]model.MessageRecord, error)

	PersistCallRecord(ctx context.Context, caller, receiver model.Identity, status model.CallStatus, start time.Time) (string, error)
	UpdateCallRecord(ctx context.Context, id string, end time.Time, duration time.Duration) error
	SetCallStatus(ctx context.Context, id string, status model.CallStatus) error
	ListCalls(ctx context.Context, party model.Identity, limit int) ([]model.CallRecord, error)

	// UpsertUser returns the user owning phoneNumber, creating it first if
	// needed. created reports whether a new row was written.
	UpsertUser(ctx context.Context, username, phoneNumber string) (user model.UserProfile, created bool, err error)
	FetchUserProfile(ctx context.Context, id model.Identity) (model.UserProfile, error)
	ListUsers(ctx context.Context) ([]model.UserProfile, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ClampLimit normalizes a caller-supplied page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// Open builds the store selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory, "":
		log.Info("store_opened", slog.String("driver", config.DriverMemory))
		return NewMemory(), nil
	case config.DriverSQLite:
		s, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("store_opened", slog.String("driver", config.DriverSQLite), slog.String("path", cfg.SQLitePath))
		return s, nil
	case config.DriverPostgres:
		return OpenPostgres(ctx, cfg.DatabaseURL, log)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.StoreDriver)
	}
}

func validateMessage(rec model.MessageRecord) error {
	if rec.SenderID == "" || rec.ReceiverID == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalidInput)
	}
	return nil
}

func validateUser(username, phoneNumber string) (string, string, error) {
	username = strings.TrimSpace(username)
	phoneNumber = strings.TrimSpace(phoneNumber)
	if username == "" || phoneNumber == "" {
		return "", "", fmt.Errorf("%w: username and phoneNumber are required", ErrInvalidInput)
	}
	return username, phoneNumber, nil
}

func validateStatus(status model.CallStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: call status %q", ErrInvalidInput, status)
	}
	return nil
}

func messageTimestamp(rec model.MessageRecord, now time.Time) string {
	if rec.Timestamp != "" {
		return rec.Timestamp
	}
	return now.UTC().Format(time.RFC3339Nano)
}

func nullSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
