package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/model"
	"chat-relay/internal/testutil"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStore_Users(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			alice, created, err := s.UpsertUser(ctx, " alice ", "+100")
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "alice", alice.Username)
			assert.Equal(t, model.DefaultAbout, alice.About)
			assert.NotEmpty(t, alice.ID)

			again, created, err := s.UpsertUser(ctx, "alice2", "+100")
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, alice.ID, again.ID)
			assert.Equal(t, "alice", again.Username)

			_, _, err = s.UpsertUser(ctx, "bob", "+200")
			require.NoError(t, err)

			got, err := s.FetchUserProfile(ctx, alice.ID)
			require.NoError(t, err)
			assert.Equal(t, alice, got)

			_, err = s.FetchUserProfile(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			users, err := s.ListUsers(ctx)
			require.NoError(t, err)
			assert.Len(t, users, 2)

			_, _, err = s.UpsertUser(ctx, "", "+300")
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestStore_Messages(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			for i, text := range []string{"one", "two", "three"} {
				sender, receiver := model.Identity("A"), model.Identity("B")
				if i == 1 {
					sender, receiver = receiver, sender
				}
				id, err := s.PersistMessage(ctx, model.MessageRecord{
					SenderID:   sender,
					ReceiverID: receiver,
					Text:       text,
					FileURLs:   []string{"u" + text},
					FileTypes:  []string{"image"},
					Timestamp:  "2025-01-01T00:00:00Z",
				})
				require.NoError(t, err)
				assert.NotEmpty(t, id)
			}
			_, err := s.PersistMessage(ctx, model.MessageRecord{SenderID: "A", ReceiverID: "C", Text: "other"})
			require.NoError(t, err)

			msgs, err := s.ListConversation(ctx, "B", "A", 0)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, []string{"one", "two", "three"}, []string{msgs[0].Text, msgs[1].Text, msgs[2].Text})
			assert.Equal(t, []string{"utwo"}, msgs[1].FileURLs)
			assert.Equal(t, model.Identity("B"), msgs[1].SenderID)

			latest, err := s.ListConversation(ctx, "A", "B", 2)
			require.NoError(t, err)
			require.Len(t, latest, 2)
			assert.Equal(t, "two", latest[0].Text)
			assert.Equal(t, "three", latest[1].Text)

			_, err = s.PersistMessage(ctx, model.MessageRecord{SenderID: "A"})
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestStore_CallRecords(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

			first, err := s.PersistCallRecord(ctx, "A", "B", model.CallRinging, start)
			require.NoError(t, err)
			require.NoError(t, s.SetCallStatus(ctx, first, model.CallAccepted))
			require.NoError(t, s.UpdateCallRecord(ctx, first, start.Add(time.Minute), 55*time.Second))

			second, err := s.PersistCallRecord(ctx, "C", "A", model.CallMissed, start.Add(time.Hour))
			require.NoError(t, err)
			_, err = s.PersistCallRecord(ctx, "B", "C", model.CallMissed, start)
			require.NoError(t, err)

			calls, err := s.ListCalls(ctx, "A", 10)
			require.NoError(t, err)
			require.Len(t, calls, 2)
			assert.Equal(t, second, calls[0].ID)
			assert.Equal(t, model.CallMissed, calls[0].Status)

			ended := calls[1]
			assert.Equal(t, first, ended.ID)
			assert.Equal(t, model.CallEnded, ended.Status)
			assert.Equal(t, int64(55), ended.DurationSeconds)
			assert.Equal(t, start.Add(time.Minute).UnixMilli(), ended.EndedAt)
			assert.Equal(t, model.Identity("A"), ended.CallerID)

			assert.ErrorIs(t, s.SetCallStatus(ctx, "missing", model.CallCancelled), ErrNotFound)
			assert.ErrorIs(t, s.UpdateCallRecord(ctx, "missing", start, time.Second), ErrNotFound)
			assert.ErrorIs(t, s.SetCallStatus(ctx, first, model.CallStatus("bogus")), ErrInvalidInput)
		})
	}
}

func TestCachedStore_FallsThroughWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := NewCachedStore(NewMemory(), client, time.Minute, testutil.DiscardLogger())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	user, created, err := s.UpsertUser(ctx, "alice", "+100")
	require.NoError(t, err)
	assert.True(t, created)

	got, err := s.FetchUserProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	_, err = s.FetchUserProfile(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ClampLimit(0))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxListLimit, ClampLimit(MaxListLimit+1))
}

func TestPgx5DSN(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h/db", pgx5DSN("postgres://u:p@h/db"))
	assert.Equal(t, "pgx5://u:p@h/db", pgx5DSN("postgresql://u:p@h/db"))
	assert.Equal(t, "pgx5://h/db", pgx5DSN("pgx5://h/db"))
}
