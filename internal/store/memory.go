package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-relay/internal/model"
)

// Memory is the default Store. Nothing survives a restart.
type Memory struct {
	mu sync.RWMutex

	usersByID     map[model.Identity]model.UserProfile
	userIDByPhone map[string]model.Identity

	callsByID map[string]model.CallRecord

	messages *messageStore
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		usersByID:     make(map[model.Identity]model.UserProfile),
		userIDByPhone: make(map[string]model.Identity),
		callsByID:     make(map[string]model.CallRecord),
		messages:      newMessageStore(),
		now:           time.Now,
	}
}

func (s *Memory) PersistMessage(_ context.Context, rec model.MessageRecord) (string, error) {
	if err := validateMessage(rec); err != nil {
		return "", err
	}
	now := s.now()
	rec.ID = uuid.NewString()
	rec.Timestamp = messageTimestamp(rec, now)
	rec.FileURLs = nullSlice(rec.FileURLs)
	rec.FileTypes = nullSlice(rec.FileTypes)
	rec.CreatedAt = now.UnixMilli()
	s.messages.append(rec)
	return rec.ID, nil
}

func (s *Memory) ListConversation(_ context.Context, a, b model.Identity, limit int) ([]model.MessageRecord, error) {
	return s.messages.latest(a, b, ClampLimit(limit)), nil
}

func (s *Memory) PersistCallRecord(_ context.Context, caller, receiver model.Identity, status model.CallStatus, start time.Time) (string, error) {
	if caller == "" || receiver == "" {
		return "", fmt.Errorf("%w: caller and receiver are required", ErrInvalidInput)
	}
	if err := validateStatus(status); err != nil {
		return "", err
	}

	rec := model.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   caller,
		ReceiverID: receiver,
		CallType:   "voice",
		Status:     status,
		StartedAt:  start.UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.callsByID[rec.ID] = rec
	return rec.ID, nil
}

func (s *Memory) UpdateCallRecord(_ context.Context, id string, end time.Time, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.callsByID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = model.CallEnded
	rec.EndedAt = end.UnixMilli()
	rec.DurationSeconds = int64(duration / time.Second)
	s.callsByID[id] = rec
	return nil
}

func (s *Memory) SetCallStatus(_ context.Context, id string, status model.CallStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.callsByID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	s.callsByID[id] = rec
	return nil
}

func (s *Memory) ListCalls(_ context.Context, party model.Identity, limit int) ([]model.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.CallRecord, 0)
	for _, rec := range s.callsByID {
		if rec.CallerID == party || rec.ReceiverID == party {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt > result[j].StartedAt })
	if limit = ClampLimit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Memory) UpsertUser(_ context.Context, username, phoneNumber string) (model.UserProfile, bool, error) {
	username, phoneNumber, err := validateUser(username, phoneNumber)
	if err != nil {
		return model.UserProfile{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.userIDByPhone[phoneNumber]; ok {
		return s.usersByID[id], false, nil
	}

	now := s.now().UnixMilli()
	user := model.UserProfile{
		ID:          model.Identity(uuid.NewString()),
		Username:    username,
		PhoneNumber: phoneNumber,
		About:       model.DefaultAbout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.usersByID[user.ID] = user
	s.userIDByPhone[phoneNumber] = user.ID
	return user, true, nil
}

func (s *Memory) FetchUserProfile(_ context.Context, id model.Identity) (model.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByID[id]
	if !ok {
		return model.UserProfile{}, ErrNotFound
	}
	return user, nil
}

func (s *Memory) ListUsers(_ context.Context) ([]model.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.UserProfile, 0, len(s.usersByID))
	for _, user := range s.usersByID {
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *Memory) Ping(context.Context) error { return nil }

func (s *Memory) Close() error { return nil }
