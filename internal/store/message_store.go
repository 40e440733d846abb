package store

import (
	"sync"

	"chat-relay/internal/model"
)

// messageStore keeps in-memory messages grouped by conversation.
type messageStore struct {
	mu   sync.RWMutex
	data map[string][]model.MessageRecord
}

func newMessageStore() *messageStore {
	return &messageStore{data: make(map[string][]model.MessageRecord)}
}

// conversationKey is the same for (a, b) and (b, a).
func conversationKey(a, b model.Identity) string {
	if b < a {
		a, b = b, a
	}
	return a.String() + "|" + b.String()
}

func (m *messageStore) append(msg model.MessageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := conversationKey(msg.SenderID, msg.ReceiverID)
	m.data[key] = append(m.data[key], msg)
}

// latest returns up to limit most recent messages, oldest first.
func (m *messageStore) latest(a, b model.Identity, limit int) []model.MessageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.data[conversationKey(a, b)]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.MessageRecord{}, msgs...)
}
