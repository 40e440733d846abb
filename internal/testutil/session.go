// Package testutil provides test doubles shared by the relay packages.
package testutil

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

var ErrSendFailed = errors.New("send failed")

// Emitted is one recorded call to SpySession.Emit.
type Emitted struct {
	Event string
	Args  []any
}

// SpySession is a presence.Session that records every emit.
type SpySession struct {
	SID string

	mu   sync.Mutex
	fail bool
	sent []Emitted
}

func NewSpySession(sid string) *SpySession {
	return &SpySession{SID: sid}
}

func (s *SpySession) ID() string { return s.SID }

func (s *SpySession) Emit(event string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Emitted{Event: event, Args: args})
	if s.fail {
		return ErrSendFailed
	}
	return nil
}

// FailSends makes later Emit calls return ErrSendFailed. Calls are still recorded.
func (s *SpySession) FailSends() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = true
}

func (s *SpySession) Sent() []Emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Emitted(nil), s.sent...)
}

// Events returns only the emitted event names, in order.
func (s *SpySession) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, e := range s.sent {
		out = append(out, e.Event)
	}
	return out
}

// Count returns how many times event was emitted.
func (s *SpySession) Count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sent {
		if e.Event == event {
			n++
		}
	}
	return n
}

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
