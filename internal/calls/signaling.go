package calls

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chat-relay/internal/model"
	"chat-relay/internal/presence"
)

const (
	EventIncomingCall = "incomingCall"
	EventCallAccepted = "callAccepted"
	EventCallRejected = "callRejected"
	EventCancelCall   = "cancelCall"
	EventCallEnded    = "CallEnded"
)

var (
	ErrNoCall            = errors.New("no call in progress")
	ErrInvalidTransition = errors.New("invalid call transition")
)

type State int

const (
	StateInitiated State = iota
	StateRinging
	StateAccepted
	StateRejected
	StateCancelled
	StateEnded
	StateMissed
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateRinging:
		return "ringing"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	case StateEnded:
		return "ended"
	case StateMissed:
		return "missed"
	default:
		return "unknown"
	}
}

type Resolver interface {
	Resolve(id model.Identity) (presence.Session, bool)
}

// Recorder keeps the external call log. The state machine never reads it back.
type Recorder interface {
	PersistCallRecord(ctx context.Context, caller, receiver model.Identity, status model.CallStatus, start time.Time) (string, error)
	UpdateCallRecord(ctx context.Context, id string, end time.Time, duration time.Duration) error
	SetCallStatus(ctx context.Context, id string, status model.CallStatus) error
}

type Options struct {
	// DisconnectCleanup closes in-flight calls of an identity that goes
	// offline and notifies the other party.
	DisconnectCleanup bool
	Now               func() time.Time
}

type callKey struct {
	caller   model.Identity
	receiver model.Identity
}

type call struct {
	key        callKey
	state      State
	recordID   string
	startedAt  time.Time
	acceptedAt time.Time
}

// Signaling tracks in-flight call attempts keyed by (caller, receiver) and
// relays each transition to the other party's current session.
type Signaling struct {
	resolver Resolver
	records  Recorder
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	calls   map[callKey]*call
	byParty map[model.Identity]map[callKey]struct{}
}

func New(resolver Resolver, records Recorder, opts Options, log *slog.Logger) *Signaling {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Signaling{
		resolver: resolver,
		records:  records,
		opts:     opts,
		log:      log.With(slog.String("component", "calls")),
		calls:    make(map[callKey]*call),
		byParty:  make(map[model.Identity]map[callKey]struct{}),
	}
}

// Incoming starts a call attempt. An unreachable receiver is logged as a
// missed call and never rings. A ringing attempt for the same pair is
// superseded; an accepted one is left alone and the redial is refused.
func (s *Signaling) Incoming(ctx context.Context, offer model.CallOffer) (State, error) {
	if err := offer.Validate(); err != nil {
		return StateInitiated, err
	}
	now := s.opts.Now()
	key := callKey{caller: offer.CallerID, receiver: offer.ReceiverID}

	s.mu.Lock()
	live := s.liveLocked(key)
	s.mu.Unlock()
	if live {
		return StateInitiated, ErrInvalidTransition
	}

	session, ok := s.resolver.Resolve(offer.ReceiverID)
	if !ok {
		s.persist(ctx, key, model.CallMissed, now)
		s.log.Info("call_missed", slog.String("caller", key.caller.String()), slog.String("receiver", key.receiver.String()))
		return StateMissed, nil
	}

	c := &call{key: key, state: StateRinging, startedAt: now}
	c.recordID = s.persist(ctx, key, model.CallRinging, now)

	s.mu.Lock()
	if s.liveLocked(key) {
		// accepted while the record was being written
		s.mu.Unlock()
		s.setStatus(ctx, c.recordID, model.CallCancelled)
		return StateInitiated, ErrInvalidTransition
	}
	stale := s.calls[key]
	if stale != nil {
		s.untrackLocked(stale)
	}
	s.trackLocked(c)
	s.mu.Unlock()

	if stale != nil {
		s.setStatus(ctx, stale.recordID, model.CallCancelled)
		s.log.Info("call_superseded", slog.String("caller", key.caller.String()), slog.String("receiver", key.receiver.String()))
	}

	if err := session.Emit(EventIncomingCall, offer); err != nil {
		s.mu.Lock()
		if s.calls[key] == c {
			s.untrackLocked(c)
		}
		s.mu.Unlock()
		s.setStatus(ctx, c.recordID, model.CallMissed)
		s.log.Warn("call_ring_failed",
			slog.String("caller", key.caller.String()),
			slog.String("receiver", key.receiver.String()),
			slog.Any("error", err),
		)
		return StateMissed, nil
	}

	s.log.Info("call_ringing", slog.String("caller", key.caller.String()), slog.String("receiver", key.receiver.String()))
	return StateRinging, nil
}

// Accept is sent by the receiver of a ringing call.
func (s *Signaling) Accept(ctx context.Context, receiver, caller model.Identity) error {
	key := callKey{caller: caller, receiver: receiver}

	s.mu.Lock()
	c, err := s.transitionLocked(key, StateRinging, StateAccepted)
	if err == nil {
		c.acceptedAt = s.opts.Now()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.setStatus(ctx, c.recordID, model.CallAccepted)
	s.notify(caller, EventCallAccepted)
	return nil
}

// Reject is sent by the receiver of a ringing call.
func (s *Signaling) Reject(ctx context.Context, receiver, caller model.Identity) error {
	key := callKey{caller: caller, receiver: receiver}

	s.mu.Lock()
	c, err := s.transitionLocked(key, StateRinging, StateRejected)
	if err == nil {
		s.untrackLocked(c)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.setStatus(ctx, c.recordID, model.CallRejected)
	s.notify(caller, EventCallRejected)
	return nil
}

// Cancel is sent by the caller before the receiver has answered.
func (s *Signaling) Cancel(ctx context.Context, caller, receiver model.Identity) error {
	key := callKey{caller: caller, receiver: receiver}

	s.mu.Lock()
	c, err := s.transitionLocked(key, StateRinging, StateCancelled)
	if err == nil {
		s.untrackLocked(c)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.setStatus(ctx, c.recordID, model.CallCancelled)
	s.notify(receiver, EventCancelCall)
	return nil
}

// End closes an accepted call between by and to, in either direction. The
// caller of End is locally done whether or not the peer is reachable.
func (s *Signaling) End(ctx context.Context, by, to model.Identity, elapsed time.Duration) error {
	s.mu.Lock()
	c, err := s.acceptedBetweenLocked(by, to)
	if err == nil {
		c.state = StateEnded
		s.untrackLocked(c)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.finish(ctx, c, elapsed)
	s.notify(to, EventCallEnded, int64(elapsed/time.Second))
	return nil
}

// Disconnect closes every in-flight call involving id. Ringing calls become
// cancelled, accepted calls end with the server-measured duration.
func (s *Signaling) Disconnect(ctx context.Context, id model.Identity) {
	if !s.opts.DisconnectCleanup {
		return
	}

	s.mu.Lock()
	var closing []*call
	for key := range s.byParty[id] {
		c := s.calls[key]
		if c == nil {
			continue
		}
		closing = append(closing, c)
	}
	for _, c := range closing {
		s.untrackLocked(c)
	}
	s.mu.Unlock()

	now := s.opts.Now()
	for _, c := range closing {
		other := c.key.receiver
		if other == id {
			other = c.key.caller
		}
		switch c.state {
		case StateAccepted:
			elapsed := now.Sub(c.acceptedAt).Truncate(time.Second)
			c.state = StateEnded
			s.finish(ctx, c, elapsed)
			s.notify(other, EventCallEnded, int64(elapsed/time.Second))
		default:
			c.state = StateCancelled
			s.setStatus(ctx, c.recordID, model.CallCancelled)
			s.notify(other, EventCancelCall)
		}
		s.log.Info("call_closed_on_disconnect",
			slog.String("identity", id.String()),
			slog.String("other", other.String()),
			slog.String("state", c.state.String()),
		)
	}
}

func (s *Signaling) Lookup(caller, receiver model.Identity) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callKey{caller: caller, receiver: receiver}]
	if !ok {
		return StateInitiated, false
	}
	return c.state, true
}

func (s *Signaling) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// liveLocked reports whether the pair already has an accepted call in progress.
func (s *Signaling) liveLocked(key callKey) bool {
	c, ok := s.calls[key]
	return ok && c.state == StateAccepted
}

// acceptedBetweenLocked finds the accepted call between a and b in either
// direction. Each pair key can hold its own attempt, so both are checked.
func (s *Signaling) acceptedBetweenLocked(a, b model.Identity) (*call, error) {
	err := ErrNoCall
	for _, key := range []callKey{{caller: a, receiver: b}, {caller: b, receiver: a}} {
		c, ok := s.calls[key]
		if !ok {
			continue
		}
		if c.state == StateAccepted {
			return c, nil
		}
		err = ErrInvalidTransition
	}
	return nil, err
}

func (s *Signaling) transitionLocked(key callKey, from, to State) (*call, error) {
	c, ok := s.calls[key]
	if !ok {
		return nil, ErrNoCall
	}
	if c.state != from {
		return nil, ErrInvalidTransition
	}
	c.state = to
	return c, nil
}

func (s *Signaling) trackLocked(c *call) {
	s.calls[c.key] = c
	for _, id := range []model.Identity{c.key.caller, c.key.receiver} {
		set := s.byParty[id]
		if set == nil {
			set = make(map[callKey]struct{})
			s.byParty[id] = set
		}
		set[c.key] = struct{}{}
	}
}

func (s *Signaling) untrackLocked(c *call) {
	delete(s.calls, c.key)
	for _, id := range []model.Identity{c.key.caller, c.key.receiver} {
		set := s.byParty[id]
		if set == nil {
			continue
		}
		delete(set, c.key)
		if len(set) == 0 {
			delete(s.byParty, id)
		}
	}
}

// notify performs the single resolve + emit of a transition. An unreachable
// peer is dropped; nothing is queued.
func (s *Signaling) notify(to model.Identity, event string, args ...any) {
	session, ok := s.resolver.Resolve(to)
	if !ok {
		s.log.Debug("call_event_dropped", slog.String("event", event), slog.String("to", to.String()))
		return
	}
	if err := session.Emit(event, args...); err != nil {
		s.log.Warn("call_event_send_failed",
			slog.String("event", event),
			slog.String("to", to.String()),
			slog.String("sid", session.ID()),
			slog.Any("error", err),
		)
	}
}

func (s *Signaling) persist(ctx context.Context, key callKey, status model.CallStatus, start time.Time) string {
	if s.records == nil {
		return ""
	}
	id, err := s.records.PersistCallRecord(ctx, key.caller, key.receiver, status, start)
	if err != nil {
		s.log.Error("call_record_persist_failed",
			slog.String("caller", key.caller.String()),
			slog.String("receiver", key.receiver.String()),
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
		return ""
	}
	return id
}

func (s *Signaling) setStatus(ctx context.Context, recordID string, status model.CallStatus) {
	if s.records == nil || recordID == "" {
		return
	}
	if err := s.records.SetCallStatus(ctx, recordID, status); err != nil {
		s.log.Error("call_record_status_failed", slog.String("record", recordID), slog.String("status", string(status)), slog.Any("error", err))
	}
}

func (s *Signaling) finish(ctx context.Context, c *call, elapsed time.Duration) {
	if s.records == nil || c.recordID == "" {
		return
	}
	if err := s.records.UpdateCallRecord(ctx, c.recordID, s.opts.Now(), elapsed); err != nil {
		s.log.Error("call_record_update_failed", slog.String("record", c.recordID), slog.Any("error", err))
	}
}
