package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"chat-relay/internal/calls"
	"chat-relay/internal/model"
	"chat-relay/internal/presence"
	"chat-relay/internal/relay"
)

const (
	EventRegister              = "register"
	EventSendMessage           = "sendMessage"
	EventSendCommunityMessages = "sendCommunityMessages"
	EventCallIncoming          = "callIncoming"
	EventCallAccepted          = "callAccepted"
	EventCallRejected          = "callRejected"
	EventCancelCall            = "cancelCall"
	EventCallEnded             = "CallEnded"
)

var (
	errNotRegistered = errors.New("session is not registered")
	errSpoofed       = errors.New("acting identity does not match payload")
)

type Limiter interface {
	Allow(key string) bool
	Forget(key string)
}

type Deps struct {
	Presence  *presence.Manager
	Relay     *relay.Relay
	Calls     *calls.Signaling
	Limiter   Limiter
	Logger    *slog.Logger
	Lifecycle context.Context
}

// Gateway turns raw transport events into typed calls on the presence,
// relay and call components. Failures are logged and contained here.
type Gateway struct {
	presence *presence.Manager
	relay    *relay.Relay
	calls    *calls.Signaling
	limiter  Limiter
	log      *slog.Logger
}

func New(deps Deps) *Gateway {
	g := &Gateway{
		presence: deps.Presence,
		relay:    deps.Relay,
		calls:    deps.Calls,
		limiter:  deps.Limiter,
		log:      deps.Logger.With(slog.String("component", "gateway")),
	}
	ctx := deps.Lifecycle
	if ctx == nil {
		ctx = context.Background()
	}
	g.presence.OnDisconnect(func(id model.Identity) {
		g.calls.Disconnect(ctx, id)
	})
	return g
}

func (g *Gateway) Open(s presence.Session, subject model.Identity) {
	g.presence.Connect(s, subject)
}

func (g *Gateway) Close(s presence.Session) {
	g.presence.Disconnect(s)
	if g.limiter != nil {
		g.limiter.Forget(s.ID())
	}
}

func (g *Gateway) Online(id model.Identity) bool {
	_, ok := g.presence.Registry().Resolve(id)
	return ok
}

func (g *Gateway) OnlineCount() int {
	return g.presence.Registry().Online()
}

// Handle processes one inbound event. It never returns an error: every
// failure is local to this event.
func (g *Gateway) Handle(ctx context.Context, s presence.Session, event string, args []json.RawMessage) {
	if g.limiter != nil && !g.limiter.Allow(s.ID()) {
		g.log.Warn("event_throttled", slog.String("sid", s.ID()), slog.String("event", event))
		return
	}

	var err error
	switch event {
	case EventRegister:
		err = g.handleRegister(s, args)
	case EventSendMessage:
		err = g.handleSendMessage(ctx, s, args)
	case EventSendCommunityMessages:
		err = g.handleCommunityMessage(ctx, s, args)
	case EventCallIncoming:
		err = g.handleCallIncoming(ctx, s, args)
	case EventCallAccepted:
		err = g.handleCallAnswer(ctx, s, args, true)
	case EventCallRejected:
		err = g.handleCallAnswer(ctx, s, args, false)
	case EventCancelCall:
		err = g.handleCancelCall(ctx, s, args)
	case EventCallEnded:
		err = g.handleCallEnded(ctx, s, args)
	default:
		g.log.Debug("event_ignored", slog.String("sid", s.ID()), slog.String("event", event))
		return
	}

	if err != nil {
		g.log.Warn("event_dropped",
			slog.String("sid", s.ID()),
			slog.String("event", event),
			slog.String("reason", err.Error()),
		)
	}
}

func (g *Gateway) handleRegister(s presence.Session, args []json.RawMessage) error {
	if len(args) < 1 {
		return model.ErrMissingArguments
	}
	id, err := model.DecodeIdentity(args[0])
	if err != nil {
		return err
	}
	// rejection is already logged by the presence manager
	_ = g.presence.Register(s, id)
	return nil
}

func (g *Gateway) actor(s presence.Session) (model.Identity, error) {
	id, ok := g.presence.IdentityOf(s)
	if !ok {
		return "", errNotRegistered
	}
	return id, nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, s presence.Session, args []json.RawMessage) error {
	actor, err := g.actor(s)
	if err != nil {
		return err
	}
	if len(args) < 1 {
		return model.ErrMissingArguments
	}
	env, err := model.DecodeEnvelope(args[0])
	if err != nil {
		return err
	}
	if env.SenderID != "" && env.SenderID != actor {
		return errSpoofed
	}
	out := g.relay.Relay(ctx, env)
	g.log.Debug("message_relayed",
		slog.String("sender", env.SenderID.String()),
		slog.String("receiver", env.ReceiverID.String()),
		slog.String("outcome", out.String()),
	)
	return nil
}

func (g *Gateway) handleCommunityMessage(ctx context.Context, s presence.Session, args []json.RawMessage) error {
	actor, err := g.actor(s)
	if err != nil {
		return err
	}
	if len(args) < 1 {
		return model.ErrMissingArguments
	}
	env, err := model.DecodeCommunityEnvelope(args[0])
	if err != nil {
		return err
	}
	if env.SenderID != "" && env.SenderID != actor {
		return errSpoofed
	}
	g.relay.Broadcast(ctx, env)
	return nil
}

func (g *Gateway) handleCallIncoming(ctx context.Context, s presence.Session, args []json.RawMessage) error {
	actor, err := g.actor(s)
	if err != nil {
		return err
	}
	offer, err := model.DecodeCallOffer(args)
	if err != nil {
		return err
	}
	if offer.CallerID != "" && offer.CallerID != actor {
		return errSpoofed
	}
	_, err = g.calls.Incoming(ctx, offer)
	return err
}

func (g *Gateway) handleCallAnswer(ctx context.Context, s presence.Session, args []json.RawMessage, accept bool) error {
	actor, err := g.actor(s)
	if err != nil {
		return err
	}
	if len(args) < 1 {
		return model.ErrMissingArguments
	}
	caller, err := model.DecodeIdentity(args[0])
	if err != nil {
		return err
	}
	if caller == "" {
		return model.ErrMissingCaller
	}
	if accept {
		return g.calls.Accept(ctx, actor, caller)
	}
	return g.calls.Reject(ctx, actor, caller)
}

func (g *Gateway) handleCancelCall(ctx context.Context, s presence.Session, args []json.RawMessage) error {
	actor, err := g.actor(s)
	if err != nil {
		return err
	}
	c, err := model.DecodeCallCancel(args)
	if err != nil {
		return err
	}
	if c.ReceiverID == "" {
		return model.ErrMissingReceiver
	}
	if c.CallerID != "" && c.CallerID != actor {
		return errSpoofed
	}
	return g.calls.Cancel(ctx, actor, c.ReceiverID)
}

func (g *Gateway) handleCallEnded(ctx context.Context, s presence.Session, args []json.RawMessage) error {
	actor, err := g.actor(s)
	if err != nil {
		return err
	}
	end, err := model.DecodeCallEnd(args)
	if err != nil {
		return err
	}
	if end.CutTo == "" {
		return model.ErrMissingReceiver
	}
	if end.CutBy != "" && end.CutBy != actor {
		return errSpoofed
	}
	return g.calls.End(ctx, actor, end.CutTo, time.Duration(end.Elapsed)*time.Second)
}
