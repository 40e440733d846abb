package relay

import (
	"context"
	"log/slog"

	"chat-relay/internal/model"
	"chat-relay/internal/presence"
)

const EventReceiveMessage = "receiveMessage"

type Resolver interface {
	Resolve(id model.Identity) (presence.Session, bool)
}

// MessagePersister stores the authoritative copy of a message before it is
// relayed. It is optional; a nil persister means the client saved it already.
type MessagePersister interface {
	PersistMessage(ctx context.Context, rec model.MessageRecord) (string, error)
}

type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeOffline
	OutcomeSendFailed
	OutcomeMalformed
	OutcomeNotPersisted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeOffline:
		return "offline"
	case OutcomeSendFailed:
		return "send_failed"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeNotPersisted:
		return "not_persisted"
	default:
		return "unknown"
	}
}

type BroadcastResult struct {
	Delivered    int
	Offline      int
	Failed       int
	NotPersisted int
}

type Relay struct {
	resolver  Resolver
	persister MessagePersister
	log       *slog.Logger
}

func New(resolver Resolver, persister MessagePersister, log *slog.Logger) *Relay {
	return &Relay{
		resolver:  resolver,
		persister: persister,
		log:       log.With(slog.String("component", "relay")),
	}
}

// Relay forwards env to its receiver's current session, once, with no
// acknowledgement. An offline receiver is not an error. Envelopes with
// neither text nor attachments are dropped, as on the REST save path.
func (r *Relay) Relay(ctx context.Context, env model.Envelope) Outcome {
	if err := env.ValidateContent(); err != nil {
		r.log.Warn("message_dropped", slog.String("reason", err.Error()))
		return OutcomeMalformed
	}
	if !r.persist(ctx, env.Record()) {
		return OutcomeNotPersisted
	}
	return r.forward(env.SenderID, env.ReceiverID, env.Payload())
}

// Broadcast performs the Relay decision independently for every receiver.
func (r *Relay) Broadcast(ctx context.Context, env model.CommunityEnvelope) BroadcastResult {
	var res BroadcastResult
	if err := env.ValidateContent(); err != nil {
		r.log.Warn("community_message_dropped", slog.String("reason", err.Error()))
		return res
	}

	payload := env.Payload()
	for _, receiver := range env.Receivers() {
		if !r.persist(ctx, env.RecordFor(receiver)) {
			res.NotPersisted++
			continue
		}
		switch r.forward(env.SenderID, receiver, payload) {
		case OutcomeDelivered:
			res.Delivered++
		case OutcomeOffline:
			res.Offline++
		default:
			res.Failed++
		}
	}

	r.log.Debug("community_message_relayed",
		slog.String("sender", env.SenderID.String()),
		slog.Int("delivered", res.Delivered),
		slog.Int("offline", res.Offline),
		slog.Int("failed", res.Failed),
		slog.Int("not_persisted", res.NotPersisted),
	)
	return res
}

func (r *Relay) persist(ctx context.Context, rec model.MessageRecord) bool {
	if r.persister == nil {
		return true
	}
	if _, err := r.persister.PersistMessage(ctx, rec); err != nil {
		r.log.Error("message_persist_failed",
			slog.String("sender", rec.SenderID.String()),
			slog.String("receiver", rec.ReceiverID.String()),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

func (r *Relay) forward(sender, receiver model.Identity, payload any) Outcome {
	session, ok := r.resolver.Resolve(receiver)
	if !ok {
		r.log.Debug("receiver_offline", slog.String("sender", sender.String()), slog.String("receiver", receiver.String()))
		return OutcomeOffline
	}
	if err := session.Emit(EventReceiveMessage, payload); err != nil {
		r.log.Warn("message_send_failed",
			slog.String("receiver", receiver.String()),
			slog.String("sid", session.ID()),
			slog.Any("error", err),
		)
		return OutcomeSendFailed
	}
	return OutcomeDelivered
}
