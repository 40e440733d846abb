package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/model"
	"chat-relay/internal/presence"
	"chat-relay/internal/testutil"
)

type recordingPersister struct {
	mu   sync.Mutex
	recs []model.MessageRecord
	err  error
}

func (p *recordingPersister) PersistMessage(_ context.Context, rec model.MessageRecord) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.recs = append(p.recs, rec)
	return "rec-1", nil
}

func decode(t *testing.T, raw string) model.Envelope {
	t.Helper()
	env, err := model.DecodeEnvelope(json.RawMessage(raw))
	require.NoError(t, err)
	return env
}

func TestRelay_ForwardsUnchangedEnvelope(t *testing.T) {
	reg := presence.NewRegistry()
	b := testutil.NewSpySession("b")
	require.NoError(t, reg.Register("B", b))

	raw := `{"sender_jid":"A","receiver_jid":"B","message":"hi","fileUrls":["u1"],"fileTypes":["image"],"oneTime":true,"timestamp":"2025-01-01T00:00:00Z","extra":{"k":1}}`
	r := New(reg, nil, testutil.DiscardLogger())

	out := r.Relay(context.Background(), decode(t, raw))
	assert.Equal(t, OutcomeDelivered, out)

	sent := b.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, EventReceiveMessage, sent[0].Event)
	require.Len(t, sent[0].Args, 1)
	forwarded, ok := sent[0].Args[0].(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, raw, string(forwarded))
}

func TestRelay_OfflineReceiverNoForward(t *testing.T) {
	reg := presence.NewRegistry()
	other := testutil.NewSpySession("c")
	require.NoError(t, reg.Register("C", other))

	r := New(reg, nil, testutil.DiscardLogger())
	out := r.Relay(context.Background(), decode(t, `{"sender_jid":"A","receiver_jid":"B","message":"hi","timestamp":"t"}`))

	assert.Equal(t, OutcomeOffline, out)
	assert.Empty(t, other.Sent())
}

func TestRelay_MalformedEnvelopeDropped(t *testing.T) {
	reg := presence.NewRegistry()
	b := testutil.NewSpySession("b")
	require.NoError(t, reg.Register("B", b))
	p := &recordingPersister{}
	r := New(reg, p, testutil.DiscardLogger())

	assert.Equal(t, OutcomeMalformed, r.Relay(context.Background(), decode(t, `{"receiver_jid":"B","message":"x"}`)))
	assert.Equal(t, OutcomeMalformed, r.Relay(context.Background(), decode(t, `{"sender_jid":"A","message":"x"}`)))
	assert.Equal(t, OutcomeMalformed, r.Relay(context.Background(), decode(t, `{"sender_jid":"A","receiver_jid":"B","fileUrls":["a","b"],"fileTypes":["image"]}`)))
	assert.Equal(t, OutcomeMalformed, r.Relay(context.Background(), decode(t, `{"sender_jid":"A","receiver_jid":"B"}`)))
	assert.Equal(t, OutcomeMalformed, r.Relay(context.Background(), decode(t, `{"sender_jid":"A","receiver_jid":"B","message":""}`)))

	assert.Empty(t, b.Sent())
	assert.Empty(t, p.recs)
}

func TestRelay_SendFailureTreatedAsUndelivered(t *testing.T) {
	reg := presence.NewRegistry()
	b := testutil.NewSpySession("b")
	b.FailSends()
	require.NoError(t, reg.Register("B", b))

	r := New(reg, nil, testutil.DiscardLogger())
	out := r.Relay(context.Background(), decode(t, `{"sender_jid":"A","receiver_jid":"B","message":"hi"}`))
	assert.Equal(t, OutcomeSendFailed, out)
	assert.Len(t, b.Sent(), 1)
}

func TestRelay_StoreThenRelay(t *testing.T) {
	reg := presence.NewRegistry()
	b := testutil.NewSpySession("b")
	require.NoError(t, reg.Register("B", b))

	p := &recordingPersister{}
	r := New(reg, p, testutil.DiscardLogger())
	require.Equal(t, OutcomeDelivered, r.Relay(context.Background(), decode(t, `{"sender_jid":"A","receiver_jid":"B","message":"hi"}`)))
	require.Len(t, p.recs, 1)
	assert.Equal(t, "hi", p.recs[0].Text)

	// offline receivers are still persisted
	require.Equal(t, OutcomeOffline, r.Relay(context.Background(), decode(t, `{"sender_jid":"A","receiver_jid":"Z","message":"later"}`)))
	assert.Len(t, p.recs, 2)

	p.err = errors.New("db down")
	assert.Equal(t, OutcomeNotPersisted, r.Relay(context.Background(), decode(t, `{"sender_jid":"A","receiver_jid":"B","message":"lost"}`)))
	assert.Len(t, b.Sent(), 1)
}

func TestBroadcast_MixedReceivers(t *testing.T) {
	reg := presence.NewRegistry()
	b := testutil.NewSpySession("b")
	c := testutil.NewSpySession("c")
	require.NoError(t, reg.Register("B", b))
	require.NoError(t, reg.Register("C", c))

	raw := `{"sender_jid":"A","receiver_jids":["B","C","D"],"message":"hello all","timestamp":"t"}`
	env, err := model.DecodeCommunityEnvelope(json.RawMessage(raw))
	require.NoError(t, err)

	r := New(reg, nil, testutil.DiscardLogger())
	res := r.Broadcast(context.Background(), env)

	assert.Equal(t, BroadcastResult{Delivered: 2, Offline: 1}, res)
	assert.Equal(t, 1, b.Count(EventReceiveMessage))
	assert.Equal(t, 1, c.Count(EventReceiveMessage))
	forwarded, ok := b.Sent()[0].Args[0].(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, raw, string(forwarded))
}

func TestBroadcast_DuplicateReceiversDeliveredOnce(t *testing.T) {
	reg := presence.NewRegistry()
	b := testutil.NewSpySession("b")
	require.NoError(t, reg.Register("B", b))

	env, err := model.DecodeCommunityEnvelope(json.RawMessage(`{"sender_jid":"A","receiver_jids":["B","B",""],"message":"x"}`))
	require.NoError(t, err)

	res := New(reg, nil, testutil.DiscardLogger()).Broadcast(context.Background(), env)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, b.Count(EventReceiveMessage))
}

func TestBroadcast_PartialFailureIsIndependent(t *testing.T) {
	reg := presence.NewRegistry()
	b := testutil.NewSpySession("b")
	c := testutil.NewSpySession("c")
	b.FailSends()
	require.NoError(t, reg.Register("B", b))
	require.NoError(t, reg.Register("C", c))

	env, err := model.DecodeCommunityEnvelope(json.RawMessage(`{"sender_jid":"A","receiver_jids":["B","C"],"message":"x"}`))
	require.NoError(t, err)

	p := &recordingPersister{}
	res := New(reg, p, testutil.DiscardLogger()).Broadcast(context.Background(), env)
	assert.Equal(t, BroadcastResult{Delivered: 1, Failed: 1}, res)
	require.Len(t, p.recs, 2)
	assert.ElementsMatch(t, []model.Identity{"B", "C"}, []model.Identity{p.recs[0].ReceiverID, p.recs[1].ReceiverID})
}

func TestBroadcast_EmptyReceiverSet(t *testing.T) {
	env, err := model.DecodeCommunityEnvelope(json.RawMessage(`{"sender_jid":"A","receiver_jids":[],"message":"x"}`))
	require.NoError(t, err)
	res := New(presence.NewRegistry(), nil, testutil.DiscardLogger()).Broadcast(context.Background(), env)
	assert.Equal(t, BroadcastResult{}, res)
}

func TestBroadcast_EmptyContentIsDropped(t *testing.T) {
	reg := presence.NewRegistry()
	b := testutil.NewSpySession("b")
	require.NoError(t, reg.Register("B", b))
	p := &recordingPersister{}

	env, err := model.DecodeCommunityEnvelope(json.RawMessage(`{"sender_jid":"A","receiver_jids":["B","C"],"message":""}`))
	require.NoError(t, err)
	res := New(reg, p, testutil.DiscardLogger()).Broadcast(context.Background(), env)

	assert.Equal(t, BroadcastResult{}, res)
	assert.Empty(t, b.Sent())
	assert.Empty(t, p.recs)
}
