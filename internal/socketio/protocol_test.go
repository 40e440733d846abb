package socketio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSocketEventPacket(t *testing.T) {
	pkt, err := parseSocketEventPacket(`2["sendMessage",{"sender_jid":"A"}]`)
	require.NoError(t, err)
	assert.Equal(t, "/", pkt.Namespace)
	assert.Nil(t, pkt.ID)
	assert.Equal(t, "sendMessage", pkt.Event)
	require.Len(t, pkt.Args, 1)
	assert.JSONEq(t, `{"sender_jid":"A"}`, string(pkt.Args[0]))

	pkt, err = parseSocketEventPacket(`2/chat,17["CallEnded","A","B",12]`)
	require.NoError(t, err)
	assert.Equal(t, "/chat", pkt.Namespace)
	require.NotNil(t, pkt.ID)
	assert.Equal(t, 17, *pkt.ID)
	assert.Equal(t, "CallEnded", pkt.Event)
	assert.Len(t, pkt.Args, 3)
}

func TestParseSocketEventPacket_Invalid(t *testing.T) {
	for _, payload := range []string{
		"",
		`0{}`,
		`2{"not":"array"}`,
		`2[]`,
		`2[42]`,
		`2["unterminated"`,
	} {
		_, err := parseSocketEventPacket(payload)
		assert.Error(t, err, payload)
	}
}

func TestBuildSocketEventPacket(t *testing.T) {
	raw := json.RawMessage(`{"message":"hi"}`)
	out, err := buildSocketEventPacket("/", nil, "receiveMessage", raw)
	require.NoError(t, err)
	assert.Equal(t, `2["receiveMessage",{"message":"hi"}]`, out)

	out, err = buildSocketEventPacket("/", nil, "callAccepted")
	require.NoError(t, err)
	assert.Equal(t, `2["callAccepted"]`, out)

	id := 3
	out, err = buildSocketEventPacket("/admin", &id, "CallEnded", int64(9))
	require.NoError(t, err)
	assert.Equal(t, `2/admin,3["CallEnded",9]`, out)
}

func TestBuildControlPackets(t *testing.T) {
	out, err := buildSocketConnectPacket("/", "abc")
	require.NoError(t, err)
	assert.Equal(t, `0{"sid":"abc"}`, out)

	out, err = buildSocketConnectErrorPacket("/", "Missing token")
	require.NoError(t, err)
	assert.Equal(t, `4{"message":"Missing token"}`, out)

	out, err = buildSocketAckPacket("/", 5)
	require.NoError(t, err)
	assert.Equal(t, `35[]`, out)
}
