package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePacket(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		engine    EngineType
		socket    SocketType
		namespace string
		ackID     int
		data      string
	}{
		{name: "open", frame: `0{"sid":"abc"}`, engine: EngineOpen, namespace: "/", ackID: -1, data: `{"sid":"abc"}`},
		{name: "ping", frame: `2`, engine: EnginePing, namespace: "/", ackID: -1, data: ``},
		{name: "connect ack", frame: `40{"sid":"x"}`, engine: EngineMessage, socket: SocketConnect, namespace: "/", ackID: -1, data: `{"sid":"x"}`},
		{name: "event", frame: `42["nova_entrega",{}]`, engine: EngineMessage, socket: SocketEvent, namespace: "/", ackID: -1, data: `["nova_entrega",{}]`},
		{name: "event with namespace and ack", frame: `42/admin,13["a"]`, engine: EngineMessage, socket: SocketEvent, namespace: "/admin", ackID: 13, data: `["a"]`},
		{name: "namespace only", frame: `41/admin`, engine: EngineMessage, socket: SocketDisconnect, namespace: "/admin", ackID: -1, data: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePacket([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.engine, p.Engine)
			assert.Equal(t, tt.socket, p.Socket)
			assert.Equal(t, tt.namespace, p.Namespace)
			assert.Equal(t, tt.ackID, p.AckID)
			assert.Equal(t, tt.data, string(p.Data))
		})
	}
}

func TestDecodePacket_Errors(t *testing.T) {
	for _, frame := range []string{"", "9", "4", "49", `451-["a"]`} {
		_, err := DecodePacket([]byte(frame))
		assert.Error(t, err, "frame %q", frame)
	}

	_, err := DecodePacket([]byte(`451-["a",{"_placeholder":true,"num":0}]`))
	assert.ErrorIs(t, err, ErrBinaryUnsupported)
}

func TestPacket_Event(t *testing.T) {
	p, err := DecodePacket([]byte(`42["notificacao_entrega",{"msg":"hi"}]`))
	require.NoError(t, err)

	name, args, err := p.Event()
	require.NoError(t, err)
	assert.Equal(t, "notificacao_entrega", name)
	require.Len(t, args, 1)
	assert.JSONEq(t, `{"msg":"hi"}`, string(args[0]))

	ping, err := DecodePacket([]byte("2"))
	require.NoError(t, err)
	_, _, err = ping.Event()
	assert.ErrorIs(t, err, ErrNotEvent)
}

func TestEncode(t *testing.T) {
	b, err := EncodeConnect("/", map[string]string{"token": "t"})
	require.NoError(t, err)
	assert.Equal(t, `40{"token":"t"}`, string(b))

	b, err = EncodeConnect("/admin", nil)
	require.NoError(t, err)
	assert.Equal(t, `40/admin`, string(b))

	b, err = EncodeEvent("/", "nova_entrega", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, `42["nova_entrega",{"x":1}]`, string(b))

	assert.Equal(t, "3", string(Pong(nil)))
	assert.Equal(t, "3probe", string(Pong([]byte("probe"))))
}

func TestEncodeEvent_RoundTrip(t *testing.T) {
	b, err := EncodeEvent("/ops", "ping", "a", 2)
	require.NoError(t, err)

	p, err := DecodePacket(b)
	require.NoError(t, err)
	assert.Equal(t, "/ops", p.Namespace)

	name, args, err := p.Event()
	require.NoError(t, err)
	assert.Equal(t, "ping", name)
	assert.Len(t, args, 2)
}
