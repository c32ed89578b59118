package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func args(t *testing.T, raw ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out
}

func TestDecodeEvent_NewDelivery(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ev, err := DecodeEvent(TopicNewDelivery, args(t, `{"notificacao":{"_id":"n1","titulo":"Nova entrega","lida":false}}`), now)
	require.NoError(t, err)

	nd, ok := ev.(NewDelivery)
	require.True(t, ok)
	require.NotNil(t, nd.Notification)
	assert.Equal(t, "n1", nd.Notification.ID)
	assert.Equal(t, models.KindDelivery, nd.Notification.Kind)
	assert.Equal(t, "Nova entrega", nd.Notification.Title)
	assert.False(t, nd.Notification.Read)
	assert.Equal(t, now, nd.Notification.CreatedAt)
}

func TestDecodeEvent_NewDeliveryWithoutNotification(t *testing.T) {
	ev, err := DecodeEvent(TopicNewDelivery, args(t, `{"entrega":{"id":"e1"}}`), time.Now())
	require.NoError(t, err)
	assert.Nil(t, ev.(NewDelivery).Notification)

	ev, err = DecodeEvent(TopicNewDelivery, nil, time.Now())
	require.NoError(t, err)
	assert.Nil(t, ev.(NewDelivery).Notification)
}

func TestDecodeEvent_InvalidRecordKeepsSignal(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"missing id", `{"notificacao":{"titulo":"x"}}`, ErrMissingID},
		{"unknown kind", `{"notificacao":{"_id":"n1","tipo":"banana"}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent(TopicNewDelivery, args(t, tt.body), time.Now())
			require.NoError(t, err)

			nd, ok := ev.(NewDelivery)
			require.True(t, ok)
			assert.Nil(t, nd.Notification)
			require.Error(t, nd.RecordErr)
			if tt.want != nil {
				assert.ErrorIs(t, nd.RecordErr, tt.want)
			}
		})
	}
}

func TestDecodeEvent_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		body  string
	}{
		{"malformed body", TopicNewDelivery, `[1,2]`},
		{"notice without msg", TopicDeliveryNotice, `{}`},
		{"notice wrong type", TopicDeliveryNotice, `{"msg":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent(tt.topic, args(t, tt.body), time.Now())
			assert.Error(t, err)
		})
	}
}

func TestDecodeEvent_DeliveryNotice(t *testing.T) {
	ev, err := DecodeEvent(TopicDeliveryNotice, args(t, `{"msg":"Entrega registrada"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, DeliveryNotice{Msg: "Entrega registrada"}, ev)
	assert.Equal(t, TopicDeliveryNotice, ev.Topic())
}

func TestDecodeEvent_UnknownTopic(t *testing.T) {
	ev, err := DecodeEvent("estoque_atualizado", args(t, `{"a":1}`), time.Now())
	require.NoError(t, err)
	raw, ok := ev.(Raw)
	require.True(t, ok)
	assert.Equal(t, "estoque_atualizado", raw.Topic())
}

func TestNotificationWire_ToModel(t *testing.T) {
	now := time.Now()
	w := NotificationWire{ID: "n2", Tipo: "estoque", CreatedAt: "2024-03-04T05:06:07.000Z", Lida: true}

	n, err := w.ToModel(models.KindDelivery, now)
	require.NoError(t, err)
	assert.Equal(t, "n2", n.ID)
	assert.Equal(t, models.KindStock, n.Kind)
	assert.True(t, n.Read)
	assert.Equal(t, time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC), n.CreatedAt.UTC())

	w = NotificationWire{MongoID: "n3", CreatedAt: "not a date"}
	n, err = w.ToModel(models.KindExpiry, now)
	require.NoError(t, err)
	assert.Equal(t, models.KindExpiry, n.Kind)
	assert.Equal(t, now, n.CreatedAt)
}
