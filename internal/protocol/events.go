package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/markus-barta/epiwatch/internal/models"
)

// Push topics.
const (
	TopicNewDelivery    = "nova_entrega"
	TopicDeliveryNotice = "notificacao_entrega"
)

// Event is a push event validated at the channel boundary. The concrete
// types are NewDelivery, DeliveryNotice and Raw.
type Event interface {
	Topic() string
	isEvent()
}

// NewDelivery signals that a delivery was recorded. Notification is nil when
// the server sent no notification body or when the body was invalid; in the
// latter case RecordErr holds the reason.
type NewDelivery struct {
	Notification *models.Notification
	RecordErr    error
}

// DeliveryNotice is a toast-only message.
type DeliveryNotice struct {
	Msg string
}

// Raw is an event on a topic this client has no schema for.
type Raw struct {
	Name string
	Args []json.RawMessage
}

func (NewDelivery) Topic() string    { return TopicNewDelivery }
func (DeliveryNotice) Topic() string { return TopicDeliveryNotice }
func (r Raw) Topic() string          { return r.Name }

func (NewDelivery) isEvent()    {}
func (DeliveryNotice) isEvent() {}
func (Raw) isEvent()            {}

// ErrMissingID is returned for notification bodies without an id.
var ErrMissingID = errors.New("notification without id")

// NotificationWire is the server's JSON shape of a notification.
type NotificationWire struct {
	MongoID   string `json:"_id"`
	ID        string `json:"id"`
	Tipo      string `json:"tipo"`
	Titulo    string `json:"titulo"`
	Mensagem  string `json:"mensagem"`
	CreatedAt string `json:"createdAt"`
	Lida      bool   `json:"lida"`
}

// ToModel validates the wire record. defaultKind is used when tipo is empty;
// now is used when createdAt is missing or unparsable.
func (w NotificationWire) ToModel(defaultKind models.Kind, now time.Time) (models.Notification, error) {
	id := w.MongoID
	if id == "" {
		id = w.ID
	}
	if strings.TrimSpace(id) == "" {
		return models.Notification{}, ErrMissingID
	}

	kind := defaultKind
	if w.Tipo != "" {
		k, err := models.ParseKind(w.Tipo)
		if err != nil {
			return models.Notification{}, fmt.Errorf("notification %s: %w", id, err)
		}
		kind = k
	}

	createdAt := now
	if w.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
			createdAt = t
		}
	}

	return models.Notification{
		ID:        id,
		Kind:      kind,
		Title:     w.Titulo,
		Message:   w.Mensagem,
		CreatedAt: createdAt,
		Read:      w.Lida,
	}, nil
}

// DecodeEvent turns a raw Socket.IO event into a typed Event. Unknown topics
// decode to Raw.
func DecodeEvent(name string, args []json.RawMessage, now time.Time) (Event, error) {
	switch name {
	case TopicNewDelivery:
		var body struct {
			Notificacao *NotificationWire `json:"notificacao"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args[0], &body); err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
		}
		ev := NewDelivery{}
		if body.Notificacao != nil {
			n, err := body.Notificacao.ToModel(models.KindDelivery, now)
			if err != nil {
				ev.RecordErr = fmt.Errorf("decode %s: %w", name, err)
				return ev, nil
			}
			ev.Notification = &n
		}
		return ev, nil

	case TopicDeliveryNotice:
		if len(args) == 0 {
			return nil, fmt.Errorf("decode %s: missing body", name)
		}
		var body struct {
			Msg *string `json:"msg"`
		}
		if err := json.Unmarshal(args[0], &body); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if body.Msg == nil {
			return nil, fmt.Errorf("decode %s: missing msg", name)
		}
		return DeliveryNotice{Msg: *body.Msg}, nil

	default:
		return Raw{Name: name, Args: args}, nil
	}
}
