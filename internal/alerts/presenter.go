// Package alerts shows short-lived alerts for newly arrived notifications.
package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/observable"
	"github.com/rs/zerolog"
)

// DefaultDuration is how long an alert stays visible.
const DefaultDuration = 5 * time.Second

// messageTitle is used for alerts raised from a bare push message.
const messageTitle = "Nova entrega"

// Source tells what raised an alert.
type Source string

const (
	SourceNotification Source = "notification"
	SourceMessage      Source = "message"
)

// Alert is a visible, auto-dismissing alert.
type Alert struct {
	ID             string      `json:"id"`
	NotificationID string      `json:"notificationId,omitempty"`
	Kind           models.Kind `json:"kind"`
	Title          string      `json:"title"`
	Message        string      `json:"message"`
	Source         Source      `json:"source"`
	ShownAt        time.Time   `json:"shownAt"`
	ExpiresAt      time.Time   `json:"expiresAt"`
}

// Config configures a Presenter.
type Config struct {
	Duration time.Duration
	Player   Player // nil disables the audio cue
}

// Presenter owns the set of visible alerts and one dismissal timer per
// alert.
type Presenter struct {
	duration time.Duration
	player   Player
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
	visible *observable.Value[[]Alert]
}

// NewPresenter creates a Presenter.
func NewPresenter(cfg Config, log zerolog.Logger) *Presenter {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	log = log.With().Str("component", "alerts").Logger()
	return &Presenter{
		duration: cfg.Duration,
		player:   cfg.Player,
		log:      log,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
		visible:  observable.NewValue[[]Alert](nil).WithPanicHandler(observable.LogPanics(log)),
	}
}

// Present shows an alert for a newly inserted notification.
func (p *Presenter) Present(n models.Notification) Alert {
	return p.show(Alert{
		NotificationID: n.ID,
		Kind:           n.Kind,
		Title:          n.Title,
		Message:        n.Message,
		Source:         SourceNotification,
	})
}

// PresentMessage shows an alert for a push message that is not stored.
func (p *Presenter) PresentMessage(msg string) Alert {
	return p.show(Alert{
		Kind:    models.KindDelivery,
		Title:   messageTitle,
		Message: msg,
		Source:  SourceMessage,
	})
}

func (p *Presenter) show(a Alert) Alert {
	a.ID = uuid.NewString()
	a.ShownAt = p.now()
	a.ExpiresAt = a.ShownAt.Add(p.duration)

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.log.Debug().Str("title", a.Title).Msg("presenter closed, alert dropped")
		return a
	}

	p.visible.Update(func(cur []Alert) []Alert {
		next := make([]Alert, 0, len(cur)+1)
		next = append(next, cur...)
		return append(next, a)
	})

	// The timer is armed only after the alert is visible so it can never
	// fire first.
	id := a.ID
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.remove(id)
		return a
	}
	p.timers[id] = time.AfterFunc(p.duration, func() { p.expire(id) })
	p.mu.Unlock()

	p.log.Debug().Str("id", a.ID).Str("kind", string(a.Kind)).Msg("alert shown")
	p.playCue()
	return a
}

func (p *Presenter) playCue() {
	if p.player == nil {
		return
	}
	if err := p.player.Play(); err != nil {
		p.log.Debug().Err(err).Msg("audio cue not played")
	}
}

func (p *Presenter) expire(id string) {
	p.mu.Lock()
	_, ok := p.timers[id]
	delete(p.timers, id)
	p.mu.Unlock()
	if ok {
		p.remove(id)
	}
}

// Dismiss removes an alert before its timer fires. It reports whether the
// alert was visible.
func (p *Presenter) Dismiss(id string) bool {
	p.mu.Lock()
	t, ok := p.timers[id]
	if ok {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()
	if ok {
		p.remove(id)
	}
	return ok
}

func (p *Presenter) remove(id string) {
	p.visible.Update(func(cur []Alert) []Alert {
		next := make([]Alert, 0, len(cur))
		for _, a := range cur {
			if a.ID != id {
				next = append(next, a)
			}
		}
		return next
	})
}

// Visible returns the alerts currently shown, oldest first.
func (p *Presenter) Visible() []Alert {
	cur := p.visible.Get()
	out := make([]Alert, len(cur))
	copy(out, cur)
	return out
}

// Subscribe registers fn for changes of the visible set.
func (p *Presenter) Subscribe(fn func([]Alert)) (unsubscribe func()) {
	return p.visible.Subscribe(fn)
}

// Close cancels every pending timer and hides all alerts. Later Present
// calls are ignored. Close is idempotent.
func (p *Presenter) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	p.visible.Set(nil)
}
