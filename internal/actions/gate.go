// Package actions gates long-running analysis requests.
//
// Each kind of action keeps one pending action. Triggering a new one
// invalidates the token of the previous one; its result, when it arrives,
// is dropped. Kinds are independent of each other.
package actions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-barta/epiwatch/internal/observable"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds one action run.
const DefaultTimeout = 2 * time.Minute

// Kind names an action kind.
type Kind string

const (
	KindInsight  Kind = "insight"
	KindForecast Kind = "forecast"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindInsight, KindForecast:
		return k, nil
	default:
		return "", fmt.Errorf("unknown action kind %q", s)
	}
}

// Status is the lifecycle state of a pending action.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is done or failed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Token identifies one trigger of a gate. Zero is never issued.
type Token uint64

// Pending is the state of the latest action of one kind.
type Pending[Out any] struct {
	Kind       Kind      `json:"kind"`
	Token      Token     `json:"token"`
	Status     Status    `json:"status"`
	Result     Out       `json:"result,omitempty"`
	Err        error     `json:"-"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// RunFunc performs one action.
type RunFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

// Gate runs actions of one kind with last-write-wins semantics.
type Gate[In, Out any] struct {
	kind    Kind
	run     RunFunc[In, Out]
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	current Pending[Out]

	inflight sync.WaitGroup
	state    *observable.Value[Pending[Out]]
}

// NewGate creates a gate for kind.
func NewGate[In, Out any](kind Kind, run RunFunc[In, Out], timeout time.Duration, log zerolog.Logger) *Gate[In, Out] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	initial := Pending[Out]{Kind: kind, Status: StatusIdle}
	log = log.With().Str("component", "actions").Str("kind", string(kind)).Logger()
	return &Gate[In, Out]{
		kind:    kind,
		run:     run,
		timeout: timeout,
		log:     log,
		now:     time.Now,
		current: initial,
		state:   observable.NewValue(initial).WithPanicHandler(observable.LogPanics(log)),
	}
}

// Kind returns the gate's kind.
func (g *Gate[In, Out]) Kind() Kind { return g.kind }

// Trigger starts a new run and returns its token. Any run still in flight
// keeps going but can no longer publish.
func (g *Gate[In, Out]) Trigger(in In) Token {
	g.mu.Lock()
	tok := g.current.Token + 1
	g.current = Pending[Out]{
		Kind:      g.kind,
		Token:     tok,
		Status:    StatusRunning,
		StartedAt: g.now(),
	}
	g.inflight.Add(1)
	g.mu.Unlock()

	g.log.Debug().Uint64("token", uint64(tok)).Msg("action started")
	g.publish()

	go g.execute(tok, in)
	return tok
}

func (g *Gate[In, Out]) execute(tok Token, in In) {
	defer g.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	out, err := g.safeRun(ctx, in)

	g.mu.Lock()
	if g.current.Token != tok {
		g.mu.Unlock()
		g.log.Debug().Uint64("token", uint64(tok)).Msg("superseded action result dropped")
		return
	}
	g.current.FinishedAt = g.now()
	if err != nil {
		g.current.Status = StatusFailed
		g.current.Err = err
		g.current.Error = err.Error()
	} else {
		g.current.Status = StatusDone
		g.current.Result = out
	}
	g.mu.Unlock()

	if err != nil {
		g.log.Warn().Err(err).Uint64("token", uint64(tok)).Msg("action failed")
	} else {
		g.log.Info().Uint64("token", uint64(tok)).Msg("action done")
	}
	g.publish()
}

func (g *Gate[In, Out]) safeRun(ctx context.Context, in In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s action panicked: %v", g.kind, r)
		}
	}()
	return g.run(ctx, in)
}

func (g *Gate[In, Out]) publish() {
	g.state.Update(func(Pending[Out]) Pending[Out] {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.current
	})
}

// Current returns the latest pending action.
func (g *Gate[In, Out]) Current() Pending[Out] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// IsCurrent reports whether tok is the latest token issued.
func (g *Gate[In, Out]) IsCurrent(tok Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return tok != 0 && tok == g.current.Token
}

// Subscribe registers fn for changes of the pending action.
func (g *Gate[In, Out]) Subscribe(fn func(Pending[Out])) (unsubscribe func()) {
	return g.state.Subscribe(fn)
}

// Wait blocks until every run started so far has returned.
func (g *Gate[In, Out]) Wait() {
	g.inflight.Wait()
}

// Await waits until tok settles. It returns false when tok was superseded
// or ctx ended first.
func (g *Gate[In, Out]) Await(ctx context.Context, tok Token) (Pending[Out], bool) {
	settled := make(chan Pending[Out], 1)
	check := func(p Pending[Out]) {
		if p.Token != tok || p.Status.Terminal() {
			select {
			case settled <- p:
			default:
			}
		}
	}
	unsubscribe := g.Subscribe(check)
	defer unsubscribe()
	check(g.Current())

	select {
	case p := <-settled:
		return p, p.Token == tok && p.Status.Terminal()
	case <-ctx.Done():
		return g.Current(), false
	}
}
