// Package dashboard keeps the dashboard metrics snapshot consistent with the
// active filters.
//
// Every SetFilters and Refresh issues a fetch tagged with a fresh identity.
// When a response arrives its identity is compared with the one active at
// that moment and the response is dropped on mismatch, whether it carries
// data or an error. Superseded requests are not aborted; they finish and are
// ignored.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/observable"
	"github.com/markus-barta/epiwatch/internal/protocol"
	"github.com/markus-barta/epiwatch/internal/realtime"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single dashboard fetch.
const DefaultTimeout = 30 * time.Second

// Fetcher loads the metrics for a set of filters.
type Fetcher interface {
	Dashboard(ctx context.Context, f models.Filters) (*models.Metrics, error)
}

// Identity tags one fetch. It is immutable; a newer one supersedes it.
type Identity struct {
	Generation uint64         `json:"generation"`
	Filters    models.Filters `json:"filters"`
}

// State is what observers see.
type State struct {
	Loading  bool             `json:"loading"`
	Data     *models.Snapshot `json:"data,omitempty"`
	Err      error            `json:"-"`
	Filters  models.Filters   `json:"filters"`
	Identity Identity         `json:"identity"`
}

// ErrorText returns the error text, or "" when the last fetch did not fail.
func (s State) ErrorText() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// Config configures a Reconciler.
type Config struct {
	Filters  models.Filters // initial filters
	Timeout  time.Duration  // per fetch
	Interval time.Duration  // auto-refresh period for Run, 0 disables
}

// Reconciler owns the dashboard state.
type Reconciler struct {
	fetcher  Fetcher
	log      zerolog.Logger
	timeout  time.Duration
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	gen    uint64
	active Identity
	cur    State
	sub    realtime.Subscription

	inflight sync.WaitGroup
	state    *observable.Value[State]
}

// NewReconciler creates a Reconciler. No fetch happens until SetFilters or
// Refresh is called.
func NewReconciler(fetcher Fetcher, cfg Config, log zerolog.Logger) *Reconciler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	initial := State{Filters: cfg.Filters, Identity: Identity{Filters: cfg.Filters}}
	log = log.With().Str("component", "dashboard").Logger()

	return &Reconciler{
		fetcher:  fetcher,
		log:      log,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		ctx:      ctx,
		cancel:   cancel,
		active:   initial.Identity,
		cur:      initial,
		state:    observable.NewValue(initial).WithPanicHandler(observable.LogPanics(log)),
	}
}

// SetFilters switches to new filters and fetches for them. Displayed data
// fetched for different filters is cleared. Invalid filters are rejected
// and nothing changes.
func (r *Reconciler) SetFilters(f models.Filters) error {
	if err := f.Validate(); err != nil {
		return err
	}
	r.begin(&f)
	return nil
}

// Refresh refetches with the current filters. Displayed data is kept while
// loading and if the fetch fails.
func (r *Reconciler) Refresh() {
	r.begin(nil)
}

// begin starts a fetch for f, or for the current filters when f is nil.
func (r *Reconciler) begin(next *models.Filters) {
	r.mu.Lock()
	f := r.cur.Filters
	if next != nil {
		f = *next
	}
	r.gen++
	id := Identity{Generation: r.gen, Filters: f}
	r.active = id

	if f != r.cur.Filters {
		r.cur.Data = nil
	}
	r.cur.Loading = true
	r.cur.Err = nil
	r.cur.Filters = f
	r.cur.Identity = id
	r.inflight.Add(1)
	r.mu.Unlock()

	r.log.Debug().Uint64("generation", id.Generation).Interface("filters", f).Msg("dashboard fetch started")
	r.publish()

	go r.fetch(id)
}

func (r *Reconciler) fetch(id Identity) {
	defer r.inflight.Done()

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	metrics, err := r.fetcher.Dashboard(ctx, id.Filters)
	r.resolve(id, metrics, err)
}

func (r *Reconciler) resolve(id Identity, metrics *models.Metrics, err error) {
	r.mu.Lock()
	if id != r.active {
		r.mu.Unlock()
		r.log.Debug().
			Uint64("generation", id.Generation).
			Bool("failed", err != nil).
			Msg("stale dashboard response discarded")
		return
	}

	r.cur.Loading = false
	if err != nil {
		r.cur.Err = err
	} else {
		r.cur.Err = nil
		r.cur.Data = &models.Snapshot{
			Metrics:   *metrics,
			Filters:   id.Filters,
			FetchedAt: time.Now(),
		}
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn().Err(err).Uint64("generation", id.Generation).Msg("dashboard fetch failed")
	}
	r.publish()
}

// publish pushes the latest state to observers. Each call stores whatever
// is current when the observable applies it, so publications can never go
// backwards.
func (r *Reconciler) publish() {
	r.state.Update(func(State) State {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.cur
	})
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

// Subscribe registers fn for state changes.
func (r *Reconciler) Subscribe(fn func(State)) (unsubscribe func()) {
	return r.state.Subscribe(fn)
}

// Bind refreshes the dashboard whenever the push channel reports a new
// delivery. Binding again replaces the previous binding.
func (r *Reconciler) Bind(bus realtime.Bus) {
	sub := bus.On(protocol.TopicNewDelivery, func(protocol.Event) {
		r.Refresh()
	})

	r.mu.Lock()
	prev := r.sub
	r.sub = sub
	r.mu.Unlock()

	if prev != nil {
		prev.Unsubscribe()
	}
}

// Run refreshes on the configured interval until ctx ends. With no interval
// it just waits for ctx.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Refresh()
		}
	}
}

// Wait blocks until every fetch started so far has resolved.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}

// Close unbinds from the push channel and cancels in-flight fetches.
func (r *Reconciler) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	r.cancel()
}
