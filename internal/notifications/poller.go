package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is used when the configured interval is not positive.
const DefaultPollInterval = 30 * time.Second

// Fetcher lists the notifications known to the backend.
type Fetcher interface {
	ListNotifications(ctx context.Context) ([]models.Notification, error)
}

// Poller seeds the store from the REST endpoint and keeps it in sync.
type Poller struct {
	store    *Store
	fetcher  Fetcher
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu        sync.RWMutex
	syncedAt  time.Time
	lastError error
}

// NewPoller creates a poller. timeout bounds each fetch; zero means the
// caller's context alone decides.
func NewPoller(store *Store, fetcher Fetcher, interval, timeout time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		store:    store,
		fetcher:  fetcher,
		interval: interval,
		timeout:  timeout,
		log:      log.With().Str("component", "poller").Logger(),
	}
}

// Run fetches once immediately and then on every tick until ctx ends.
// Fetch failures are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	_, _ = p.Sync(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = p.Sync(ctx)
		}
	}
}

// Sync performs one fetch and merge. It returns the number of new records.
func (p *Poller) Sync(ctx context.Context) (int, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	list, err := p.fetcher.ListNotifications(ctx)
	if err == nil {
		var added int
		added, err = p.store.Merge(list)
		if err == nil {
			p.mu.Lock()
			p.syncedAt = time.Now()
			p.lastError = nil
			p.mu.Unlock()
			if added > 0 {
				p.log.Info().Int("new", added).Msg("notifications synced")
			}
			return added, nil
		}
	}

	if ctx.Err() == nil {
		p.log.Warn().Err(err).Msg("notification sync failed")
	}
	p.mu.Lock()
	p.lastError = err
	p.mu.Unlock()
	return 0, err
}

// Status returns the time of the last successful sync and the error of the
// last attempt, if it failed.
func (p *Poller) Status() (time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.syncedAt, p.lastError
}
