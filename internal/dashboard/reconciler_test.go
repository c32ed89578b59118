package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/protocol"
	"github.com/markus-barta/epiwatch/internal/realtime"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// call is one pending Dashboard request held by gatedFetcher.
type call struct {
	filters models.Filters
	reply   chan result
}

type result struct {
	metrics *models.Metrics
	err     error
}

// gatedFetcher blocks every request until the test answers it.
type gatedFetcher struct {
	calls chan call
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{calls: make(chan call, 16)}
}

func (g *gatedFetcher) Dashboard(ctx context.Context, f models.Filters) (*models.Metrics, error) {
	c := call{filters: f, reply: make(chan result, 1)}
	g.calls <- c
	select {
	case r := <-c.reply:
		return r.metrics, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedFetcher) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no dashboard request")
		return call{}
	}
}

func metrics(entregas int) *models.Metrics {
	return &models.Metrics{TotalEntregas: entregas}
}

func newTestReconciler(t *testing.T, f Fetcher) *Reconciler {
	t.Helper()
	r := NewReconciler(f, Config{Timeout: 5 * time.Second}, zerolog.Nop())
	t.Cleanup(r.Close)
	return r
}

func TestReconciler_StaleResponseDiscarded(t *testing.T) {
	fetcher := newGatedFetcher()
	r := newTestReconciler(t, fetcher)

	require.NoError(t, r.SetFilters(models.Filters{SetorID: "A"}))
	first := fetcher.next(t)
	require.NoError(t, r.SetFilters(models.Filters{SetorID: "B"}))
	second := fetcher.next(t)

	second.reply <- result{metrics: metrics(7)}
	assert.Eventually(t, func() bool { return !r.State().Loading }, 3*time.Second, 5*time.Millisecond)

	first.reply <- result{metrics: metrics(99)}
	r.Wait()

	st := r.State()
	require.NotNil(t, st.Data)
	assert.Equal(t, 7, st.Data.Metrics.TotalEntregas)
	assert.Equal(t, "B", st.Data.Filters.SetorID)
	assert.Equal(t, "B", st.Filters.SetorID)
}

func TestReconciler_StaleErrorDiscarded(t *testing.T) {
	fetcher := newGatedFetcher()
	r := newTestReconciler(t, fetcher)

	require.NoError(t, r.SetFilters(models.Filters{SetorID: "A"}))
	first := fetcher.next(t)
	require.NoError(t, r.SetFilters(models.Filters{SetorID: "B"}))
	second := fetcher.next(t)

	first.reply <- result{err: errors.New("boom")}
	second.reply <- result{metrics: metrics(3)}
	r.Wait()

	st := r.State()
	assert.NoError(t, st.Err)
	assert.False(t, st.Loading)
	require.NotNil(t, st.Data)
	assert.Equal(t, 3, st.Data.Metrics.TotalEntregas)
}

func TestReconciler_ErrorIsTerminalAndKeepsData(t *testing.T) {
	fetcher := newGatedFetcher()
	r := newTestReconciler(t, fetcher)

	r.Refresh()
	fetcher.next(t).reply <- result{metrics: metrics(5)}
	r.Wait()

	r.Refresh()
	loading := r.State()
	assert.True(t, loading.Loading)
	require.NotNil(t, loading.Data)

	fetcher.next(t).reply <- result{err: errors.New("502")}
	r.Wait()

	st := r.State()
	assert.False(t, st.Loading)
	assert.EqualError(t, st.Err, "502")
	assert.Equal(t, "502", st.ErrorText())
	require.NotNil(t, st.Data)
	assert.Equal(t, 5, st.Data.Metrics.TotalEntregas)

	select {
	case <-fetcher.calls:
		t.Fatal("failed fetch was retried")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconciler_SetFiltersClearsOtherData(t *testing.T) {
	fetcher := newGatedFetcher()
	r := newTestReconciler(t, fetcher)

	require.NoError(t, r.SetFilters(models.Filters{SetorID: "A"}))
	fetcher.next(t).reply <- result{metrics: metrics(1)}
	r.Wait()
	require.NotNil(t, r.State().Data)

	require.NoError(t, r.SetFilters(models.Filters{SetorID: "A"}))
	assert.NotNil(t, r.State().Data, "same filters keep data")
	fetcher.next(t).reply <- result{metrics: metrics(2)}
	r.Wait()

	require.NoError(t, r.SetFilters(models.Filters{SetorID: "B"}))
	assert.Nil(t, r.State().Data)
	fetcher.next(t).reply <- result{metrics: metrics(3)}
	r.Wait()
}

func TestReconciler_RejectsInvalidFilters(t *testing.T) {
	fetcher := newGatedFetcher()
	r := newTestReconciler(t, fetcher)

	err := r.SetFilters(models.Filters{From: "2025-05-01", To: "2025-04-01"})
	assert.Error(t, err)
	assert.Equal(t, uint64(0), r.State().Identity.Generation)
	assert.Empty(t, fetcher.calls)
}

func TestReconciler_GenerationsIncrease(t *testing.T) {
	fetcher := newGatedFetcher()
	r := newTestReconciler(t, fetcher)

	var gens []uint64
	var mu sync.Mutex
	r.Subscribe(func(s State) {
		mu.Lock()
		gens = append(gens, s.Identity.Generation)
		mu.Unlock()
	})

	r.Refresh()
	r.Refresh()
	fetcher.next(t).reply <- result{metrics: metrics(1)}
	fetcher.next(t).reply <- result{metrics: metrics(2)}
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(gens); i++ {
		assert.GreaterOrEqual(t, gens[i], gens[i-1])
	}
	assert.Equal(t, uint64(2), gens[len(gens)-1])
}

// fakeBus records topic handlers so tests can deliver events directly.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]realtime.Handler
}

type fakeSub struct{ fn func() }

func (s fakeSub) Unsubscribe() { s.fn() }

func (b *fakeBus) On(topic string, h realtime.Handler) realtime.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]realtime.Handler)
	}
	b.handlers[topic] = append(b.handlers[topic], h)
	idx := len(b.handlers[topic]) - 1
	return fakeSub{fn: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[topic][idx] = nil
	}}
}

func (b *fakeBus) emit(topic string, ev protocol.Event) {
	b.mu.Lock()
	hs := append([]realtime.Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(ev)
		}
	}
}

func TestReconciler_BindRefreshesOnNewDelivery(t *testing.T) {
	fetcher := newGatedFetcher()
	r := newTestReconciler(t, fetcher)
	bus := &fakeBus{}

	require.NoError(t, r.SetFilters(models.Filters{EpiID: "e1"}))
	fetcher.next(t).reply <- result{metrics: metrics(1)}
	r.Wait()

	r.Bind(bus)
	bus.emit(protocol.TopicNewDelivery, protocol.NewDelivery{})

	c := fetcher.next(t)
	assert.Equal(t, "e1", c.filters.EpiID)
	c.reply <- result{metrics: metrics(2)}
	r.Wait()
	assert.Equal(t, 2, r.State().Data.Metrics.TotalEntregas)

	bus.emit(protocol.TopicDeliveryNotice, protocol.DeliveryNotice{Msg: "x"})
	assert.Empty(t, fetcher.calls)

	r.Close()
	bus.emit(protocol.TopicNewDelivery, protocol.NewDelivery{})
	assert.Empty(t, fetcher.calls)
}

func TestReconciler_RunTicks(t *testing.T) {
	fetcher := newGatedFetcher()
	r := NewReconciler(fetcher, Config{Interval: 10 * time.Millisecond, Timeout: time.Second}, zerolog.Nop())
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	fetcher.next(t).reply <- result{metrics: metrics(1)}
	cancel()
	require.NoError(t, <-done)
}

// instantFetcher answers every request immediately.
type instantFetcher struct{}

func (instantFetcher) Dashboard(_ context.Context, _ models.Filters) (*models.Metrics, error) {
	return metrics(1), nil
}

func TestReconciler_RefreshNeverRevertsFilters(t *testing.T) {
	for round := 0; round < 200; round++ {
		r := NewReconciler(instantFetcher{}, Config{Filters: models.Filters{SetorID: "A"}, Timeout: time.Second}, zerolog.Nop())

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 20; j++ {
					r.Refresh()
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = r.SetFilters(models.Filters{SetorID: "B"})
		}()
		close(start)
		wg.Wait()
		r.Wait()

		st := r.State()
		require.Equal(t, "B", st.Filters.SetorID, "round %d", round)
		require.Equal(t, "B", st.Identity.Filters.SetorID, "round %d", round)
		r.Close()
	}
}
