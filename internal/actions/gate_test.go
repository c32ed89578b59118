package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// releaser runs a RunFunc that blocks each call until the test releases it.
type releaser struct {
	mu      sync.Mutex
	started chan string
	release map[string]chan error
}

func newReleaser() *releaser {
	return &releaser{started: make(chan string, 16), release: make(map[string]chan error)}
}

func (r *releaser) gate(in string) chan error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.release[in]
	if !ok {
		ch = make(chan error, 1)
		r.release[in] = ch
	}
	return ch
}

func (r *releaser) run(ctx context.Context, in string) (string, error) {
	ch := r.gate(in)
	r.started <- in
	select {
	case err := <-ch:
		if err != nil {
			return "", err
		}
		return "result:" + in, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *releaser) waitStarted(t *testing.T, in string) {
	t.Helper()
	select {
	case got := <-r.started:
		require.Equal(t, in, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("run %q did not start", in)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"insight", KindInsight, false},
		{"forecast", KindForecast, false},
		{"export", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGate_LastWriteWins(t *testing.T) {
	r := newReleaser()
	g := NewGate(KindInsight, r.run, time.Minute, zerolog.Nop())

	t1 := g.Trigger("first")
	r.waitStarted(t, "first")
	t2 := g.Trigger("second")
	r.waitStarted(t, "second")

	assert.False(t, g.IsCurrent(t1))
	assert.True(t, g.IsCurrent(t2))

	r.gate("second") <- nil
	r.gate("first") <- nil
	g.Wait()

	cur := g.Current()
	assert.Equal(t, t2, cur.Token)
	assert.Equal(t, StatusDone, cur.Status)
	assert.Equal(t, "result:second", cur.Result)
}

func TestGate_SupersededErrorDropped(t *testing.T) {
	r := newReleaser()
	g := NewGate(KindForecast, r.run, time.Minute, zerolog.Nop())

	g.Trigger("a")
	r.waitStarted(t, "a")
	t2 := g.Trigger("b")
	r.waitStarted(t, "b")

	r.gate("a") <- errors.New("late failure")
	r.gate("b") <- nil
	g.Wait()

	cur := g.Current()
	assert.Equal(t, t2, cur.Token)
	assert.Equal(t, StatusDone, cur.Status)
	assert.Empty(t, cur.Error)
}

func TestGate_FailureIsTerminal(t *testing.T) {
	r := newReleaser()
	g := NewGate(KindInsight, r.run, time.Minute, zerolog.Nop())

	var statuses []Status
	var mu sync.Mutex
	g.Subscribe(func(p Pending[string]) {
		mu.Lock()
		statuses = append(statuses, p.Status)
		mu.Unlock()
	})

	g.Trigger("x")
	r.waitStarted(t, "x")
	r.gate("x") <- errors.New("429")
	g.Wait()

	cur := g.Current()
	assert.Equal(t, StatusFailed, cur.Status)
	assert.EqualError(t, cur.Err, "429")
	assert.Equal(t, "429", cur.Error)
	assert.False(t, cur.FinishedAt.IsZero())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusRunning, StatusFailed}, statuses)
}

func TestGate_SupersedeDoesNotCancel(t *testing.T) {
	var mu sync.Mutex
	var cancelled bool
	started := make(chan struct{})
	release := make(chan struct{})

	run := func(ctx context.Context, in int) (int, error) {
		if in == 1 {
			close(started)
			<-release
			mu.Lock()
			cancelled = ctx.Err() != nil
			mu.Unlock()
		}
		return in, nil
	}
	g := NewGate(KindForecast, run, time.Minute, zerolog.Nop())

	g.Trigger(1)
	<-started
	g.Trigger(2)
	close(release)
	g.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, cancelled)
	assert.Equal(t, 2, g.Current().Result)
}

func TestGate_RunTimeout(t *testing.T) {
	run := func(ctx context.Context, _ struct{}) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	g := NewGate(KindInsight, run, 20*time.Millisecond, zerolog.Nop())

	g.Trigger(struct{}{})
	g.Wait()

	cur := g.Current()
	assert.Equal(t, StatusFailed, cur.Status)
	assert.ErrorIs(t, cur.Err, context.DeadlineExceeded)
}

func TestGate_PanicBecomesFailure(t *testing.T) {
	run := func(context.Context, string) (string, error) { panic("boom") }
	g := NewGate(KindInsight, run, time.Minute, zerolog.Nop())

	g.Trigger("x")
	g.Wait()

	assert.Equal(t, StatusFailed, g.Current().Status)
}

func TestGate_Await(t *testing.T) {
	r := newReleaser()
	g := NewGate(KindInsight, r.run, time.Minute, zerolog.Nop())

	t1 := g.Trigger("a")
	r.waitStarted(t, "a")

	go func() { r.gate("a") <- nil }()
	p, ok := g.Await(context.Background(), t1)
	assert.True(t, ok)
	assert.Equal(t, "result:a", p.Result)

	t2 := g.Trigger("b")
	r.waitStarted(t, "b")
	g.Trigger("c")
	r.waitStarted(t, "c")

	_, ok = g.Await(context.Background(), t2)
	assert.False(t, ok)

	r.gate("b") <- nil
	r.gate("c") <- nil
	g.Wait()
}

type fakeAnalyzer struct {
	mu        sync.Mutex
	forecasts []models.ForecastRequest
}

func (f *fakeAnalyzer) Insights(_ context.Context, req models.InsightRequest) (*models.Insight, error) {
	return &models.Insight{Text: "summary " + string(req.ResumoDados)}, nil
}

func (f *fakeAnalyzer) Forecast(_ context.Context, req models.ForecastRequest) (*models.Forecast, error) {
	f.mu.Lock()
	f.forecasts = append(f.forecasts, req)
	f.mu.Unlock()
	return &models.Forecast{EpiID: req.EpiID}, nil
}

func TestActions_KindsAreIndependent(t *testing.T) {
	api := &fakeAnalyzer{}
	a := New(api, time.Minute, zerolog.Nop())

	_, err := a.TriggerForecast(models.ForecastRequest{})
	assert.ErrorIs(t, err, ErrMissingEpi)

	ft, err := a.TriggerForecast(models.ForecastRequest{EpiID: "e1", Months: 12, Future: 3})
	require.NoError(t, err)
	it, err := a.TriggerInsight(map[string]int{"entregas": 4})
	require.NoError(t, err)
	a.Wait()

	assert.True(t, a.Forecast.IsCurrent(ft))
	assert.True(t, a.Insight.IsCurrent(it))
	assert.Equal(t, "e1", a.Forecast.Current().Result.EpiID)
	assert.Equal(t, `summary {"entregas":4}`, a.Insight.Current().Result.Text)

	snap, ok := a.Snapshot(KindForecast)
	require.True(t, ok)
	assert.Equal(t, StatusDone, snap.(Pending[*models.Forecast]).Status)

	_, ok = a.Snapshot("export")
	assert.False(t, ok)
}

func TestPending_JSONOmitsUnsetTimes(t *testing.T) {
	r := newReleaser()
	g := NewGate(KindInsight, r.run, time.Minute, zerolog.Nop())

	idle, err := json.Marshal(g.Current())
	require.NoError(t, err)
	assert.NotContains(t, string(idle), "startedAt")
	assert.NotContains(t, string(idle), "finishedAt")

	g.Trigger("a")
	r.waitStarted(t, "a")
	running, err := json.Marshal(g.Current())
	require.NoError(t, err)
	assert.Contains(t, string(running), "startedAt")
	assert.NotContains(t, string(running), "finishedAt")

	r.gate("a") <- nil
	g.Wait()
}
