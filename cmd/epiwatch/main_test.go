package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend serves the REST endpoints the commands call.
type fakeBackend struct {
	mu    sync.Mutex
	reads []string
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{}

	r := chi.NewRouter()
	r.Get("/notifications", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `[
			{"_id":"n1","tipo":"estoque","titulo":"Estoque baixo","mensagem":"Luva nitrílica","createdAt":"2025-03-10T10:00:00Z","lida":true},
			{"_id":"n2","tipo":"entrega","titulo":"Nova entrega","mensagem":"Capacete","createdAt":"2025-03-10T11:00:00Z"}
		]`)
	})
	r.Put("/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.reads = append(fb.reads, chi.URLParam(r, "id"))
		fb.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/dashboard/advanced", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalEntregas":    42,
			"entregasPorSetor": []map[string]any{{"nome": "Setor " + r.URL.Query().Get("setorId"), "total": 42}},
		})
	})
	r.Get("/forecast/epi/{id}/forecast", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"previsao":[{"mes":"2025-04","quantidade":33.5}]}`)
	})
	r.Post("/insights", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"insights":"Consumo estável."}`)
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return fb, ts
}

func setEnv(t *testing.T, apiURL string) {
	t.Helper()
	t.Setenv("EPIWATCH_CONFIG", "")
	t.Setenv("EPIWATCH_API_URL", apiURL)
	t.Setenv("EPIWATCH_TOKEN", "tok")
	t.Setenv("EPIWATCH_LOG_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	t.Setenv("EPIWATCH_API_URL", "")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "epiwatch dev\n", out)
}

func TestCheck(t *testing.T) {
	_, ts := newFakeBackend(t)

	t.Run("ok", func(t *testing.T) {
		setEnv(t, ts.URL)
		out, err := execute(t, "check")
		require.NoError(t, err)
		assert.Contains(t, out, "✓ Config OK")
		assert.Contains(t, out, "✓ OK")
	})

	t.Run("rejected token", func(t *testing.T) {
		setEnv(t, ts.URL)
		t.Setenv("EPIWATCH_TOKEN", "wrong")
		out, err := execute(t, "check")
		assert.ErrorIs(t, err, errCheckFailed)
		assert.Contains(t, out, "credentials rejected")
	})

	t.Run("missing config", func(t *testing.T) {
		setEnv(t, "")
		out, err := execute(t, "check")
		assert.ErrorIs(t, err, errCheckFailed)
		assert.Contains(t, out, "Config error")
	})
}

func TestNotificationsCmd(t *testing.T) {
	fb, ts := newFakeBackend(t)
	setEnv(t, ts.URL)

	out, err := execute(t, "notifications")
	require.NoError(t, err)
	assert.Contains(t, out, "Nova entrega")
	assert.Contains(t, out, "Estoque baixo")
	assert.Contains(t, out, "2 total, 1 unread")
	assert.Less(t, bytes.Index([]byte(out), []byte("Nova entrega")), bytes.Index([]byte(out), []byte("Estoque baixo")))

	out, err = execute(t, "notifications", "--unread")
	require.NoError(t, err)
	assert.NotContains(t, out, "Estoque baixo")

	out, err = execute(t, "notifications", "read", "n2")
	require.NoError(t, err)
	assert.Contains(t, out, "n2 marked as read")
	fb.mu.Lock()
	assert.Equal(t, []string{"n2"}, fb.reads)
	fb.mu.Unlock()
}

func TestDashboardCmd(t *testing.T) {
	_, ts := newFakeBackend(t)
	setEnv(t, ts.URL)

	out, err := execute(t, "dashboard", "--setor", "S7")
	require.NoError(t, err)
	assert.Contains(t, out, "entregas 42")
	assert.Contains(t, out, "Setor S7")

	_, err = execute(t, "dashboard", "--from", "2025-05-01", "--to", "2025-01-01")
	assert.Error(t, err)
}

func TestForecastCmd(t *testing.T) {
	_, ts := newFakeBackend(t)
	setEnv(t, ts.URL)

	out, err := execute(t, "forecast", "e1", "--months", "6")
	require.NoError(t, err)
	assert.Contains(t, out, "EPI e1")
	assert.Contains(t, out, "33.5")
}

func TestInsightsCmd(t *testing.T) {
	_, ts := newFakeBackend(t)
	setEnv(t, ts.URL)

	out, err := execute(t, "insights", "--resumo", `{"entregas":10}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Consumo estável.")

	_, err = execute(t, "insights", "--resumo", `{broken`)
	assert.Error(t, err)

	_, err = execute(t, "insights")
	assert.Error(t, err)
}
