package status

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/epiwatch/internal/actions"
	"github.com/markus-barta/epiwatch/internal/api"
	"github.com/markus-barta/epiwatch/internal/dashboard"
	"github.com/markus-barta/epiwatch/internal/models"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleHealth returns liveness and the push channel state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"connection": s.b.Conn().State(),
	})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn := s.b.Conn()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    conn.State(),
		"endpoint": conn.Endpoint(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.b.Session().Get())
}

// handleListNotifications returns the store contents, newest first.
// ?unread=true limits the list to unread records.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	store := s.b.Store()
	list, err := store.List()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list notifications")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if r.URL.Query().Get("unread") == "true" {
		unread := list[:0]
		for _, n := range list {
			if !n.Read {
				unread = append(unread, n)
			}
		}
		list = unread
	}
	if list == nil {
		list = []models.Notification{}
	}

	resp := map[string]any{
		"notifications": list,
		"total":         store.Len(),
		"unread":        store.UnreadCount(),
	}
	if syncedAt, syncErr := s.b.Poller().Status(); !syncedAt.IsZero() || syncErr != nil {
		if !syncedAt.IsZero() {
			resp["syncedAt"] = syncedAt.UTC().Format(time.RFC3339)
		}
		if syncErr != nil {
			resp["syncError"] = syncErr.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMarkRead marks one notification read on the backend and locally.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	changed, err := s.b.MarkRead(r.Context(), id)
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("mark read failed")
		switch {
		case api.IsStatus(err, http.StatusNotFound):
			writeError(w, http.StatusNotFound, "notification not found")
		case errors.Is(err, api.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "backend rejected credentials")
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "changed": changed})
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.b.Store().ClearAll(); err != nil {
		s.log.Error().Err(err).Msg("failed to clear notifications")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.b.Alerts().Visible()})
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	if !s.b.Alerts().Dismiss(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "alert not visible")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// dashboardView is the JSON form of dashboard.State.
type dashboardView struct {
	Loading  bool               `json:"loading"`
	Data     *models.Snapshot   `json:"data"`
	Error    string             `json:"error,omitempty"`
	Filters  models.Filters     `json:"filters"`
	Identity dashboard.Identity `json:"identity"`
}

func viewOf(st dashboard.State) dashboardView {
	return dashboardView{
		Loading:  st.Loading,
		Data:     st.Data,
		Error:    st.ErrorText(),
		Filters:  st.Filters,
		Identity: st.Identity,
	}
}

func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(s.b.Dashboard().State()))
}

func (s *Server) handleSetFilters(w http.ResponseWriter, r *http.Request) {
	var f models.Filters
	if err := decodeBody(r, &f); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return
	}

	rec := s.b.Dashboard()
	if err := rec.SetFilters(f); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(rec.State()))
}

func (s *Server) handleRefreshDashboard(w http.ResponseWriter, r *http.Request) {
	rec := s.b.Dashboard()
	rec.Refresh()
	writeJSON(w, http.StatusAccepted, viewOf(rec.State()))
}

type triggered struct {
	Kind  actions.Kind  `json:"kind"`
	Token actions.Token `json:"token"`
}

func (s *Server) handleTriggerInsight(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResumoDados json.RawMessage `json:"resumoDados"`
	}
	if err := decodeBody(r, &req); err != nil || len(req.ResumoDados) == 0 {
		writeError(w, http.StatusBadRequest, "resumoDados is required")
		return
	}

	tok := s.b.Actions().Insight.Trigger(models.InsightRequest{ResumoDados: req.ResumoDados})
	writeJSON(w, http.StatusAccepted, triggered{Kind: actions.KindInsight, Token: tok})
}

func (s *Server) handleTriggerForecast(w http.ResponseWriter, r *http.Request) {
	var req models.ForecastRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return
	}

	tok, err := s.b.Actions().TriggerForecast(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, triggered{Kind: actions.KindForecast, Token: tok})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	kind, err := actions.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	snap, _ := s.b.Actions().Snapshot(kind)
	writeJSON(w, http.StatusOK, snap)
}
