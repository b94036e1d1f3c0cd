package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rermius/connmgr/internal/connhandler"
	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/orchestrator"
	"github.com/rermius/connmgr/internal/tabstate"
)

type connectRequest struct {
	HostID string            `json:"hostId"`
	Host   *hosts.HostConfig `json:"host"`
	// Password is accepted separately because HostConfig never serializes it.
	Password string        `json:"password"`
	Kind     tabstate.Kind `json:"kind"`
}

type connectFailure struct {
	Detail string   `json:"detail"`
	TabID  string   `json:"tabId,omitempty"`
	Logs   []string `json:"logs,omitempty"`
}

func (s *Server) listTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Store().List())
}

func (s *Server) getTab(w http.ResponseWriter, r *http.Request) {
	tab, ok := s.orch.Store().Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Tab not found")
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) tabHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.orch.Store().Get(id); !ok {
		writeError(w, http.StatusNotFound, "Tab not found")
		return
	}
	history := s.orch.Store().History(id)
	if history == nil {
		history = []tabstate.Transition{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var opts []orchestrator.ConnectOption
	if req.Kind != "" {
		opts = append(opts, orchestrator.WithKind(req.Kind))
	}

	var (
		tabID string
		err   error
	)
	switch {
	case req.Host != nil:
		host := req.Host.Clone()
		host.Password = req.Password
		tabID, err = s.orch.Connect(r.Context(), host, opts...)
	case req.HostID != "":
		tabID, err = s.orch.ConnectByID(r.Context(), req.HostID, opts...)
	default:
		writeError(w, http.StatusBadRequest, "hostId or host is required")
		return
	}

	if err != nil {
		s.writeConnectError(w, tabID, err)
		return
	}
	tab, _ := s.orch.Store().Get(tabID)
	writeJSON(w, http.StatusCreated, tab)
}

func (s *Server) writeConnectError(w http.ResponseWriter, tabID string, err error) {
	var unsupported *connhandler.UnsupportedConnectionTypeError
	switch {
	case errors.Is(err, hosts.ErrHostNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.As(err, &unsupported), tabID == "":
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body := connectFailure{Detail: err.Error(), TabID: tabID}
	var failure *connhandler.ConnectFailure
	if errors.As(err, &failure) {
		body.Logs = failure.Logs
	}
	writeJSON(w, http.StatusBadGateway, body)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.orch.Retry(r.Context(), id)
	switch {
	case errors.Is(err, tabstate.ErrTabNotFound):
		writeError(w, http.StatusNotFound, "Tab not found")
		return
	case errors.Is(err, orchestrator.ErrNotFailed):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeConnectError(w, id, err)
		return
	}
	tab, _ := s.orch.Store().Get(id)
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) cancelReconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.orch.Store().Get(id); !ok {
		writeError(w, http.StatusNotFound, "Tab not found")
		return
	}
	if !s.orch.CancelReconnect(id) {
		writeError(w, http.StatusConflict, "Tab is not reconnecting")
		return
	}
	tab, _ := s.orch.Store().Get(id)
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) closeTab(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Close(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, tabstate.ErrTabNotFound):
		writeError(w, http.StatusNotFound, "Tab not found")
	case err != nil:
		// The tab is gone either way; report the session close failure.
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) serverLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}
	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func (s *Server) clearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
