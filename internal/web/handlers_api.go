package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"kasa-go-home/internal/platform"
)

// entryView is the API shape of a config entry. Entry data is left out since
// it can hold credentials.
type entryView struct {
	EntryID      string              `json:"entry_id"`
	Domain       string              `json:"domain"`
	Title        string              `json:"title"`
	UniqueID     string              `json:"unique_id,omitempty"`
	Source       string              `json:"source,omitempty"`
	Version      int                 `json:"version"`
	MinorVersion int                 `json:"minor_version"`
	State        platform.EntryState `json:"state"`
	Reason       string              `json:"reason,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	ModifiedAt   time.Time           `json:"modified_at"`
}

func newEntryView(e *platform.ConfigEntry) entryView {
	rec := e.Snapshot()
	return entryView{
		EntryID:      rec.EntryID,
		Domain:       rec.Domain,
		Title:        rec.Title,
		UniqueID:     rec.UniqueID,
		Source:       rec.Source,
		Version:      rec.Version,
		MinorVersion: rec.MinorVersion,
		State:        e.State(),
		Reason:       e.Reason(),
		CreatedAt:    rec.CreatedAt,
		ModifiedAt:   rec.ModifiedAt,
	}
}

func (s *Server) handleAPIListEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.hub.Entries.List(r.URL.Query().Get("domain"))
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newEntryView(e))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := s.hub.Entries.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	s.writeJSON(w, http.StatusOK, newEntryView(e))
}

func (s *Server) handleAPIReloadEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	err := s.hub.Entries.Reload(ctx, id)
	switch {
	case errors.Is(err, platform.ErrUnknownEntry):
		s.writeError(w, http.StatusNotFound, "entry not found")
		return
	case err != nil:
		s.logger.Warn("reload entry", "entry", id, "err", err)
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	e, _ := s.hub.Entries.Get(id)
	s.writeJSON(w, http.StatusOK, newEntryView(e))
}

func (s *Server) handleAPIDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.hub.Entries.Get(id); !ok {
		s.writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err := s.hub.Entries.Remove(r.Context(), id); err != nil {
		s.logger.Error("delete entry", "entry", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListEntities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, nonNil(s.hub.Entities.List()))
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, nonNil(s.hub.Devices.List()))
}

func (s *Server) handleAPIListStates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, nonNil(s.hub.States.All()))
}

func (s *Server) handleAPIGetState(w http.ResponseWriter, r *http.Request) {
	st, ok := s.hub.States.Get(r.PathValue("entity_id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type callServiceRequest struct {
	EntityID string         `json:"entity_id"`
	Data     map[string]any `json:"data,omitempty"`
}

func (s *Server) handleAPICallService(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	var req callServiceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.EntityID == "" {
		s.writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	err := s.hub.CallService(ctx, service, req.EntityID, req.Data)
	switch {
	case err == nil:
	case errors.Is(err, platform.ErrUnknownEntity):
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	case errors.Is(err, platform.ErrServiceNotSupported):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.Error("call service", "service", service, "entity_id", req.EntityID, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	st, _ := s.hub.States.Get(req.EntityID)
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIListFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.writeJSON(w, http.StatusOK, nonNil(s.hub.Flows.InProgress(q.Get("handler"), q.Get("source"))))
}

type startFlowRequest struct {
	Handler string `json:"handler"`
}

// handleAPIStartFlow opens a user flow and returns it with its first form.
func (s *Server) handleAPIStartFlow(w http.ResponseWriter, r *http.Request) {
	var req startFlowRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	integ, ok := s.hub.Integration(req.Handler)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown integration")
		return
	}
	if _, ok := integ.(platform.FlowHandler); !ok {
		s.writeError(w, http.StatusBadRequest, "integration does not support flows")
		return
	}

	flow, _ := s.hub.Flows.Start(req.Handler, platform.SourceUser, "", "", nil)
	res, err := s.hub.Flows.Configure(r.Context(), flow.FlowID, nil)
	if err != nil {
		s.logger.Error("start flow", "handler", req.Handler, "err", err)
		s.hub.Flows.Abort(flow.FlowID)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"flow": flow, "result": res})
}

func (s *Server) handleAPIConfigureFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var input map[string]any
	if !s.decodeBody(w, r, &input) {
		return
	}
	if input == nil {
		input = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	res, err := s.hub.Flows.Configure(ctx, id, input)
	switch {
	case errors.Is(err, platform.ErrUnknownFlow):
		s.writeError(w, http.StatusNotFound, "flow not found")
		return
	case err != nil:
		s.logger.Error("configure flow", "flow", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAPIAbortFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.hub.Flows.Get(id); !ok {
		s.writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	s.hub.Flows.Abort(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
