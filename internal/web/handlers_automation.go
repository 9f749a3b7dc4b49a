package web

import (
	"errors"
	"net/http"
	"slices"

	"kasa-go-home/internal/automation"
)

// automationView is a stored script plus whether its VM is live.
type automationView struct {
	*automation.Script
	Running bool `json:"running"`
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) automationsEnabled(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return false
	}
	return true
}

func (s *Server) viewScript(sc *automation.Script) automationView {
	return automationView{Script: sc, Running: slices.Contains(s.autoEngine.Running(), sc.ID)}
}

// lookupScript writes the error response itself when ok is false.
func (s *Server) lookupScript(w http.ResponseWriter, id string) (*automation.Script, bool) {
	sc, err := s.scriptMgr.Get(id)
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
		return nil, false
	case err != nil:
		s.logger.Error("get script", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return sc, true
}

// storeScript saves sc and restarts or stops its VM to match Enabled.
func (s *Server) storeScript(w http.ResponseWriter, sc *automation.Script, status int) {
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.logger.Error("save script", "id", sc.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	// A script that fails to start stays saved; the engine already logged why.
	if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
		s.logger.Warn("reload script", "id", saved.ID, "err", err)
	}
	s.writeJSON(w, status, s.viewScript(saved))
}

func (s *Server) decodeScript(w http.ResponseWriter, r *http.Request) (saveAutomationRequest, bool) {
	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req) {
		return req, false
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return req, false
	}
	if err := automation.CheckSyntax(req.LuaCode); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusOK, []automationView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	views := make([]automationView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, s.viewScript(sc))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsEnabled(w) {
		return
	}
	if sc, ok := s.lookupScript(w, r.PathValue("id")); ok {
		s.writeJSON(w, http.StatusOK, s.viewScript(sc))
	}
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsEnabled(w) {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	s.storeScript(w, &automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	}, http.StatusCreated)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsEnabled(w) {
		return
	}
	sc, ok := s.lookupScript(w, r.PathValue("id"))
	if !ok {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	sc.Meta = automation.ScriptMeta{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled,
	}
	sc.LuaCode = req.LuaCode
	s.storeScript(w, sc, http.StatusOK)
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsEnabled(w) {
		return
	}
	sc, ok := s.lookupScript(w, r.PathValue("id"))
	if !ok {
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	s.storeScript(w, sc, http.StatusOK)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsEnabled(w) {
		return
	}
	id := r.PathValue("id")
	s.autoEngine.StopScript(id)

	err := s.scriptMgr.Delete(id)
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
	case err != nil:
		s.logger.Error("delete script", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleAPIRunAutomation runs a saved script once in a throwaway VM.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsEnabled(w) {
		return
	}
	sc, ok := s.lookupScript(w, r.PathValue("id"))
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(sc.LuaCode))
}

// handleAPIRunLua runs code from the request body without saving it.
func (s *Server) handleAPIRunLua(w http.ResponseWriter, r *http.Request) {
	if !s.automationsEnabled(w) {
		return
	}
	var req struct {
		LuaCode string `json:"lua_code"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
