package web

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"zigbee-go-deconz/internal/automation"
)

type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

func (s *Server) running() map[string]bool {
	out := make(map[string]bool)
	if s.autoEngine == nil {
		return out
	}
	for _, id := range s.autoEngine.Running() {
		out[id] = true
	}
	return out
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	views := []scriptView{}
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, views)
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	running := s.running()
	for _, sc := range scripts {
		views = append(views, scriptView{Script: sc, Running: running[sc.ID]})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// scriptError maps manager errors to a status code.
func (s *Server) scriptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrInvalidID):
		s.writeError(w, http.StatusBadRequest, "invalid script id")
	case errors.Is(err, fs.ErrNotExist):
		s.writeError(w, http.StatusNotFound, "script not found")
	default:
		s.logger.Error("script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleAPIGetScript(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "automation not available")
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scriptView{Script: sc, Running: s.running()[sc.ID]})
}

type saveScriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	LuaCode     string `json:"lua_code"`
}

// handleAPISaveScript creates or replaces a script and restarts it.
func (s *Server) handleAPISaveScript(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "automation not available")
		return
	}

	var req saveScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		ID:      r.PathValue("id"),
		Meta:    automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.scriptError(w, err)
		return
	}

	if s.autoEngine != nil {
		if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, scriptView{Script: saved, Running: s.running()[saved.ID]})
}

func (s *Server) handleAPIDeleteScript(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "automation not available")
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		s.scriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusNotFound, "automation not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(r.PathValue("id")))
}
