package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/harun/benteng/pkg/hotreload"
)

// StatusResponse is the /api/status payload
type StatusResponse struct {
	State         string            `json:"state"`
	ModuleCount   int               `json:"moduleCount"`
	ToolCount     int               `json:"toolCount"`
	ActivePlugins int               `json:"activePlugins"`
	SkippedTools  int               `json:"skippedTools"`
	ByCategory    map[string]int    `json:"byCategory"`
	Clients       int               `json:"clients"`
	HotReload     *hotreload.Status `json:"hotReload,omitempty"`
}

// handleStatus serves registry counters plus watcher state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats := s.registry.Stats()
	resp := StatusResponse{
		State:         string(stats.State),
		ModuleCount:   stats.ModuleCount,
		ToolCount:     stats.ToolCount,
		ActivePlugins: stats.ActivePlugins,
		SkippedTools:  stats.SkippedTools,
		ByCategory:    stats.ByCategory,
		Clients:       s.clients.Count(),
	}
	if s.reloader != nil {
		status := s.reloader.Status()
		resp.HotReload = &status
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleModules lists every module in the ledger, inactive ones included
func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	records := s.registry.ListModules()
	modules := make([]ModuleInfo, 0, len(records))
	for _, rec := range records {
		modules = append(modules, ModuleInfo{
			Name:         rec.Name,
			Category:     rec.Category,
			Version:      rec.Version,
			FilePath:     rec.FilePath,
			Active:       rec.Active,
			Tools:        rec.Tools,
			Dependencies: rec.Dependencies,
			LoadedAt:     rec.LoadedAt,
			UnloadedAt:   rec.UnloadedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"modules": modules})
}

// handleTools lists the tool ledger
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	records := s.registry.ListTools()
	tools := make([]ToolInfo, 0, len(records))
	for _, rec := range records {
		tools = append(tools, ToolInfo{
			Module:    rec.Module,
			Name:      rec.Name,
			Category:  rec.Category,
			CreatedAt: rec.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": tools})
}

// handleAnalytics serves the full ledger snapshot with aggregates
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, s.registry.GetAnalytics())
}

// handleModuleReload serves POST /api/modules/{name}/reload
func (s *Server) handleModuleReload(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/modules/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "reload" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	name := parts[0]

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "hot reload is not enabled")
		return
	}

	s.logger.Info().Str("module", name).Msg("Reload requested via API")

	if err := s.reloader.ReloadModule(r.Context(), name, hotreload.ReloadOptions{}); err != nil {
		if errors.Is(err, hotreload.ErrNotWatched) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"module": name,
	})
}

// handleToolInvoke serves POST /api/tools/{name}/invoke. The request body
// carries the tool arguments as a JSON object.
func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tools/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "invoke" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	tool := parts[0]

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	args := map[string]interface{}{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "request body must be a JSON object")
			return
		}
	}

	result, err := s.registry.InvokeTool(tool, args)
	if s.onToolInvoked != nil {
		s.onToolInvoked(tool, err == nil)
	}
	if err != nil {
		if strings.Contains(err.Error(), "is not registered") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tool":   tool,
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
