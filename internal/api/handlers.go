package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/masqctl/masqctl/internal/advisor"
	"github.com/masqctl/masqctl/internal/apply"
	"github.com/masqctl/masqctl/internal/dnsconf"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting_down",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Status.Snapshot()
	body := map[string]any{
		"status":    "ready",
		"connected": snap.Connected,
		"active":    snap.Active,
	}
	if !s.ready.Load() || s.shuttingDown.Load() {
		body["status"] = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Snapshot())
}

func (s *Server) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readConfigBody(w, r)
	if !ok {
		return
	}
	res, err := dnsconf.ResultOf(s.deps.Validator.Validate(r.Context(), body))
	if err != nil {
		writeErr(w, err)
		return
	}
	switch {
	case res.Valid:
		writeJSON(w, http.StatusOK, res)
	case res.Kind == dnsconf.KindTooLarge:
		writeJSON(w, http.StatusRequestEntityTooLarge, res)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	}
}

type stageResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	VersionID uint64 `json:"versionId,omitempty"`
	Code      string `json:"code,omitempty"`
}

func (s *Server) handleStageConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readConfigBody(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Workflow.Stage(r.Context(), body)
	if errors.Is(err, apply.ErrApplyInProgress) {
		writeErr(w, err)
		return
	}
	if err != nil {
		status, code := classifyError(err)
		writeJSON(w, status, stageResponse{
			Message:   err.Error(),
			VersionID: res.VersionID,
			Code:      code,
		})
		return
	}
	writeJSON(w, http.StatusOK, stageResponse{
		Success:   true,
		Message:   "configuration staged; restart to apply",
		VersionID: res.VersionID,
	})
}

type restartResponse struct {
	apply.RestartResult
	Code string `json:"code,omitempty"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Workflow.Restart(r.Context())
	if errors.Is(err, apply.ErrApplyInProgress) {
		writeErr(w, err)
		return
	}
	if err != nil {
		status, code := classifyError(err)
		writeJSON(w, status, restartResponse{RestartResult: res, Code: code})
		return
	}
	writeJSON(w, http.StatusOK, restartResponse{RestartResult: res})
}

type applyResponse struct {
	apply.Result
	Code string `json:"code,omitempty"`
}

// writeApplyResult writes the workflow result with the status of its
// failure, if any. Busy callers get a plain error body.
func writeApplyResult(w http.ResponseWriter, res apply.Result, err error) {
	if errors.Is(err, apply.ErrApplyInProgress) || (err != nil && res.RequestID == "") {
		writeErr(w, err)
		return
	}
	if err != nil {
		status, code := classifyError(err)
		writeJSON(w, status, applyResponse{Result: res, Code: code})
		return
	}
	writeJSON(w, http.StatusOK, applyResponse{Result: res})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readConfigBody(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Workflow.Apply(r.Context(), body)
	writeApplyResult(w, res, err)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := versionID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Workflow.Rollback(r.Context(), id)
	writeApplyResult(w, res, err)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.History.Active()
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Config-Version", strconv.FormatUint(cfg.ID, 10))
	_, _ = w.Write(cfg.Content)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Workflow.Pending()
	if !ok {
		writeError(w, http.StatusNotFound, "no pending configuration", CodeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	list, err := s.deps.History.History(limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := versionID(w, r)
	if !ok {
		return
	}
	cfg, err := s.deps.History.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Config-Version", strconv.FormatUint(cfg.ID, 10))
	_, _ = w.Write(cfg.Content)
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeError(w, http.StatusNotFound, "query log is disabled", CodeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Logs.Recent(queryInt(r, "limit", 100)))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeError(w, http.StatusNotFound, "query log is disabled", CodeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Logs.Stats())
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readConfigBody(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Advisor.Analyze(r.Context(), string(body))
	if err != nil {
		s.logger.Debug("advisor analyze unavailable", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSuggestRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&req); err != nil || strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest,
			"request body must contain {\"description\":\"...\"}", CodeBadRequest)
		return
	}
	sug, err := s.deps.Advisor.SuggestRecord(r.Context(), req.Description)
	if err != nil {
		if !errors.Is(err, advisor.ErrUnavailable) {
			s.logger.Warn("advisor suggest failed", "error", err)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

func versionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "version id must be a positive integer", CodeBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}
