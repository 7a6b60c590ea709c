package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mtzanidakis/treeherd/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("GET /api/tasks/{id}/timeline", s.getTimeline)
	mux.HandleFunc("GET /api/tasks/{id}/coordination", s.getCoordination)
	mux.HandleFunc("GET /api/tasks/{id}/tree", s.getTree)

	// Agents
	mux.HandleFunc("POST /api/tasks/{id}/agents", s.deployAgent)
	mux.HandleFunc("POST /api/tasks/{id}/agents/{agent}/children", s.spawnChild)
	mux.HandleFunc("GET /api/tasks/{id}/agents/{agent}/output", s.getOutput)
	mux.HandleFunc("POST /api/tasks/{id}/agents/{agent}/kill", s.killAgent)
	mux.HandleFunc("POST /api/tasks/{id}/agents/{agent}/progress", s.updateProgress)
	mux.HandleFunc("POST /api/tasks/{id}/agents/{agent}/findings", s.reportFinding)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.ListTasks(r.Context())
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, g)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description string `json:"description"`
		Priority    string `json:"priority"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	t, err := s.engine.CreateTask(r.Context(), body.Description, body.Priority)
	if err != nil {
		engineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"task_id":   t.ID,
		"workspace": t.Workspace,
		"status":    t.Status,
		"task":      t,
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetTaskStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, view)
}

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := s.engine.ProgressTimeline(r.Context(), r.PathValue("id"))
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, tl)
}

func (s *Server) getCoordination(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.ComprehensiveStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, c)
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.engine.TaskTree(r.Context(), r.PathValue("id"))
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"task_id": r.PathValue("id"), "tree": tree})
}

func (s *Server) deployAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentType string `json:"agent_type"`
		Prompt    string `json:"prompt"`
		Parent    string `json:"parent"`
		WorkDir   string `json:"work_dir"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	dep, err := s.engine.DeployAgent(r.Context(), orchestrator.DeployRequest{
		TaskID:    r.PathValue("id"),
		AgentType: body.AgentType,
		Prompt:    body.Prompt,
		Parent:    body.Parent,
		WorkDir:   body.WorkDir,
	})
	if err != nil {
		engineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(dep)
}

func (s *Server) spawnChild(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChildAgentType string `json:"child_agent_type"`
		ChildPrompt    string `json:"child_prompt"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	dep, err := s.engine.SpawnChildAgent(r.Context(), r.PathValue("id"), r.PathValue("agent"), body.ChildAgentType, body.ChildPrompt)
	if err != nil {
		engineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(dep)
}

func (s *Server) getOutput(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.GetAgentOutput(r.Context(), r.PathValue("id"), r.PathValue("agent"))
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, out)
}

func (s *Server) killAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	res, err := s.engine.KillAgent(r.Context(), r.PathValue("id"), r.PathValue("agent"), body.Reason)
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) updateProgress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status   string `json:"status"`
		Message  string `json:"message"`
		Progress int    `json:"progress"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	ack, err := s.engine.UpdateProgress(r.Context(), orchestrator.ProgressUpdate{
		TaskID:   r.PathValue("id"),
		AgentID:  r.PathValue("agent"),
		Status:   body.Status,
		Message:  body.Message,
		Progress: body.Progress,
	})
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, ack)
}

func (s *Server) reportFinding(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FindingType string         `json:"finding_type"`
		Severity    string         `json:"severity"`
		Message     string         `json:"message"`
		Data        map[string]any `json:"data"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	ack, err := s.engine.ReportFinding(r.Context(), orchestrator.FindingReport{
		TaskID:      r.PathValue("id"),
		AgentID:     r.PathValue("agent"),
		FindingType: body.FindingType,
		Severity:    body.Severity,
		Message:     body.Message,
		Data:        body.Data,
	})
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, ack)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.ListTasks(r.Context())
	if err != nil {
		engineError(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"status":               "ok",
		"version":              s.version,
		"uptime":               formatUptime(time.Since(s.startedAt)),
		"backend":              s.engine.BackendName(),
		"total_tasks":          g.TotalTasks,
		"active_tasks":         g.ActiveTasks,
		"total_agents_spawned": g.TotalAgentsSpawned,
		"active_agents":        g.ActiveAgents,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// engineError writes the structured failure with a status matching its code.
func engineError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err))
	json.NewEncoder(w).Encode(orchestrator.Failure(err))
}

func httpStatus(err error) int {
	switch orchestrator.Code(err) {
	case "TaskNotFound", "AgentNotFound":
		return http.StatusNotFound
	case "InvalidArgument":
		return http.StatusBadRequest
	case "ConcurrencyLimitExceeded", "AgentCapExceeded", "DepthLimitExceeded":
		return http.StatusTooManyRequests
	case "BackendUnavailable":
		return http.StatusServiceUnavailable
	case "SessionStartFailed", "SessionTerminatedImmediately":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
