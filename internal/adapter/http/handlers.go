package http

import (
	"encoding/json"
	"net/http"

	"github.com/aperture-research/maxwell/internal/adapter/ws"
	"github.com/aperture-research/maxwell/internal/config"
	"github.com/aperture-research/maxwell/internal/domain/agent"
	"github.com/aperture-research/maxwell/internal/domain/project"
	"github.com/aperture-research/maxwell/internal/port/cache"
	"github.com/aperture-research/maxwell/internal/service"
)

const (
	cacheKeyProjects = "snapshot:projects"
	cacheKeyAgents   = "snapshot:agents"
)

// Handlers bundles the services the REST surface exposes.
type Handlers struct {
	orch     *service.OrchestratorService
	registry *service.RegistryService
	gate     *service.GateService
	hub      *ws.Hub
	cache    cache.Cache
	cacheCfg config.Cache
}

// NewHandlers creates the handler set.
func NewHandlers(
	orch *service.OrchestratorService,
	registry *service.RegistryService,
	gate *service.GateService,
	hub *ws.Hub,
	c cache.Cache,
	cacheCfg config.Cache,
) *Handlers {
	return &Handlers{
		orch:     orch,
		registry: registry,
		gate:     gate,
		hub:      hub,
		cache:    c,
		cacheCfg: cacheCfg,
	}
}

// --- Projects ---

// createProjectResponse wraps the created project with the size of the
// planned task graph and, per required capability, the agent currently
// first in line. Binding happens at dispatch; this is the plan.
type createProjectResponse struct {
	project.ResearchProject
	ProjectID        string            `json:"project_id"`
	Status           string            `json:"status"`
	TasksCreated     int               `json:"tasks_created"`
	AgentAssignments map[string]string `json:"agent_assignments"`
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[project.CreateRequest](w, r)
	if !ok {
		return
	}

	p, err := h.orch.CreateProject(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}

	tasks, err := h.orch.ListTasks(r.Context(), p.ID)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	assignments := map[string]string{}
	for i := range tasks {
		capability := tasks[i].RequiredCapability
		if _, seen := assignments[string(capability)]; seen {
			continue
		}
		if cands := h.registry.FindByCapability(r.Context(), capability, 1); len(cands) > 0 {
			assignments[string(capability)] = cands[0].AgentID
		}
	}

	h.invalidate(r, cacheKeyProjects)
	writeJSON(w, http.StatusCreated, createProjectResponse{
		ResearchProject:  *p,
		ProjectID:        p.ID,
		Status:           string(p.State),
		TasksCreated:     len(tasks),
		AgentAssignments: assignments,
	})
}

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	if data, ok := h.cached(r, cacheKeyProjects); ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
		return
	}

	projects, err := h.orch.ListProjects(r.Context())
	if err != nil {
		writeDomainError(w, err, "projects not found")
		return
	}
	if projects == nil {
		projects = []project.ResearchProject{}
	}
	h.writeCached(w, r, cacheKeyProjects, projects)
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.GetProject(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// startProjectResponse wraps the started project with the agents holding
// its in-flight tasks after the first scheduling pass.
type startProjectResponse struct {
	project.ResearchProject
	Status       string   `json:"status"`
	CurrentStage string   `json:"current_stage"`
	ActiveAgents []string `json:"active_agents"`
}

func (h *Handlers) StartProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.StartProject(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	active := p.AssignedAgents
	if active == nil {
		active = []string{}
	}
	h.invalidate(r, cacheKeyProjects)
	writeJSON(w, http.StatusOK, startProjectResponse{
		ResearchProject: *p,
		Status:          string(p.State),
		CurrentStage:    string(p.State),
		ActiveAgents:    active,
	})
}

func (h *Handlers) StopProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.StopProject(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	h.invalidate(r, cacheKeyProjects)
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) ResumeProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.ResumeProject(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	h.invalidate(r, cacheKeyProjects)
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) ListProjectTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.orch.ListTasks(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- Agents ---

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agent.RegisterRequest](w, r)
	if !ok {
		return
	}

	a, err := h.registry.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	h.invalidate(r, cacheKeyAgents)
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	if data, ok := h.cached(r, cacheKeyAgents); ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
		return
	}

	agents, err := h.registry.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "agents not found")
		return
	}
	if agents == nil {
		agents = []agent.Agent{}
	}
	h.writeCached(w, r, cacheKeyAgents, agents)
}

func (h *Handlers) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status agent.Status `json:"status,omitempty"`
	}
	// Body is optional; a bare POST counts as an active heartbeat.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Status == "" {
		body.Status = agent.StatusActive
	}

	if err := h.registry.Heartbeat(r.Context(), urlParam(r, "id"), body.Status); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Safety ---

func (h *Handlers) SafetyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gate.Status(r.Context()))
}

func (h *Handlers) ListViolations(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	violations, err := h.gate.Violations(r.Context(), includeResolved)
	if err != nil {
		writeDomainError(w, err, "violations not found")
		return
	}
	writeJSON(w, http.StatusOK, violations)
}

func (h *Handlers) ResolveViolation(w http.ResponseWriter, r *http.Request) {
	if err := h.gate.Resolve(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "violation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// --- Health ---

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"ws_clients": h.hub.ConnectionCount(),
	})
}

// --- Snapshot cache helpers ---

func (h *Handlers) cached(r *http.Request, key string) ([]byte, bool) {
	if h.cache == nil {
		return nil, false
	}
	data, ok, err := h.cache.Get(r.Context(), key)
	if err != nil || !ok {
		return nil, false
	}
	return data, true
}

func (h *Handlers) writeCached(w http.ResponseWriter, r *http.Request, key string, data any) {
	buf, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if h.cache != nil {
		_ = h.cache.Set(r.Context(), key, buf, h.cacheCfg.SnapshotTTL)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

func (h *Handlers) invalidate(r *http.Request, key string) {
	if h.cache != nil {
		_ = h.cache.Delete(r.Context(), key)
	}
}
