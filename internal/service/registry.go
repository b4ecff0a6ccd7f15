package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aperture-research/maxwell/internal/adapter/ws"
	"github.com/aperture-research/maxwell/internal/domain"
	"github.com/aperture-research/maxwell/internal/domain/agent"
	"github.com/aperture-research/maxwell/internal/port/broadcast"
	"github.com/aperture-research/maxwell/internal/port/database"
)

// Reputation adjustments applied on task outcomes, clamped to [0, 100].
const (
	reputationOnSuccess = 1.0
	reputationOnFailure = -5.0
)

// RegistryService tracks worker agents: registration, capability matching,
// liveness, load, and reputation. It is the only writer of agent entries;
// the mutex serializes load increments against concurrent scheduling passes.
type RegistryService struct {
	store database.Store
	hub   broadcast.Broadcaster

	mu sync.Mutex // serializes load/status mutation across scheduling passes
}

// NewRegistryService creates a RegistryService.
func NewRegistryService(store database.Store, hub broadcast.Broadcaster) *RegistryService {
	return &RegistryService{store: store, hub: hub}
}

// Register adds a new agent. Returns domain.ErrDuplicate if the id is
// already active, and domain.ErrValidation for malformed descriptors.
func (s *RegistryService) Register(ctx context.Context, req agent.RegisterRequest) (*agent.Agent, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if !agent.ValidType(req.Type) {
		return nil, fmt.Errorf("%w: unknown agent type %q", domain.ErrValidation, req.Type)
	}
	if len(req.Capabilities) == 0 {
		return nil, fmt.Errorf("%w: at least one capability is required", domain.ErrValidation)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.store.GetAgent(ctx, id); err == nil && existing.Status != agent.StatusOffline {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrDuplicate)
	}

	maxConcurrent := req.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	now := time.Now().UTC()
	a := &agent.Agent{
		ID:            id,
		Name:          req.Name,
		Type:          req.Type,
		Capabilities:  req.Capabilities,
		Status:        agent.StatusIdle,
		Reputation:    100.0,
		MaxConcurrent: maxConcurrent,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("store agent: %w", err)
	}

	s.hub.BroadcastEvent(ctx, ws.EventComponentStatus, ws.ComponentStatusEvent{
		Component: "agent:" + a.ID,
		Status:    string(a.Status),
	})

	slog.Info("agent registered", "agent_id", a.ID, "type", a.Type, "capabilities", len(a.Capabilities))
	return a, nil
}

// Heartbeat records agent liveness and status. Unknown ids are a logged
// no-op error, never fatal to the caller's workflow.
func (s *RegistryService) Heartbeat(ctx context.Context, agentID string, status agent.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		slog.Warn("heartbeat from unknown agent", "agent_id", agentID)
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	if status == "" {
		status = agent.StatusActive
	}
	return s.store.UpdateAgentStatus(ctx, agentID, status, time.Now().UTC())
}

// Candidate pairs an agent id with its selection score.
type Candidate struct {
	AgentID string
	Score   float64
}

// FindByCapability returns up to count agents able to perform the given
// capability, best first: score = reputation/100 - load_factor, ties broken
// by oldest heartbeat. Returns fewer than count when the pool is thin;
// never fails.
func (s *RegistryService) FindByCapability(ctx context.Context, cap agent.Capability, count int) []Candidate {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		slog.Error("registry list failed", "error", err)
		return nil
	}

	var pool []agent.Agent
	for i := range agents {
		a := agents[i]
		if !a.Status.Available() || !a.HasCapability(cap) {
			continue
		}
		if a.CurrentLoad >= a.MaxConcurrent {
			continue
		}
		pool = append(pool, a)
	}

	sort.SliceStable(pool, func(i, j int) bool {
		si, sj := pool[i].Score(), pool[j].Score()
		if si != sj {
			return si > sj
		}
		return pool[i].LastHeartbeat.Before(pool[j].LastHeartbeat)
	})

	if count > len(pool) {
		count = len(pool)
	}
	out := make([]Candidate, 0, count)
	for _, a := range pool[:count] {
		out = append(out, Candidate{AgentID: a.ID, Score: a.Score()})
	}
	return out
}

// Reserve increments the agent's load for a new assignment. Serialized so
// concurrent scheduling passes cannot overcommit one agent.
func (s *RegistryService) Reserve(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !a.Status.Available() {
		return fmt.Errorf("agent %s is %s: %w", agentID, a.Status, domain.ErrCapacity)
	}
	if a.CurrentLoad >= a.MaxConcurrent {
		return fmt.Errorf("agent %s at capacity: %w", agentID, domain.ErrCapacity)
	}
	if err := s.store.UpdateAgentLoad(ctx, agentID, +1); err != nil {
		return err
	}
	if a.CurrentLoad+1 >= a.MaxConcurrent {
		_ = s.store.UpdateAgentStatus(ctx, agentID, agent.StatusBusy, a.LastHeartbeat)
	}
	return nil
}

// Release decrements the agent's load after a task finishes or is
// reassigned, and records the outcome in its reputation.
func (s *RegistryService) Release(ctx context.Context, agentID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		slog.Warn("release for unknown agent", "agent_id", agentID)
		return
	}
	if a.CurrentLoad > 0 {
		if err := s.store.UpdateAgentLoad(ctx, agentID, -1); err != nil {
			slog.Error("decrement agent load", "agent_id", agentID, "error", err)
		}
	}
	if a.Status == agent.StatusBusy {
		_ = s.store.UpdateAgentStatus(ctx, agentID, agent.StatusActive, a.LastHeartbeat)
	}

	delta := reputationOnFailure
	if success {
		delta = reputationOnSuccess
	}
	score := a.Reputation + delta
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	if err := s.store.UpdateAgentReputation(ctx, agentID, score); err != nil {
		slog.Error("update agent reputation", "agent_id", agentID, "error", err)
	}
}

// SweepStale marks agents whose last heartbeat is older than timeout as
// offline and returns their ids so assigned tasks can be reassigned.
func (s *RegistryService) SweepStale(ctx context.Context, timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		slog.Error("stale sweep list failed", "error", err)
		return nil
	}

	cutoff := time.Now().UTC().Add(-timeout)
	var swept []string
	for i := range agents {
		a := agents[i]
		if a.Status == agent.StatusOffline || !a.LastHeartbeat.Before(cutoff) {
			continue
		}
		if err := s.store.UpdateAgentStatus(ctx, a.ID, agent.StatusOffline, a.LastHeartbeat); err != nil {
			slog.Error("mark agent offline", "agent_id", a.ID, "error", err)
			continue
		}
		swept = append(swept, a.ID)
		s.hub.BroadcastEvent(ctx, ws.EventComponentStatus, ws.ComponentStatusEvent{
			Component: "agent:" + a.ID,
			Status:    string(agent.StatusOffline),
		})
		slog.Warn("agent marked offline", "agent_id", a.ID, "last_heartbeat", a.LastHeartbeat)
	}
	return swept
}

// Get returns an agent by id.
func (s *RegistryService) Get(ctx context.Context, id string) (*agent.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// List returns all registered agents.
func (s *RegistryService) List(ctx context.Context) ([]agent.Agent, error) {
	return s.store.ListAgents(ctx)
}
