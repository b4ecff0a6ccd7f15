package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aperture-research/maxwell/internal/config"
	"github.com/aperture-research/maxwell/internal/domain"
	"github.com/aperture-research/maxwell/internal/domain/agent"
	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/domain/project"
	"github.com/aperture-research/maxwell/internal/domain/safety"
	"github.com/aperture-research/maxwell/internal/domain/task"
	"github.com/aperture-research/maxwell/internal/port/messagebus"
	"github.com/aperture-research/maxwell/internal/resilience"
	"github.com/aperture-research/maxwell/internal/service"
)

// mockStore is a full in-memory implementation of database.Store.
type mockStore struct {
	mu          sync.Mutex
	projects    map[string]*project.ResearchProject
	tasks       map[string]*task.Task
	agents      map[string]*agent.Agent
	violations  map[string]*safety.Violation
	deadLetters []message.Message
}

func newMockStore() *mockStore {
	return &mockStore{
		projects:   make(map[string]*project.ResearchProject),
		tasks:      make(map[string]*task.Task),
		agents:     make(map[string]*agent.Agent),
		violations: make(map[string]*safety.Violation),
	}
}

func (m *mockStore) CreateProject(_ context.Context, p *project.ResearchProject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *mockStore) GetProject(_ context.Context, id string) (*project.ResearchProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("get project %s: %w", id, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *mockStore) ListProjects(_ context.Context) ([]project.ResearchProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []project.ResearchProject
	for _, p := range m.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (m *mockStore) UpdateProjectState(_ context.Context, id string, state project.State, reason project.FailureReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.State = state
	p.FailureReason = reason
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if state == project.StatePlanning && p.StartedAt == nil {
		now := time.Now().UTC()
		p.StartedAt = &now
	}
	if state.IsTerminal() {
		now := time.Now().UTC()
		p.CompletedAt = &now
	}
	return nil
}

func (m *mockStore) UpdateProjectProgress(_ context.Context, id string, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.ProgressPercentage = progress
	return nil
}

func (m *mockStore) UpdateProjectBudget(_ context.Context, id string, budgetUsed float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.BudgetUsed = budgetUsed
	return nil
}

func (m *mockStore) SetProjectAgents(_ context.Context, id string, agentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.AssignedAgents = agentIDs
	return nil
}

func (m *mockStore) CreateTasks(_ context.Context, tasks []task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range tasks {
		cp := tasks[i]
		m.tasks[cp.ID] = &cp
	}
	return nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) ListTasksByProject(_ context.Context, projectID string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateTaskStatus(_ context.Context, id string, status task.Status, agentID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	t.AssignedAgent = agentID
	t.Error = errMsg
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockStore) UpdateTaskCost(_ context.Context, id string, actualCost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.ActualCost = actualCost
	return nil
}

func (m *mockStore) IncrementTaskAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	t.Attempts++
	return t.Attempts, nil
}

func (m *mockStore) CreateAgent(_ context.Context, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *mockStore) ListAgents(_ context.Context) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Agent
	for _, a := range m.agents {
		out = append(out, *a)
	}
	return out, nil
}

func (m *mockStore) UpdateAgentStatus(_ context.Context, id string, status agent.Status, heartbeat time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	a.LastHeartbeat = heartbeat
	return nil
}

func (m *mockStore) UpdateAgentLoad(_ context.Context, id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.CurrentLoad += delta
	if a.CurrentLoad < 0 {
		a.CurrentLoad = 0
	}
	return nil
}

func (m *mockStore) UpdateAgentReputation(_ context.Context, id string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Reputation = score
	return nil
}

func (m *mockStore) CreateViolation(_ context.Context, v *safety.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.violations[v.ID] = &cp
	return nil
}

func (m *mockStore) ListViolations(_ context.Context, includeResolved bool) ([]safety.Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []safety.Violation
	for _, v := range m.violations {
		if !includeResolved && v.Resolved {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

func (m *mockStore) ResolveViolation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.violations[id]
	if !ok || v.Resolved {
		return domain.ErrNotFound
	}
	v.Resolved = true
	now := time.Now().UTC()
	v.ResolvedAt = &now
	return nil
}

func (m *mockStore) CreateDeadLetter(_ context.Context, msg *message.Message, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, *msg)
	return nil
}

// taskByStage finds a project task by stage name.
func (m *mockStore) taskByStage(projectID, stage string) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ProjectID == projectID && t.Stage == stage {
			cp := *t
			return &cp
		}
	}
	return nil
}

// mockBus records published messages without delivering them.
type mockBus struct {
	mu        sync.Mutex
	published []message.Message
}

func (b *mockBus) Publish(_ context.Context, msg message.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", len(b.published)+1)
	}
	b.published = append(b.published, msg)
	return msg.ID, nil
}

func (b *mockBus) Subscribe(message.Topic, string, messagebus.Handler) (func(), error) {
	return func() {}, nil
}

func (b *mockBus) Ack(string, string) {}

func (b *mockBus) Close() error { return nil }

func (b *mockBus) byType(t message.Type) []message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []message.Message
	for _, m := range b.published {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// nopHub discards broadcast events.
type nopHub struct{}

func (nopHub) BroadcastEvent(context.Context, string, any) {}

type testEnv struct {
	store     *mockStore
	bus       *mockBus
	registry  *service.RegistryService
	ledger    *service.LedgerService
	gate      *service.GateService
	scheduler *service.SchedulerService
	orch      *service.OrchestratorService
	cfg       *config.Orchestrator
}

func newTestEnv() *testEnv {
	return newTestEnvCfg(nil)
}

// newTestEnvCfg builds an environment with the default orchestrator config,
// optionally adjusted before the services are wired.
func newTestEnvCfg(adjust func(*config.Orchestrator)) *testEnv {
	store := newMockStore()
	b := &mockBus{}
	cfg := config.Defaults().Orchestrator
	if adjust != nil {
		adjust(&cfg)
	}

	registry := service.NewRegistryService(store, nopHub{})
	ledger := service.NewLedgerService(store)
	gate := service.NewGateService(store, b, nil)
	breaker := resilience.NewBreaker(5, time.Second)
	scheduler := service.NewSchedulerService(store, b, registry, ledger, gate, nopHub{}, breaker, nil, &cfg)
	orch := service.NewOrchestratorService(store, b, scheduler, registry, ledger, gate, nopHub{}, &cfg)

	return &testEnv{
		store:     store,
		bus:       b,
		registry:  registry,
		ledger:    ledger,
		gate:      gate,
		scheduler: scheduler,
		orch:      orch,
		cfg:       &cfg,
	}
}

// registerAgent registers a worker with the given capabilities.
func (e *testEnv) registerAgent(t interface{ Fatalf(string, ...any) }, id string, caps ...agent.Capability) *agent.Agent {
	a, err := e.registry.Register(context.Background(), agent.RegisterRequest{
		ID:            id,
		Name:          id,
		Type:          agent.TypeExperimental,
		Capabilities:  caps,
		MaxConcurrent: 4,
	})
	if err != nil {
		t.Fatalf("register agent %s: %v", id, err)
	}
	return a
}

// allCaps is the capability set a generalist test agent advertises.
var allCaps = []agent.Capability{
	agent.CapLiteratureSearch, agent.CapHypothesisGen, agent.CapExperimentalDesign,
	agent.CapSafetyAssessment, agent.CapDataCollection, agent.CapDataAnalysis,
	agent.CapResultInterpret, agent.CapPeerReview, agent.CapReportGeneration,
}
