package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aperture-research/maxwell/internal/adapter/otel"
	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/domain/safety"
	"github.com/aperture-research/maxwell/internal/port/database"
	"github.com/aperture-research/maxwell/internal/port/messagebus"
)

// evaluationBudget bounds one full rule-set evaluation. Overrunning it is
// treated as a non-deterministic rule and fails closed.
const evaluationBudget = 500 * time.Millisecond

// gateSender identifies messages the gate itself publishes, so consumers
// can tell operator-initiated emergency requests from gate broadcasts.
const gateSender = "safety-gate"

// GateService evaluates events against a fixed, ordered safety rule set.
// The first matching rule wins; rules are ordered most severe first. A rule
// that cannot be evaluated deterministically fails closed to Block.
type GateService struct {
	store   database.Store
	bus     messagebus.Bus
	rules   []safety.Rule
	metrics *otel.Metrics

	mu        sync.Mutex
	lastCheck time.Time
	active    bool
}

// NewGateService creates a GateService with the default rule set.
func NewGateService(store database.Store, bus messagebus.Bus, metrics *otel.Metrics) *GateService {
	return &GateService{
		store:   store,
		bus:     bus,
		rules:   safety.DefaultRules(),
		metrics: metrics,
		active:  true,
	}
}

// Evaluate runs the event through the rule set and returns the verdict.
// Block and EmergencyStop record a SafetyViolation; EmergencyStop also
// broadcasts a critical-priority emergency message.
func (s *GateService) Evaluate(ctx context.Context, event safety.Event) safety.Verdict {
	s.mu.Lock()
	s.lastCheck = time.Now().UTC()
	s.mu.Unlock()

	verdict, rule := s.match(event)
	s.metrics.CountVerdict(ctx, string(verdict))

	switch verdict {
	case safety.VerdictAllow:
		return verdict
	case safety.VerdictWarn:
		slog.Warn("safety warning", "rule_id", rule.ID, "project_id", event.ProjectID,
			"description", rule.Description)
		return verdict
	}

	s.recordViolation(ctx, rule, event)

	if verdict == safety.VerdictEmergencyStop {
		s.broadcastEmergency(ctx, rule, event)
	}
	return verdict
}

// match evaluates rules in order with a deadline; panics and deadline
// overruns fail closed.
func (s *GateService) match(event safety.Event) (verdict safety.Verdict, matched safety.Rule) {
	deadline := time.Now().Add(evaluationBudget)

	for _, rule := range s.rules {
		if time.Now().After(deadline) {
			slog.Error("safety evaluation exceeded budget, failing closed",
				"rule_id", rule.ID, "project_id", event.ProjectID)
			return safety.VerdictBlock, rule
		}
		hit, ok := evalRule(rule, event)
		if !ok {
			slog.Error("safety rule evaluation failed, failing closed",
				"rule_id", rule.ID, "project_id", event.ProjectID)
			return safety.VerdictBlock, rule
		}
		if hit {
			return rule.Verdict, rule
		}
	}
	return safety.VerdictAllow, safety.Rule{}
}

// evalRule runs one rule predicate, converting a panic into a failed
// evaluation so the gate can fail closed.
func evalRule(rule safety.Rule, event safety.Event) (hit, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			hit, ok = false, false
		}
	}()
	return rule.Matches(event), true
}

func (s *GateService) recordViolation(ctx context.Context, rule safety.Rule, event safety.Event) {
	v := &safety.Violation{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		Severity:    rule.Severity,
		ProjectID:   event.ProjectID,
		Description: rule.Description,
		DetectedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateViolation(ctx, v); err != nil {
		slog.Error("record safety violation", "rule_id", rule.ID, "error", err)
	}
	slog.Error("safety violation", "rule_id", rule.ID, "severity", rule.Severity,
		"project_id", event.ProjectID)
}

func (s *GateService) broadcastEmergency(ctx context.Context, rule safety.Rule, event safety.Event) {
	payload, _ := json.Marshal(message.EmergencyStopPayload{
		ProjectID: event.ProjectID,
		Reason:    rule.Description,
		RuleID:    rule.ID,
	})
	if _, err := s.bus.Publish(ctx, message.Message{
		ID:       uuid.NewString(),
		Type:     message.TypeEmergencyStop,
		From:     gateSender,
		Payload:  payload,
		Priority: message.PriorityCritical,
	}); err != nil {
		slog.Error("broadcast emergency stop", "rule_id", rule.ID, "error", err)
	}
}

// Resolve acknowledges a violation by id.
func (s *GateService) Resolve(ctx context.Context, violationID string) error {
	return s.store.ResolveViolation(ctx, violationID)
}

// Violations lists recorded violations.
func (s *GateService) Violations(ctx context.Context, includeResolved bool) ([]safety.Violation, error) {
	return s.store.ListViolations(ctx, includeResolved)
}

// AutoClear resolves low-severity violations older than the retention
// window. Higher severities require explicit acknowledgment.
func (s *GateService) AutoClear(ctx context.Context, retention time.Duration) {
	violations, err := s.store.ListViolations(ctx, false)
	if err != nil {
		slog.Error("auto-clear list violations", "error", err)
		return
	}
	cutoff := time.Now().UTC().Add(-retention)
	for i := range violations {
		v := violations[i]
		if v.Severity == safety.SeverityLow && v.DetectedAt.Before(cutoff) {
			if err := s.store.ResolveViolation(ctx, v.ID); err != nil {
				slog.Error("auto-clear violation", "violation_id", v.ID, "error", err)
			}
		}
	}
}

// Status summarizes the gate for the safety endpoint.
type GateStatus struct {
	ViolationCount   int       `json:"violation_count"`
	LastCheck        time.Time `json:"last_check"`
	MonitoringActive bool      `json:"monitoring_active"`
}

// Status returns the current monitoring summary.
func (s *GateService) Status(ctx context.Context) GateStatus {
	violations, err := s.store.ListViolations(ctx, false)
	if err != nil {
		slog.Error("gate status list violations", "error", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return GateStatus{
		ViolationCount:   len(violations),
		LastCheck:        s.lastCheck,
		MonitoringActive: s.active,
	}
}
