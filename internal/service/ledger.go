package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aperture-research/maxwell/internal/port/database"
)

// LedgerService owns the per-project budget counters. Reservations are
// admission control: a false return means the costed action must not
// proceed, and the caller does not retry automatically. The orchestrator
// reads budget state; only the ledger writes it.
type LedgerService struct {
	store database.Store

	mu       sync.Mutex
	projects map[string]*budgetEntry
}

type budgetEntry struct {
	total float64
	used  float64
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(store database.Store) *LedgerService {
	return &LedgerService{
		store:    store,
		projects: make(map[string]*budgetEntry),
	}
}

// Open registers a project's budget ceiling with the ledger. Called once
// when the orchestrator creates the project.
func (s *LedgerService) Open(projectID string, total, used float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID] = &budgetEntry{total: total, used: used}
}

// Reserve atomically checks used + amount <= total and commits the
// reservation when it fits. Returns false when the reservation would
// exceed the ceiling.
func (s *LedgerService) Reserve(ctx context.Context, projectID string, amount float64) (bool, error) {
	s.mu.Lock()
	entry, ok := s.projects[projectID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("ledger has no entry for project %s", projectID)
	}
	if entry.used+amount > entry.total {
		used, total := entry.used, entry.total
		s.mu.Unlock()
		slog.Warn("budget reservation rejected", "project_id", projectID,
			"amount", amount, "used", used, "total", total)
		return false, nil
	}
	entry.used += amount
	used := entry.used
	s.mu.Unlock()

	if err := s.store.UpdateProjectBudget(ctx, projectID, used); err != nil {
		return true, fmt.Errorf("persist budget: %w", err)
	}
	return true, nil
}

// RecordActual reconciles a reservation with the real cost reported after
// task completion. The actual may under- or over-shoot the reservation;
// budget_used never goes negative and stays monotonically non-decreasing
// relative to committed spend.
func (s *LedgerService) RecordActual(ctx context.Context, projectID string, reserved, actual float64) error {
	s.mu.Lock()
	entry, ok := s.projects[projectID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("ledger has no entry for project %s", projectID)
	}
	entry.used += actual - reserved
	if entry.used < 0 {
		entry.used = 0
	}
	used := entry.used
	s.mu.Unlock()

	if err := s.store.UpdateProjectBudget(ctx, projectID, used); err != nil {
		return fmt.Errorf("persist budget: %w", err)
	}
	return nil
}

// ReleaseReservation returns a reservation that never ran (for example a
// dispatch that failed before reaching an agent).
func (s *LedgerService) ReleaseReservation(ctx context.Context, projectID string, reserved float64) error {
	return s.RecordActual(ctx, projectID, reserved, 0)
}

// Snapshot returns the current (used, total) pair for a project.
func (s *LedgerService) Snapshot(projectID string) (used, total float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.projects[projectID]
	if !found {
		return 0, 0, false
	}
	return entry.used, entry.total, true
}

// Close drops the ledger entry for a terminal project.
func (s *LedgerService) Close(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, projectID)
}
