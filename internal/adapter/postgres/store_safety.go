package postgres

import (
	"context"
	"fmt"

	"github.com/aperture-research/maxwell/internal/domain/message"
	"github.com/aperture-research/maxwell/internal/domain/safety"
)

func (s *Store) CreateViolation(ctx context.Context, v *safety.Violation) error {
	const q = `
		INSERT INTO safety_violations (id, rule_id, severity, project_id, description, detected_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		v.ID, v.RuleID, string(v.Severity), v.ProjectID, v.Description, v.DetectedAt, v.Resolved)
	if err != nil {
		return fmt.Errorf("create violation: %w", err)
	}
	return nil
}

func (s *Store) ListViolations(ctx context.Context, includeResolved bool) ([]safety.Violation, error) {
	q := `SELECT id, rule_id, severity, project_id, description, detected_at, resolved, resolved_at
		FROM safety_violations`
	if !includeResolved {
		q += ` WHERE resolved = FALSE`
	}
	q += ` ORDER BY detected_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var violations []safety.Violation
	for rows.Next() {
		var v safety.Violation
		var severity string
		if err := rows.Scan(&v.ID, &v.RuleID, &severity, &v.ProjectID,
			&v.Description, &v.DetectedAt, &v.Resolved, &v.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Severity = safety.Severity(severity)
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

func (s *Store) ResolveViolation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE safety_violations SET resolved = TRUE, resolved_at = now() WHERE id = $1 AND resolved = FALSE`,
		id)
	return execExpectOne(tag, err, "resolve violation %s", id)
}

// CreateDeadLetter records a message that exhausted redelivery.
func (s *Store) CreateDeadLetter(ctx context.Context, m *message.Message, reason string) error {
	const q = `
		INSERT INTO dead_letters (message_id, message_type, sender, recipient, payload, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`

	payload := m.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, q, m.ID, string(m.Type), m.From, m.To, payload, reason)
	if err != nil {
		return fmt.Errorf("create dead letter: %w", err)
	}
	return nil
}
