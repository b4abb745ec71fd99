// Package repository persists team decisions to Postgres. Decisions are
// keyed (session_id, team_id, phase_id) and upserted, so the submit path is
// idempotent from the client's perspective: a resubmission overwrites
// rather than duplicates. Each submit also inserts an outbox row in the
// same transaction for relay to the KPI engine.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

// NotifyChannel is the Postgres channel pinged after each outbox insert.
const NotifyChannel = "decision_outbox_events"

// EventTypeDecisionSubmitted labels outbox rows created on submit.
const EventTypeDecisionSubmitted = "DecisionSubmitted"

// Repository wraps a pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a repository over an established pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const upsertDecisionSQL = `
INSERT INTO team_decisions (session_id, team_id, phase_id, payload, submitted_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id, team_id, phase_id)
DO UPDATE SET payload = EXCLUDED.payload, submitted_at = EXCLUDED.submitted_at`

const insertOutboxSQL = `
INSERT INTO decision_outbox (id, session_id, event_type, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`

// Submit upserts the decision and queues its outbox event atomically.
func (r *Repository) Submit(ctx context.Context, sessionID, teamID, phaseID string, payload models.DecisionPayload) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal decision payload: %w", err)
	}

	now := time.Now().UTC()
	eventPayload, err := json.Marshal(models.TeamDecision{
		SessionID:   sessionID,
		TeamID:      teamID,
		PhaseID:     phaseID,
		Payload:     payload,
		SubmittedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal decision event: %w", err)
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertDecisionSQL, sessionID, teamID, phaseID, payloadBytes, now); err != nil {
			return fmt.Errorf("failed to upsert decision: %w", err)
		}
		if _, err := tx.Exec(ctx, insertOutboxSQL, uuid.New(), sessionID, EventTypeDecisionSubmitted, eventPayload, now); err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, sessionID); err != nil {
			return fmt.Errorf("failed to notify outbox channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to submit decision: %w", err)
	}
	return nil
}

// GetDecision loads one persisted decision.
func (r *Repository) GetDecision(ctx context.Context, sessionID, teamID, phaseID string) (*models.TeamDecision, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT payload, submitted_at FROM team_decisions
		 WHERE session_id = $1 AND team_id = $2 AND phase_id = $3`,
		sessionID, teamID, phaseID)

	var payloadBytes []byte
	decision := models.TeamDecision{SessionID: sessionID, TeamID: teamID, PhaseID: phaseID}
	if err := row.Scan(&payloadBytes, &decision.SubmittedAt); err != nil {
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	if err := json.Unmarshal(payloadBytes, &decision.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision payload: %w", err)
	}
	return &decision, nil
}

// GetDecisionsByPhase loads every team's decision for one phase.
func (r *Repository) GetDecisionsByPhase(ctx context.Context, sessionID, phaseID string) ([]models.TeamDecision, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT team_id, payload, submitted_at FROM team_decisions
		 WHERE session_id = $1 AND phase_id = $2 ORDER BY team_id`,
		sessionID, phaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions by phase: %w", err)
	}
	defer rows.Close()

	var decisions []models.TeamDecision
	for rows.Next() {
		decision := models.TeamDecision{SessionID: sessionID, PhaseID: phaseID}
		var payloadBytes []byte
		if err := rows.Scan(&decision.TeamID, &payloadBytes, &decision.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		if err := json.Unmarshal(payloadBytes, &decision.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision payload: %w", err)
		}
		decisions = append(decisions, decision)
	}
	return decisions, rows.Err()
}

// PriorInvestmentIDs returns the investment ids a team selected in a prior
// phase, for continuation pricing and double-down ownership.
func (r *Repository) PriorInvestmentIDs(ctx context.Context, sessionID, teamID, phaseID string) ([]string, error) {
	decision, err := r.GetDecision(ctx, sessionID, teamID, phaseID)
	if err != nil {
		return nil, err
	}
	ids := append([]string{}, decision.Payload.SelectedInvestmentIDs...)
	ids = append(ids, decision.Payload.ImmediatePurchaseIDs...)
	return dedupe(ids), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
