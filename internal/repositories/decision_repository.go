package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/frauddetect/pipeline/internal/models"
)

var ErrDecisionNotFound = errors.New("decision not found")

// DecisionRepository persists decision records alongside the raw event and
// the agent trace.
type DecisionRepository struct {
	db *Database
}

func NewDecisionRepository(db *Database) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// Create inserts one decision record. Re-inserting the same order is a
// conflict no-op so redeliveries never duplicate rows.
func (r *DecisionRepository) Create(ctx context.Context, record *models.DecisionRecord, event *models.TransactionEvent) error {
	query := `
		INSERT INTO fraud_decisions (
			id, order_id, user_id, decision, risk_score, confidence, reason,
			factor_names, contributing_factors, agent_trace, raw_event,
			elapsed_ms, decided_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (order_id) DO NOTHING
	`

	factorNames := make([]string, len(record.ContributingFactors))
	for i, f := range record.ContributingFactors {
		factorNames[i] = f.Name
	}

	factorsJSON, err := json.Marshal(record.ContributingFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal contributing factors: %w", err)
	}

	var traceJSON []byte
	if record.AgentTrace != nil {
		if traceJSON, err = json.Marshal(record.AgentTrace); err != nil {
			return fmt.Errorf("failed to marshal agent trace: %w", err)
		}
	}

	var rawEvent []byte
	if event != nil {
		if rawEvent, err = json.Marshal(event); err != nil {
			return fmt.Errorf("failed to marshal raw event: %w", err)
		}
	}

	_, err = r.db.Pool.Exec(ctx, query,
		uuid.New(),
		record.OrderID,
		record.UserID,
		record.Decision,
		record.RiskScore,
		record.Confidence,
		record.Reason,
		pq.Array(factorNames),
		factorsJSON,
		traceJSON,
		rawEvent,
		record.ElapsedMs,
		record.DecidedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision record: %w", err)
	}
	return nil
}

// GetByOrderID retrieves a persisted decision record.
func (r *DecisionRepository) GetByOrderID(ctx context.Context, orderID string) (*models.DecisionRecord, error) {
	query := `
		SELECT order_id, user_id, decision, risk_score, confidence, reason,
		       contributing_factors, agent_trace, elapsed_ms, decided_at
		FROM fraud_decisions
		WHERE order_id = $1
	`

	var record models.DecisionRecord
	var factorsJSON []byte
	var traceJSON []byte

	err := r.db.Pool.QueryRow(ctx, query, orderID).Scan(
		&record.OrderID,
		&record.UserID,
		&record.Decision,
		&record.RiskScore,
		&record.Confidence,
		&record.Reason,
		&factorsJSON,
		&traceJSON,
		&record.ElapsedMs,
		&record.DecidedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDecisionNotFound
		}
		return nil, fmt.Errorf("failed to query decision record: %w", err)
	}

	if len(factorsJSON) > 0 {
		if err := json.Unmarshal(factorsJSON, &record.ContributingFactors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal contributing factors: %w", err)
		}
	}
	if len(traceJSON) > 0 {
		record.AgentTrace = &models.AgentTrace{}
		if err := json.Unmarshal(traceJSON, record.AgentTrace); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent trace: %w", err)
		}
	}
	return &record, nil
}

// CountByDecision returns how many records exist per decision kind.
func (r *DecisionRepository) CountByDecision(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT decision, COUNT(*) FROM fraud_decisions GROUP BY decision`)
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var decision string
		var n int64
		if err := rows.Scan(&decision, &n); err != nil {
			return nil, fmt.Errorf("failed to scan decision count: %w", err)
		}
		counts[decision] = n
	}
	return counts, rows.Err()
}
