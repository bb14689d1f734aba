package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/karmaguard/internal/pagination"
)

// PostgresStore persists assessments in PostgreSQL. The schema is owned by
// the goose migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	probs, err := json.Marshal(a.Probabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal probabilities: %w", err)
	}
	flags, err := json.Marshal(a.SuspiciousActivities)
	if err != nil {
		return fmt.Errorf("failed to marshal suspicious activities: %w", err)
	}
	vec, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments (id, user_id, fraud_score, status, probabilities,
			suspicious_activities, features, policy_version, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID,
		a.UserID,
		a.FraudScore,
		string(a.Status),
		probs,
		flags,
		vec,
		a.PolicyVersion,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		limit = 50
	}
	const cols = `SELECT id, user_id, fraud_score, status, probabilities,
			suspicious_activities, features, policy_version, evaluated_at
		FROM assessments`

	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.db.QueryContext(ctx, cols+`
		WHERE user_id = $1
		ORDER BY evaluated_at DESC, id DESC
		LIMIT $2`, userID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, cols+`
		WHERE user_id = $1 AND (evaluated_at, id) < ($2, $3)
		ORDER BY evaluated_at DESC, id DESC
		LIMIT $4`, userID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Assessment, 0)
	for rows.Next() {
		var a Assessment
		var probs, flags, vec []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.FraudScore, &a.Status, &probs,
			&flags, &vec, &a.PolicyVersion, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		if err := json.Unmarshal(probs, &a.Probabilities); err != nil {
			return nil, fmt.Errorf("failed to decode probabilities: %w", err)
		}
		if err := json.Unmarshal(flags, &a.SuspiciousActivities); err != nil {
			return nil, fmt.Errorf("failed to decode suspicious activities: %w", err)
		}
		if err := json.Unmarshal(vec, &a.Features); err != nil {
			return nil, fmt.Errorf("failed to decode features: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
