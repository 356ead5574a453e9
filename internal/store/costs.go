// ABOUTME: SQLite implementation for API cost tracking
// ABOUTME: Stores and aggregates per-call LLM cost records for usage stats

package store

import (
	"context"
	"fmt"
	"time"
)

// SaveCost stores a cost record for one upstream API call.
func (s *SQLiteStore) SaveCost(ctx context.Context, record *CostRecord) error {
	query := `
		INSERT INTO cost_records (id, session_id, event_id, service, model, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.SessionID,
		record.EventID,
		record.Service,
		record.Model,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting cost record: %w", err)
	}

	s.logger.Debug("saved cost record",
		"session_id", record.SessionID,
		"service", record.Service,
		"cost_usd", record.CostUSD,
	)
	return nil
}

// GetSessionCost returns the total recorded cost for one session.
func (s *SQLiteStore) GetSessionCost(ctx context.Context, sessionID string) (float64, error) {
	query := `SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE session_id = ?`

	var total float64
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&total); err != nil {
		return 0, fmt.Errorf("querying session cost: %w", err)
	}
	return total, nil
}

// GetCostStats returns aggregated cost statistics with optional time filters.
func (s *SQLiteStore) GetCostStats(ctx context.Context, filter CostFilter) (*CostStats, error) {
	query := `
		SELECT service, COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM cost_records
		WHERE 1=1
	`
	args := []any{}

	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}
	query += " GROUP BY service"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cost stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &CostStats{CostByService: make(map[string]float64)}
	for rows.Next() {
		var service string
		var cost float64
		var count int64
		if err := rows.Scan(&service, &cost, &count); err != nil {
			return nil, fmt.Errorf("scanning cost stats row: %w", err)
		}
		stats.CostByService[service] = cost
		stats.TotalCostUSD += cost
		stats.RecordCount += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cost stats rows: %w", err)
	}
	return stats, nil
}
