package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/portfolio-registry/internal/models"
	"github.com/portfolio-registry/internal/types"
)

// EventRepository handles the append-only portfolio event log in ClickHouse
type EventRepository struct {
	db *ClickHouseDB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *ClickHouseDB) *EventRepository {
	return &EventRepository{db: db}
}

// Insert appends a single event to the log
func (r *EventRepository) Insert(ctx context.Context, event *models.PortfolioEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.RecordedAt.IsZero() {
		event.RecordedAt = time.Now().UTC()
	}
	event.Actor = strings.ToLower(event.Actor)

	query := `
		INSERT INTO portfolio_events (
			event_id, event_type, portfolio_id, actor, slot_index, percentage, block_height, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.db.Conn().Exec(ctx, query,
		event.EventID,
		string(event.EventType),
		event.PortfolioID,
		event.Actor,
		event.SlotIndex,
		event.Percentage,
		event.BlockHeight,
		event.RecordedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// BatchInsert appends multiple events in a single batch
func (r *EventRepository) BatchInsert(ctx context.Context, events []*models.PortfolioEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO portfolio_events (
			event_id, event_type, portfolio_id, actor, slot_index, percentage, block_height, recorded_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, event := range events {
		if event.EventID == "" {
			event.EventID = uuid.New().String()
		}
		if event.RecordedAt.IsZero() {
			event.RecordedAt = time.Now().UTC()
		}
		event.Actor = strings.ToLower(event.Actor)

		err = batch.Append(
			event.EventID,
			string(event.EventType),
			event.PortfolioID,
			event.Actor,
			event.SlotIndex,
			event.Percentage,
			event.BlockHeight,
			event.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append event %s to batch: %w", event.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	return nil
}

// GetByPortfolio retrieves the event history of a portfolio, newest first
func (r *EventRepository) GetByPortfolio(ctx context.Context, portfolioID int64, limit, offset int) ([]*models.PortfolioEvent, error) {
	query := `
		SELECT event_id, event_type, portfolio_id, actor, slot_index, percentage, block_height, recorded_at
		FROM portfolio_events
		WHERE portfolio_id = ?
		ORDER BY recorded_at DESC
	`
	args := []any{portfolioID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := r.db.Conn().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.PortfolioEvent
	for rows.Next() {
		var event models.PortfolioEvent
		var eventTypeStr string

		err := rows.Scan(
			&event.EventID,
			&eventTypeStr,
			&event.PortfolioID,
			&event.Actor,
			&event.SlotIndex,
			&event.Percentage,
			&event.BlockHeight,
			&event.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.EventType = types.EventType(eventTypeStr)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CountByPortfolio counts the events recorded for a portfolio
func (r *EventRepository) CountByPortfolio(ctx context.Context, portfolioID int64) (int64, error) {
	query := `SELECT COUNT(*) FROM portfolio_events WHERE portfolio_id = ?`

	var count uint64
	row := r.db.Conn().QueryRow(ctx, query, portfolioID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}

	return int64(count), nil
}
