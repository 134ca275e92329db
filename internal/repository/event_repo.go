package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebuilderhost/provisioner/internal/models"
)

// ErrDuplicate means a unique constraint rejected the insert.
var ErrDuplicate = errors.New("duplicate record")

type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// Record inserts the event ledger row. The unique index on
// stripe_event_id is the idempotency barrier; a duplicate delivery
// surfaces as ErrDuplicate.
func (r *EventRepository) Record(ctx context.Context, e *models.ProvisioningEvent) error {
	query := `
		INSERT INTO provisioner.events (id, stripe_event_id, type, outcome, error)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query, e.ID, e.StripeEventID, e.Type, e.Outcome, e.Error)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// SetOutcome records the final outcome of a processed event
func (r *EventRepository) SetOutcome(ctx context.Context, stripeEventID, outcome, errMsg string) error {
	query := `
		UPDATE provisioner.events
		SET outcome = $2, error = $3, processed_at = NOW()
		WHERE stripe_event_id = $1
	`

	tag, err := r.pool.Exec(ctx, query, stripeEventID, outcome, errMsg)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByStripeID retrieves an event by the provider's event id
func (r *EventRepository) GetByStripeID(ctx context.Context, stripeEventID string) (*models.ProvisioningEvent, error) {
	query := `
		SELECT id, stripe_event_id, type, outcome, error, created_at, processed_at
		FROM provisioner.events
		WHERE stripe_event_id = $1
	`

	var e models.ProvisioningEvent
	err := r.pool.QueryRow(ctx, query, stripeEventID).Scan(
		&e.ID, &e.StripeEventID, &e.Type, &e.Outcome, &e.Error, &e.CreatedAt, &e.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return &e, nil
}
