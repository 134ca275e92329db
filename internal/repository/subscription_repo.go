package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebuilderhost/provisioner/internal/models"
)

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

// Create inserts a new subscription
func (r *SubscriptionRepository) Create(ctx context.Context, s *models.Subscription) error {
	query := `
		INSERT INTO provisioner.subscriptions (
			id, customer_id, stripe_subscription_id, stripe_price_id, status, canceled_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		s.ID, s.CustomerID, s.StripeSubscriptionID, s.StripePriceID, s.Status, s.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// GetByStripeID retrieves a subscription by payment processor subscription id
func (r *SubscriptionRepository) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	query := `
		SELECT id, customer_id, stripe_subscription_id, stripe_price_id, status,
			   canceled_at, created_at, updated_at
		FROM provisioner.subscriptions
		WHERE stripe_subscription_id = $1
	`

	return r.scanSubscription(r.pool.QueryRow(ctx, query, stripeSubscriptionID))
}

// GetByCustomerID retrieves a customer's most recent subscription
func (r *SubscriptionRepository) GetByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	query := `
		SELECT id, customer_id, stripe_subscription_id, stripe_price_id, status,
			   canceled_at, created_at, updated_at
		FROM provisioner.subscriptions
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	return r.scanSubscription(r.pool.QueryRow(ctx, query, customerID))
}

// Update persists subscription status changes
func (r *SubscriptionRepository) Update(ctx context.Context, s *models.Subscription) error {
	query := `
		UPDATE provisioner.subscriptions
		SET status = $2, canceled_at = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, s.ID, s.Status, s.CanceledAt)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of subscriptions in a given status
func (r *SubscriptionRepository) CountByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM provisioner.subscriptions WHERE status = $1`, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return count, nil
}

func (r *SubscriptionRepository) scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var s models.Subscription
	err := row.Scan(
		&s.ID, &s.CustomerID, &s.StripeSubscriptionID, &s.StripePriceID, &s.Status,
		&s.CanceledAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &s, nil
}
