package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebuilderhost/provisioner/internal/models"
)

var ErrNotFound = errors.New("not found")

type CustomerRepository struct {
	pool *pgxpool.Pool
}

func NewCustomerRepository(pool *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{pool: pool}
}

// Create inserts a new customer
func (r *CustomerRepository) Create(ctx context.Context, c *models.Customer) error {
	query := `
		INSERT INTO provisioner.customers (id, email, store_name, stripe_customer_id)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.pool.Exec(ctx, query, c.ID, c.Email, c.StoreName, c.StripeCustomerID)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

// GetByID retrieves a customer by ID
func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*models.Customer, error) {
	query := `
		SELECT id, email, store_name, stripe_customer_id, created_at, updated_at
		FROM provisioner.customers
		WHERE id = $1
	`

	return r.scanCustomer(r.pool.QueryRow(ctx, query, id))
}

// GetByStripeID retrieves a customer by payment processor customer id
func (r *CustomerRepository) GetByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	query := `
		SELECT id, email, store_name, stripe_customer_id, created_at, updated_at
		FROM provisioner.customers
		WHERE stripe_customer_id = $1
	`

	return r.scanCustomer(r.pool.QueryRow(ctx, query, stripeCustomerID))
}

// List retrieves customers ordered by creation time
func (r *CustomerRepository) List(ctx context.Context, limit, offset int) ([]*models.Customer, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, email, store_name, stripe_customer_id, created_at, updated_at
		FROM provisioner.customers
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	var customers []*models.Customer
	for rows.Next() {
		c, err := r.scanCustomerRow(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// Count returns the total number of customers
func (r *CustomerRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM provisioner.customers`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count customers: %w", err)
	}
	return count, nil
}

func (r *CustomerRepository) scanCustomer(row pgx.Row) (*models.Customer, error) {
	c, err := r.scanCustomerRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *CustomerRepository) scanCustomerRow(row pgx.Row) (*models.Customer, error) {
	var c models.Customer
	err := row.Scan(&c.ID, &c.Email, &c.StoreName, &c.StripeCustomerID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
