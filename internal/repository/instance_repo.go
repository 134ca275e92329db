package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebuilderhost/provisioner/internal/models"
)

const instanceColumns = `
	id, customer_id, subdomain, port, container_id, container_name,
	proxy_config_path, status, status_message, site_name, admin_email,
	admin_password, secret_key, welcome_notified, created_at, updated_at,
	last_health_check, last_reconciled
`

type InstanceRepository struct {
	pool *pgxpool.Pool
}

func NewInstanceRepository(pool *pgxpool.Pool) *InstanceRepository {
	return &InstanceRepository{pool: pool}
}

// Create inserts a new instance. A unique-index conflict on subdomain,
// port, or active customer surfaces as ErrDuplicate.
func (r *InstanceRepository) Create(ctx context.Context, i *models.Instance) error {
	query := `
		INSERT INTO provisioner.instances (
			id, customer_id, subdomain, port, container_id, container_name,
			proxy_config_path, status, status_message, site_name, admin_email,
			admin_password, secret_key, welcome_notified
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.pool.Exec(ctx, query,
		i.ID, i.CustomerID, i.Subdomain, i.Port, i.ContainerID, i.ContainerName,
		i.ProxyConfigPath, i.Status, i.StatusMessage, i.SiteName, i.AdminEmail,
		i.AdminPassword, i.SecretKey, i.WelcomeNotified,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetByID retrieves an instance by ID
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM provisioner.instances WHERE id = $1`
	return r.scanInstance(r.pool.QueryRow(ctx, query, id))
}

// GetBySubdomain retrieves the non-terminal instance holding a subdomain
func (r *InstanceRepository) GetBySubdomain(ctx context.Context, subdomain string) (*models.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM provisioner.instances
		WHERE subdomain = $1 AND status <> 'deleted'
	`
	return r.scanInstance(r.pool.QueryRow(ctx, query, subdomain))
}

// GetActiveByCustomerID retrieves a customer's non-terminal instance
func (r *InstanceRepository) GetActiveByCustomerID(ctx context.Context, customerID string) (*models.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM provisioner.instances
		WHERE customer_id = $1 AND status <> 'deleted'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanInstance(r.pool.QueryRow(ctx, query, customerID))
}

// Update persists instance changes
func (r *InstanceRepository) Update(ctx context.Context, i *models.Instance) error {
	query := `
		UPDATE provisioner.instances
		SET container_id = $2, proxy_config_path = $3, status = $4,
			status_message = $5, welcome_notified = $6, last_health_check = $7,
			last_reconciled = $8, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		i.ID, i.ContainerID, i.ProxyConfigPath, i.Status,
		i.StatusMessage, i.WelcomeNotified, i.LastHealthCheck, i.LastReconciled,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StampHealthCheck records the last health probe time. Touches only its
// own column so it cannot race a concurrent status update.
func (r *InstanceRepository) StampHealthCheck(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE provisioner.instances SET last_health_check = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("stamp health check: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StampReconciled records the last reconciler pass time.
func (r *InstanceRepository) StampReconciled(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE provisioner.instances SET last_reconciled = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("stamp reconciled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List retrieves instances ordered by creation time
func (r *InstanceRepository) List(ctx context.Context, limit, offset int) ([]*models.Instance, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + instanceColumns + `
		FROM provisioner.instances
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	return r.scanInstances(rows)
}

// ListNonTerminal retrieves every instance the reconciler must check
func (r *InstanceRepository) ListNonTerminal(ctx context.Context) ([]*models.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM provisioner.instances
		WHERE status <> 'deleted'
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	return r.scanInstances(rows)
}

// ListByStatus retrieves instances in a given status
func (r *InstanceRepository) ListByStatus(ctx context.Context, status string) ([]*models.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM provisioner.instances
		WHERE status = $1
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	return r.scanInstances(rows)
}

// ListDeletedBefore retrieves instances deleted before the cutoff
func (r *InstanceRepository) ListDeletedBefore(ctx context.Context, cutoff time.Time) ([]*models.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM provisioner.instances
		WHERE status = 'deleted' AND updated_at < $1
		ORDER BY updated_at
	`

	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	return r.scanInstances(rows)
}

// CountByStatus returns the instance population grouped by status
func (r *InstanceRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM provisioner.instances GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *InstanceRepository) scanInstances(rows pgx.Rows) ([]*models.Instance, error) {
	var instances []*models.Instance
	for rows.Next() {
		i, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, i)
	}
	return instances, rows.Err()
}

func (r *InstanceRepository) scanInstance(row pgx.Row) (*models.Instance, error) {
	i, err := scanInstanceRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

func scanInstanceRow(row pgx.Row) (*models.Instance, error) {
	var i models.Instance
	err := row.Scan(
		&i.ID, &i.CustomerID, &i.Subdomain, &i.Port, &i.ContainerID, &i.ContainerName,
		&i.ProxyConfigPath, &i.Status, &i.StatusMessage, &i.SiteName, &i.AdminEmail,
		&i.AdminPassword, &i.SecretKey, &i.WelcomeNotified, &i.CreatedAt, &i.UpdatedAt,
		&i.LastHealthCheck, &i.LastReconciled,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}
