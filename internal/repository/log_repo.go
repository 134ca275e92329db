package repository

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebuilderhost/provisioner/internal/models"
)

type LogRepository struct {
	pool *pgxpool.Pool
}

func NewLogRepository(pool *pgxpool.Pool) *LogRepository {
	return &LogRepository{pool: pool}
}

// LogAction appends an audit entry. Failures are logged and swallowed so
// a broken audit trail never aborts the operation being audited.
func (r *LogRepository) LogAction(ctx context.Context, instanceID, action, status, message string) {
	entry := &models.ProvisioningLog{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Action:     action,
		Status:     status,
		Message:    message,
	}
	if err := r.Create(ctx, entry); err != nil {
		log.Printf("[LogRepository] Failed to log %s/%s for instance %s: %v", action, status, instanceID, err)
	}
}

// Create inserts an audit log entry
func (r *LogRepository) Create(ctx context.Context, entry *models.ProvisioningLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO provisioner.provisioning_logs (id, instance_id, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, nullableID(entry.InstanceID), entry.Action, entry.Status, entry.Message, entry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert provisioning log: %w", err)
	}
	return nil
}

// ListByInstance retrieves audit entries for an instance, newest first
func (r *LogRepository) ListByInstance(ctx context.Context, instanceID string, limit int) ([]*models.ProvisioningLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, instance_id, action, status, message, metadata, created_at
		FROM provisioner.provisioning_logs
		WHERE instance_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query provisioning logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.ProvisioningLog
	for rows.Next() {
		var e models.ProvisioningLog
		var instID *string
		if err := rows.Scan(&e.ID, &instID, &e.Action, &e.Status, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provisioning log: %w", err)
		}
		if instID != nil {
			e.InstanceID = *instID
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// nullableID maps an empty string to NULL for system-level entries.
func nullableID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
