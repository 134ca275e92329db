package db

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebuilderhost/provisioner/internal/config"
)

type Database struct {
	Pool   *pgxpool.Pool
	Schema string
}

func New(cfg *config.Config) (*Database, error) {
	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	schema := cfg.Database.Schema
	_, err = pool.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema))
	if err != nil {
		return nil, fmt.Errorf("set search_path: %w", err)
	}

	log.Printf("[db] Connected to PostgreSQL: %s/%s (schema: %s)",
		cfg.Database.Host, cfg.Database.DBName, schema)

	return &Database{
		Pool:   pool,
		Schema: schema,
	}, nil
}

func (d *Database) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// Migrate creates the schema and tables if they do not exist. The partial
// unique indexes on subdomain and port enforce uniqueness across
// non-terminal instances only, so a deleted instance's slug and port can
// be reissued.
func (d *Database) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS provisioner`,

		`CREATE TABLE IF NOT EXISTS provisioner.customers (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL,
			store_name TEXT NOT NULL DEFAULT '',
			stripe_customer_id TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS provisioner.subscriptions (
			id UUID PRIMARY KEY,
			customer_id UUID NOT NULL REFERENCES provisioner.customers(id),
			stripe_subscription_id TEXT NOT NULL UNIQUE,
			stripe_price_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			canceled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS provisioner.instances (
			id UUID PRIMARY KEY,
			customer_id UUID NOT NULL REFERENCES provisioner.customers(id),
			subdomain TEXT NOT NULL,
			port INTEGER NOT NULL,
			container_id TEXT,
			container_name TEXT NOT NULL,
			proxy_config_path TEXT,
			status TEXT NOT NULL,
			status_message TEXT NOT NULL DEFAULT '',
			site_name TEXT NOT NULL DEFAULT '',
			admin_email TEXT NOT NULL,
			admin_password TEXT NOT NULL,
			secret_key TEXT NOT NULL,
			welcome_notified BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_health_check TIMESTAMPTZ,
			last_reconciled TIMESTAMPTZ
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS instances_subdomain_active
			ON provisioner.instances (subdomain) WHERE status <> 'deleted'`,

		`CREATE UNIQUE INDEX IF NOT EXISTS instances_port_active
			ON provisioner.instances (port) WHERE status <> 'deleted'`,

		`CREATE UNIQUE INDEX IF NOT EXISTS instances_customer_active
			ON provisioner.instances (customer_id) WHERE status <> 'deleted'`,

		`CREATE TABLE IF NOT EXISTS provisioner.events (
			id UUID PRIMARY KEY,
			stripe_event_id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS provisioner.provisioning_logs (
			id UUID PRIMARY KEY,
			instance_id UUID REFERENCES provisioner.instances(id),
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS provisioning_logs_instance
			ON provisioner.provisioning_logs (instance_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := d.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	log.Printf("[db] Schema up to date")
	return nil
}
