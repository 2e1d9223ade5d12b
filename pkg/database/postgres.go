package database

import (
	"context"
	"fmt"
	"time"

	"github.com/Abraxas-365/relayflow/pkg/config"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// NewPostgresDB crea una nueva conexión a PostgreSQL
func NewPostgresDB(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Schema tablas que usa el runtime. Idempotente.
const Schema = `
CREATE TABLE IF NOT EXISTS flows (
	id          TEXT        NOT NULL,
	version     INTEGER     NOT NULL,
	name        TEXT        NOT NULL DEFAULT '',
	definition  JSONB       NOT NULL,
	is_active   BOOLEAN     NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS conversations (
	id                       TEXT        PRIMARY KEY,
	flow_id                  TEXT        NOT NULL DEFAULT '',
	flow_version             INTEGER     NOT NULL DEFAULT 0,
	current_node_id          TEXT        NOT NULL DEFAULT '',
	status                   TEXT        NOT NULL DEFAULT 'idle',
	variables                JSONB       NOT NULL DEFAULT '{}',
	contact                  JSONB       NOT NULL DEFAULT '{}',
	awaiting                 JSONB,
	pending                  JSONB       NOT NULL DEFAULT '[]',
	last_customer_message_at TIMESTAMPTZ,
	version                  BIGINT      NOT NULL DEFAULT 0,
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS execution_steps (
	id              TEXT        PRIMARY KEY,
	conversation_id TEXT        NOT NULL,
	flow_id         TEXT        NOT NULL,
	node_id         TEXT        NOT NULL,
	node_kind       TEXT        NOT NULL,
	attempt         INTEGER     NOT NULL DEFAULT 1,
	outcome         TEXT        NOT NULL,
	error_kind      TEXT        NOT NULL DEFAULT '',
	error           TEXT        NOT NULL DEFAULT '',
	snapshot        JSONB,
	entered_at      TIMESTAMPTZ NOT NULL,
	exited_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_execution_steps_conversation
	ON execution_steps (conversation_id, entered_at);
`

// Migrate aplica el esquema base
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CloseDB cierra la conexión a la base de datos
func CloseDB(db *sqlx.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
