package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fablink/messaging/internal/config"
)

type Database struct {
	Conn *sql.DB
}

func New(cfg config.DatabaseConfig) (*Database, error) {
	conn, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnLifetime)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the messaging schema if it does not exist.
//
// Message ids come from a single BIGSERIAL: append-serialized assignment is
// what gives each conversation its total order, so ordering never depends on
// client clocks.
func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            participant_a TEXT NOT NULL,
            participant_b TEXT NOT NULL,
            subject_ref TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            last_message_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CHECK (participant_a < participant_b)
        )`,

		// The participant pair is stored normalized (a < b), so one unique
		// index covers the unordered-pair constraint.
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_pair_idx
            ON conversations (participant_a, participant_b)`,

		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            content TEXT NOT NULL,
            attachment_url TEXT NOT NULL DEFAULT '',
            client_nonce TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            delivered_at TIMESTAMPTZ
        )`,

		// Idempotent sends: a retried nonce lands on this index instead of
		// creating a second row.
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_dedup_idx
            ON messages (conversation_id, sender_id, client_nonce)`,

		`CREATE INDEX IF NOT EXISTS messages_conversation_idx
            ON messages (conversation_id, id)`,

		`CREATE TABLE IF NOT EXISTS read_cursors (
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            participant_id TEXT NOT NULL,
            last_read_message_id BIGINT NOT NULL DEFAULT 0,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (conversation_id, participant_id)
        )`,
	}

	for _, query := range queries {
		if _, err := d.Conn.Exec(query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
