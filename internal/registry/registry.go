// Package registry persists a durable audit trail of peer registrations
// to Postgres, adapted from pkg/persistence/postgres.go's PostgresStore.
// It is optional: gateway.Gateway works with a nil Registry.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/hypertuna/relay-gateway/internal/swarm"
)

// Store records gateway registration events for later audit.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres using dsn and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init registry schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS peer_registrations (
		id BIGSERIAL PRIMARY KEY,
		public_key TEXT NOT NULL,
		mode TEXT NOT NULL,
		relays TEXT NOT NULL,
		registered_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_peer_registrations_public_key ON peer_registrations(public_key);
	CREATE INDEX IF NOT EXISTS idx_peer_registrations_registered_at ON peer_registrations(registered_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRegistration implements gateway.Registry.
func (s *Store) RecordRegistration(ctx context.Context, pk swarm.PublicKey, mode string, relays []string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peer_registrations (public_key, mode, relays) VALUES ($1, $2, $3)`,
		pk.String(), mode, strings.Join(relays, ","))
	if err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
