// Package instance persists per-instance routing configuration.
package instance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"omni-gateway/internal/domain"
)

// SQLiteTargetStore implements domain.TargetStore using SQLite.
type SQLiteTargetStore struct {
	db *sql.DB
}

// NewSQLiteTargetStore opens (or creates) a SQLite database at dbPath and
// runs the schema migration.
func NewSQLiteTargetStore(dbPath string) (*SQLiteTargetStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open instance db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate instance db: %w", err)
	}
	return &SQLiteTargetStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS routing_targets (
			instance       TEXT PRIMARY KEY,
			kind           TEXT NOT NULL,
			agent_name     TEXT NOT NULL DEFAULT '',
			agent_url      TEXT NOT NULL DEFAULT '',
			agent_key      TEXT NOT NULL DEFAULT '',
			agent_timeout  INTEGER NOT NULL DEFAULT 0,
			hive_url       TEXT NOT NULL DEFAULT '',
			hive_key       TEXT NOT NULL DEFAULT '',
			hive_target_id TEXT NOT NULL DEFAULT '',
			hive_timeout   INTEGER NOT NULL DEFAULT 0,
			stream_enabled INTEGER NOT NULL DEFAULT 0,
			updated_at     TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteTargetStore) Close() error {
	return s.db.Close()
}

// Get returns the routing target for an instance.
func (s *SQLiteTargetStore) Get(_ context.Context, instanceName string) (*domain.RoutingTarget, error) {
	row := s.db.QueryRow(`
		SELECT instance, kind, agent_name, agent_url, agent_key, agent_timeout,
		       hive_url, hive_key, hive_target_id, hive_timeout, stream_enabled
		FROM routing_targets WHERE instance = ?`, instanceName,
	)
	return scanTarget(row)
}

// Put inserts or replaces the routing target for an instance. The target is
// validated before it is written so the store never holds a half-configured
// record.
func (s *SQLiteTargetStore) Put(_ context.Context, t *domain.RoutingTarget) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO routing_targets
			(instance, kind, agent_name, agent_url, agent_key, agent_timeout,
			 hive_url, hive_key, hive_target_id, hive_timeout, stream_enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance) DO UPDATE SET
			kind = excluded.kind,
			agent_name = excluded.agent_name,
			agent_url = excluded.agent_url,
			agent_key = excluded.agent_key,
			agent_timeout = excluded.agent_timeout,
			hive_url = excluded.hive_url,
			hive_key = excluded.hive_key,
			hive_target_id = excluded.hive_target_id,
			hive_timeout = excluded.hive_timeout,
			stream_enabled = excluded.stream_enabled,
			updated_at = excluded.updated_at`,
		t.Instance, string(t.Kind), t.AgentName, t.AgentURL, t.AgentKey, int64(t.AgentTimeout),
		t.HiveURL, t.HiveKey, t.HiveTargetID, int64(t.HiveTimeout), boolToInt(t.StreamEnabled),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// List returns every configured routing target.
func (s *SQLiteTargetStore) List(_ context.Context) ([]*domain.RoutingTarget, error) {
	rows, err := s.db.Query(`
		SELECT instance, kind, agent_name, agent_url, agent_key, agent_timeout,
		       hive_url, hive_key, hive_target_id, hive_timeout, stream_enabled
		FROM routing_targets ORDER BY instance`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []*domain.RoutingTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// Delete removes the routing target for an instance.
func (s *SQLiteTargetStore) Delete(_ context.Context, instanceName string) error {
	res, err := s.db.Exec("DELETE FROM routing_targets WHERE instance = ?", instanceName)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("instance.delete", domain.ErrInstanceNotFound, instanceName)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (*domain.RoutingTarget, error) {
	var (
		t             domain.RoutingTarget
		kind          string
		agentTimeout  int64
		hiveTimeout   int64
		streamEnabled int
	)
	err := row.Scan(
		&t.Instance, &kind, &t.AgentName, &t.AgentURL, &t.AgentKey, &agentTimeout,
		&t.HiveURL, &t.HiveKey, &t.HiveTargetID, &hiveTimeout, &streamEnabled,
	)
	if err == sql.ErrNoRows {
		return nil, domain.NewDomainError("instance.get", domain.ErrInstanceNotFound, "no routing target")
	}
	if err != nil {
		return nil, err
	}
	t.Kind = domain.TargetKind(kind)
	t.AgentTimeout = time.Duration(agentTimeout)
	t.HiveTimeout = time.Duration(hiveTimeout)
	t.StreamEnabled = streamEnabled != 0
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.TargetStore = (*SQLiteTargetStore)(nil)
