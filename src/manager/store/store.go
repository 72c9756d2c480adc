// Package store implements the Manager's SQL-backed catalog store
// (spec.md §1's "SQL-backed stores" collaborator): queue assignment
// bookkeeping, job failure marking, and TopologyPatch upserts, behind
// a single database/sql connection selected by DSN scheme. Dispatch
// and DSN-parsing style grounded on the teacher's
// src/repository/database.go (DatabaseType dispatch,
// parseDatabaseURL's "scheme://..." splitting), adapted from a
// templates-table repository to the lock/jobs/topology tables this
// domain needs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/manager/lock"
)

func decodeQueueItem(definition string, item *core.QueueItem) error {
	if err := json.Unmarshal([]byte(definition), item); err != nil {
		return err
	}
	return item.Validate()
}

// DatabaseType is the dialect selected by a store DSN's scheme.
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgres"
	SQLite     DatabaseType = "sqlite3"
)

// Store is the Manager's catalog store: queue assignment, job status,
// and topology patch persistence over a single *sql.DB.
type Store struct {
	db     *sql.DB
	dbType DatabaseType
}

// Open parses dsn ("mysql://...", "postgres://...", "sqlite://path")
// and opens the corresponding *sql.DB, mirroring the teacher's
// parseDatabaseURL dispatch.
func Open(dsn string) (*Store, error) {
	dbType, connStr, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	driver := string(dbType)
	if dbType == SQLite {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open database connection: %w", err)
	}
	return &Store{db: db, dbType: dbType}, nil
}

func parseDSN(dsn string) (DatabaseType, string, error) {
	parts := strings.SplitN(dsn, "://", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("store: invalid DSN %q", dsn)
	}
	switch strings.ToLower(parts[0]) {
	case "mysql":
		return MySQL, parts[1], nil
	case "postgres", "postgresql":
		return PostgreSQL, parts[1], nil
	case "sqlite", "sqlite3":
		return SQLite, parts[1], nil
	default:
		return "", "", fmt.Errorf("store: unsupported database type %q", parts[0])
	}
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// AssignedQueues implements lock.QueueStore.
func (s *Store) AssignedQueues(ctx context.Context, workerID string, selector map[string]string, assignedAfter time.Time) ([]*lock.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, definition, job_name, assigned_at, assigned_to
		FROM queues
		WHERE assigned_to = ? AND assigned_at > ?
	`, workerID, assignedAfter)
	if err != nil {
		return nil, fmt.Errorf("store: query assigned queues: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// UnassignedQueues implements lock.QueueStore.
func (s *Store) UnassignedQueues(ctx context.Context, assignedBefore time.Time, limit *int, selector map[string]string) ([]*lock.Record, error) {
	query := `
		SELECT name, definition, job_name, assigned_at, assigned_to
		FROM queues
		WHERE assigned_to IS NULL OR assigned_at < ?
	`
	args := []interface{}{assignedBefore}
	if limit != nil {
		query += " LIMIT ?"
		args = append(args, *limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query unassigned queues: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SaveAssignment implements lock.QueueStore.
func (s *Store) SaveAssignment(ctx context.Context, record *lock.Record) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queues SET assigned_at = ?, assigned_to = ? WHERE name = ?
	`, record.AssignedAt, record.AssignedTo, record.Name)
	if err != nil {
		return fmt.Errorf("store: save assignment for %s: %w", record.Name, err)
	}
	return nil
}

// ReleaseAssignment implements lock.QueueStore.
func (s *Store) ReleaseAssignment(ctx context.Context, record *lock.Record) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queues SET assigned_at = NULL, assigned_to = NULL WHERE name = ?
	`, record.Name)
	if err != nil {
		return fmt.Errorf("store: release assignment for %s: %w", record.Name, err)
	}
	return nil
}

// SetFailed implements lock.JobsStore.
func (s *Store) SetFailed(ctx context.Context, jobName string, cause error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = ? WHERE name = ?
	`, cause.Error(), jobName)
	if err != nil {
		return fmt.Errorf("store: mark job %s failed: %w", jobName, err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]*lock.Record, error) {
	var out []*lock.Record
	for rows.Next() {
		var (
			name, definition, jobName string
			assignedAt                sql.NullTime
			assignedTo                sql.NullString
		)
		if err := rows.Scan(&name, &definition, &jobName, &assignedAt, &assignedTo); err != nil {
			return nil, fmt.Errorf("store: scan queue row: %w", err)
		}

		var item core.QueueItem
		if err := decodeQueueItem(definition, &item); err != nil {
			return nil, fmt.Errorf("store: decode queue item %s: %w", name, err)
		}

		record := &lock.Record{Name: name, QueueItem: item, JobName: jobName}
		if assignedAt.Valid {
			t := assignedAt.Time
			record.AssignedAt = &t
		}
		if assignedTo.Valid {
			v := assignedTo.String
			record.AssignedTo = &v
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// PatchTopology upserts a TopologyPatch keyed by (kind, name); only
// data is overwritten on conflict (spec.md §6).
func (s *Store) PatchTopology(ctx context.Context, patch TopologyPatch) error {
	var query string
	switch s.dbType {
	case PostgreSQL:
		query = `
			INSERT INTO topology_patches (kind, name, data) VALUES ($1, $2, $3)
			ON CONFLICT (kind, name) DO UPDATE SET data = excluded.data
		`
	case SQLite:
		query = `
			INSERT INTO topology_patches (kind, name, data) VALUES (?, ?, ?)
			ON CONFLICT (kind, name) DO UPDATE SET data = excluded.data
		`
	default:
		query = `
			INSERT INTO topology_patches (kind, name, data) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE data = VALUES(data)
		`
	}
	if _, err := s.db.ExecContext(ctx, query, patch.Kind, patch.Name, patch.Data); err != nil {
		return fmt.Errorf("store: patch topology %s/%s: %w", patch.Kind, patch.Name, err)
	}
	return nil
}

// TopologyPatch is an upsert keyed by (kind, name); only Data is
// overwritten on conflict (spec.md §6).
type TopologyPatch struct {
	Kind string
	Name string
	Data []byte
}
