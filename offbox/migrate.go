// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// CurrentSchemaVersion is the local store schema version this code expects.
// Bump it together with a new entry in migrationSteps.
const CurrentSchemaVersion = 2

// MigrationResult is the terminal outcome reported by the migration runner.
type MigrationResult int

const (
	// MigrationInitialized: fresh store, created at the current version.
	MigrationInitialized MigrationResult = iota
	// MigrationCurrent: persisted version already matches the code.
	MigrationCurrent
	// MigrationUpgraded: ordered steps ran to completion, data intact.
	MigrationUpgraded
	// MigrationCleared: a step failed (or the store was newer than the
	// code); everything was wiped and resync_required was set.
	MigrationCleared
)

func (r MigrationResult) String() string {
	switch r {
	case MigrationInitialized:
		return "initialized"
	case MigrationCurrent:
		return "current"
	case MigrationUpgraded:
		return "upgraded"
	case MigrationCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// migrationState tracks the runner's lifecycle. The store must not be touched
// by any other component before the runner reaches a terminal state.
type migrationState int

const (
	migrationNotStarted migrationState = iota
	migrationRunning
	migrationDone
	migrationFailed
)

// migrationStep upgrades stored records from version-1 to version inside the
// supplied transaction. Steps never repair partially; any error aborts the
// whole upgrade and the runner falls back to clear-and-resync.
type migrationStep struct {
	version int
	run     func(ctx context.Context, tx *sql.Tx) error
}

// Ordered history of schema upgrades. Version 1 stored operations without a
// retained server conflict state or retry schedule; version 2 added both.
var migrationSteps = []migrationStep{
	{
		version: 2,
		run: func(ctx context.Context, tx *sql.Tx) error {
			stmts := []string{
				`ALTER TABLE _offsync_operations ADD COLUMN server_state TEXT`,
				`ALTER TABLE _offsync_operations ADD COLUMN next_retry_at INTEGER NOT NULL DEFAULT 0`,
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to alter operations table: %w", err)
				}
			}
			return nil
		},
	},
}

// storeTables is the full current-version DDL. schemaDDL must be created (and
// its version row checked) before any other collection is touched.
const schemaDDL = `CREATE TABLE IF NOT EXISTS _offsync_schema (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	version         INTEGER NOT NULL,
	resync_required INTEGER NOT NULL DEFAULT 0
)`

var storeTables = []string{
	`CREATE TABLE IF NOT EXISTS _offsync_client_info (
		tenant_id  TEXT PRIMARY KEY,
		source_id  TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,

	// The outbox log. seq is the FIFO ordering key within an entity chain;
	// op_id is the idempotency key and never changes across retries.
	`CREATE TABLE IF NOT EXISTS _offsync_operations (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id         TEXT NOT NULL UNIQUE,
		tenant_id     TEXT NOT NULL,
		entity_type   TEXT NOT NULL,
		entity_id     TEXT NOT NULL,
		kind          TEXT NOT NULL CHECK (kind IN ('create','update','delete')),
		base_version  INTEGER,
		payload       TEXT,
		enqueued_at   TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','in_flight','failed','conflict','done')),
		attempts      INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT,
		server_state  TEXT,
		next_retry_at INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS idx_offsync_operations_entity
		ON _offsync_operations (tenant_id, entity_type, entity_id, seq)`,

	// Confirmed server state per entity. The UI-visible snapshot is derived:
	// this row plus unconfirmed operations applied in seq order.
	`CREATE TABLE IF NOT EXISTS _offsync_snapshots (
		tenant_id   TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		version     INTEGER NOT NULL DEFAULT 0,
		data        TEXT,
		local_only  INTEGER NOT NULL DEFAULT 0,
		updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		PRIMARY KEY (tenant_id, entity_type, entity_id)
	)`,
}

// migrationRunner upgrades the local store schema once at process start.
type migrationRunner struct {
	db     *sql.DB
	logger *slog.Logger
	state  migrationState
}

func newMigrationRunner(db *sql.DB, logger *slog.Logger) *migrationRunner {
	return &migrationRunner{db: db, logger: logger, state: migrationNotStarted}
}

// Run compares the persisted schema version to CurrentSchemaVersion and
// upgrades if needed. Exactly three outcomes are reachable besides fresh
// initialization: already-current, migrated successfully, or
// cleared-and-resync. A partially migrated store is never left behind.
func (m *migrationRunner) Run(ctx context.Context) (MigrationResult, error) {
	m.state = migrationRunning

	if _, err := m.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		m.state = migrationFailed
		return 0, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, schemaDDL); err != nil {
		m.state = migrationFailed
		return 0, fmt.Errorf("failed to create schema table: %w", err)
	}

	var version int
	err := m.db.QueryRowContext(ctx, `SELECT version FROM _offsync_schema WHERE id = 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		// Fresh store.
		if err := m.initialize(ctx); err != nil {
			m.state = migrationFailed
			return 0, err
		}
		m.state = migrationDone
		return MigrationInitialized, nil
	case err != nil:
		m.state = migrationFailed
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	switch {
	case version == CurrentSchemaVersion:
		m.state = migrationDone
		return MigrationCurrent, nil

	case version > CurrentSchemaVersion:
		// Store written by newer code; local shapes are unknowable here.
		m.logger.Warn("local store is newer than this build, clearing",
			"stored_version", version, "code_version", CurrentSchemaVersion)
		if err := m.clearAndReset(ctx); err != nil {
			m.state = migrationFailed
			return 0, err
		}
		m.state = migrationDone
		return MigrationCleared, nil

	default:
		if err := m.upgrade(ctx, version); err != nil {
			m.logger.Error("schema upgrade failed, clearing store for full resync",
				"from_version", version, "error", err)
			if clearErr := m.clearAndReset(ctx); clearErr != nil {
				m.state = migrationFailed
				return 0, fmt.Errorf("failed to clear store after migration error: %w", clearErr)
			}
			m.state = migrationDone
			return MigrationCleared, nil
		}
		m.state = migrationDone
		return MigrationUpgraded, nil
	}
}

func (m *migrationRunner) initialize(ctx context.Context) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin init tx: %w", err)
	}
	defer tx.Rollback()

	for _, ddl := range storeTables {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create store table: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _offsync_schema (id, version, resync_required) VALUES (1, ?, 0)
	`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	return tx.Commit()
}

// upgrade runs all steps above the stored version in order, atomically.
func (m *migrationRunner) upgrade(ctx context.Context, from int) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration tx: %w", err)
	}
	defer tx.Rollback()

	for _, step := range migrationSteps {
		if step.version <= from {
			continue
		}
		m.logger.Info("running schema migration step", "to_version", step.version)
		if err := step.run(ctx, tx); err != nil {
			return fmt.Errorf("migration step to version %d failed: %w", step.version, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _offsync_schema SET version = ? WHERE id = 1
	`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return tx.Commit()
}

// clearAndReset drops every collection, recreates the store at the current
// version and sets resync_required so the first post-migration fetch is a
// full server resync.
func (m *migrationRunner) clearAndReset(ctx context.Context) error {
	drops := []string{
		`DROP TABLE IF EXISTS _offsync_operations`,
		`DROP TABLE IF EXISTS _offsync_snapshots`,
		`DROP TABLE IF EXISTS _offsync_client_info`,
	}
	for _, stmt := range drops {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
	}
	for _, ddl := range storeTables {
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to recreate store table: %w", err)
		}
	}
	if _, err := m.db.ExecContext(ctx, `
		INSERT INTO _offsync_schema (id, version, resync_required) VALUES (1, ?, 1)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version, resync_required = 1
	`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to reset schema version: %w", err)
	}
	return nil
}
