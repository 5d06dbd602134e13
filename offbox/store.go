// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/omrozmn/x-ear-sub006/syncwire"
)

// Local Persistent Store read path. Snapshots returned to the UI are always
// derived: the last confirmed server state with unconfirmed operations
// applied on top in enqueue order. The store itself only persists confirmed
// state; nothing double-writes the optimistic view.

// Snapshot returns the optimistic snapshot for one entity. ErrNotFound is
// returned when the entity has neither confirmed state nor a pending create,
// or when a pending delete hides it.
func (c *Client) Snapshot(ctx context.Context, entityType, entityID string) (*Snapshot, error) {
	confirmed, err := c.loadConfirmed(ctx, entityType, entityID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	ops, err := c.entityOperations(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	snap := overlay(confirmed, entityType, entityID, ops)
	if snap == nil {
		return nil, ErrNotFound
	}
	return snap, nil
}

// ListSnapshots returns optimistic snapshots for every entity of one type,
// including entities that only exist from unconfirmed creates.
func (c *Client) ListSnapshots(ctx context.Context, entityType string) ([]Snapshot, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT entity_id, version, data, local_only
		FROM _offsync_snapshots
		WHERE tenant_id = ? AND entity_type = ?
	`, c.TenantID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	confirmed := make(map[string]*Snapshot)
	for rows.Next() {
		snap, err := scanSnapshot(rows, entityType)
		if err != nil {
			return nil, err
		}
		confirmed[snap.EntityID] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}

	opRows, err := c.DB.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM _offsync_operations
		WHERE tenant_id = ? AND entity_type = ? AND status != ?
		ORDER BY seq
	`, c.TenantID, entityType, StatusDone)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer opRows.Close()

	byEntity := make(map[string][]Operation)
	for opRows.Next() {
		op, err := scanOperation(opRows)
		if err != nil {
			return nil, err
		}
		byEntity[op.EntityID] = append(byEntity[op.EntityID], *op)
	}
	if err := opRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}

	ids := make(map[string]struct{}, len(confirmed)+len(byEntity))
	for id := range confirmed {
		ids[id] = struct{}{}
	}
	for id := range byEntity {
		ids[id] = struct{}{}
	}

	var out []Snapshot
	for id := range ids {
		snap := overlay(confirmed[id], entityType, id, byEntity[id])
		if snap != nil {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// overlay applies unconfirmed operations (already in seq order) on top of the
// confirmed base. A trailing unconfirmed delete hides the entity (nil).
func overlay(confirmed *Snapshot, entityType, entityID string, ops []Operation) *Snapshot {
	snap := confirmed
	for i := range ops {
		op := &ops[i]
		switch op.Kind {
		case KindCreate, KindUpdate:
			if snap == nil {
				snap = &Snapshot{
					EntityType: entityType,
					EntityID:   entityID,
					LocalOnly:  true,
				}
			}
			snap.Data = op.Payload
			snap.Pending = true
		case KindDelete:
			snap = nil
		}
	}
	return snap
}

func (c *Client) loadConfirmed(ctx context.Context, entityType, entityID string) (*Snapshot, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT entity_id, version, data, local_only
		FROM _offsync_snapshots
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
	`, c.TenantID, entityType, entityID)

	snap, err := scanSnapshot(row, entityType)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner, entityType string) (*Snapshot, error) {
	var snap Snapshot
	var data sql.NullString
	var localOnly int
	if err := row.Scan(&snap.EntityID, &snap.Version, &data, &localOnly); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	snap.EntityType = entityType
	snap.LocalOnly = localOnly == 1
	if data.Valid {
		snap.Data = json.RawMessage(data.String)
	}
	return &snap, nil
}

// writeConfirmedInTx upserts the confirmed snapshot for one entity from an
// authoritative server envelope.
func (c *Client) writeConfirmedInTx(ctx context.Context, tx *sql.Tx, env *syncwire.EntityEnvelope) error {
	if env.Deleted {
		return c.deleteConfirmedInTx(ctx, tx, env.EntityType, env.EntityID)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _offsync_snapshots (tenant_id, entity_type, entity_id, version, data, local_only, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (tenant_id, entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			local_only = 0,
			updated_at = excluded.updated_at
	`, c.TenantID, env.EntityType, env.EntityID, env.Version, string(env.Data), c.nowString())
	if err != nil {
		return fmt.Errorf("failed to upsert confirmed snapshot: %w", err)
	}
	return nil
}

func (c *Client) deleteConfirmedInTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM _offsync_snapshots
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
	`, c.TenantID, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete confirmed snapshot: %w", err)
	}
	return nil
}

func (c *Client) nowString() string {
	return c.clock.Now().UTC().Format(time.RFC3339Nano)
}

// Hydrate performs a full server resync: it replaces every confirmed snapshot
// for the tenant with the server's current state and clears the
// resync-required flag. Pending operations are left untouched; the optimistic
// overlay re-applies them on read.
func (c *Client) Hydrate(ctx context.Context) error {
	entities, err := c.fetchSnapshot(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to fetch server snapshot: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin hydration transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _offsync_snapshots WHERE tenant_id = ?
	`, c.TenantID); err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}

	for i := range entities {
		env := &entities[i]
		if env.Deleted {
			continue
		}
		if err := c.writeConfirmedInTx(ctx, tx, env); err != nil {
			return fmt.Errorf("hydration failed for %s/%s: %w", env.EntityType, env.EntityID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _offsync_schema SET resync_required = 0 WHERE id = 1
	`); err != nil {
		return fmt.Errorf("failed to clear resync flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hydration transaction: %w", err)
	}

	c.notify(Event{Reason: EventHydrated})
	return nil
}
