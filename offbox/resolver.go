// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/omrozmn/x-ear-sub006/syncwire"
)

// Conflict reconciliation. Two rules are absolute: the authoritative server
// entity always becomes the confirmed snapshot, and a local pending payload
// is never deleted or overwritten without an explicit user decision.

// reconcileApplied merges a successful replay's authoritative entity into the
// store and marks the operation done. For creates the server may have
// assigned a different entity id than the temporary client one; the engine
// rekeys the snapshot and repoints the rest of the entity's queued chain so
// per-entity ordering survives the identity change.
func (c *Client) reconcileApplied(ctx context.Context, op *Operation, env *syncwire.EntityEnvelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reconcile transaction: %w", err)
	}
	defer tx.Rollback()

	rekeyed := env.EntityID != "" && env.EntityID != op.EntityID

	switch {
	case op.Kind == KindDelete || env.Deleted:
		if err := c.deleteConfirmedInTx(ctx, tx, op.EntityType, op.EntityID); err != nil {
			return err
		}

	default:
		if rekeyed {
			// Temporary client id confirmed as a server id.
			if err := c.deleteConfirmedInTx(ctx, tx, op.EntityType, op.EntityID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE _offsync_operations SET entity_id = ?
				WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND seq > ? AND status != ?
			`, env.EntityID, c.TenantID, op.EntityType, op.EntityID, op.Seq, StatusDone); err != nil {
				return fmt.Errorf("failed to repoint queued operations: %w", err)
			}
		}
		if err := c.writeConfirmedInTx(ctx, tx, env); err != nil {
			return err
		}
		if err := c.rebaseSuccessorInTx(ctx, tx, op, env); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _offsync_operations
		SET status = ?, last_error = NULL, server_state = NULL
		WHERE tenant_id = ? AND op_id = ?
	`, StatusDone, c.TenantID, op.OperationID); err != nil {
		return fmt.Errorf("failed to mark operation done: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reconcile transaction: %w", err)
	}

	c.notify(Event{EntityType: op.EntityType, EntityID: op.EntityID, OperationID: op.OperationID, Reason: EventApplied})
	if rekeyed {
		c.notify(Event{EntityType: op.EntityType, EntityID: env.EntityID, OperationID: op.OperationID, Reason: EventApplied})
	}
	// A terminal state may unblock the next operation on this entity.
	c.signalWake()
	return nil
}

// rebaseSuccessorInTx advances the base version of the next queued operation
// on this entity after a confirmation bumped the server version. Operations
// enqueued offline against optimistic state carry the pre-confirmation base
// (0 or the version the confirmation just replaced); replaying them verbatim
// would trip the If-Match precondition and surface a conflict no other actor
// caused. A base that matches neither is left alone so a genuine concurrent
// edit still conflicts.
func (c *Client) rebaseSuccessorInTx(ctx context.Context, tx *sql.Tx, op *Operation, env *syncwire.EntityEnvelope) error {
	var prevBase int64
	if op.BaseVersion != nil {
		prevBase = *op.BaseVersion
	}
	entityID := env.EntityID
	if entityID == "" {
		entityID = op.EntityID
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE _offsync_operations SET base_version = ?
		WHERE tenant_id = ? AND seq = (
			SELECT seq FROM _offsync_operations
			WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
			AND seq > ? AND status = ?
			ORDER BY seq LIMIT 1
		)
		AND kind != ?
		AND (base_version IS NULL OR base_version = 0 OR base_version = ?)
	`, env.Version, c.TenantID, c.TenantID, op.EntityType, entityID,
		op.Seq, StatusPending, KindCreate, prevBase)
	if err != nil {
		return fmt.Errorf("failed to rebase queued operation: %w", err)
	}
	return nil
}

// reconcileConflict records a stale-version rejection: the server state
// becomes the confirmed snapshot, the operation is flagged conflict with the
// server entity attached, and the local payload stays visible through the
// optimistic overlay until the user resolves it. Never retried automatically.
func (c *Client) reconcileConflict(ctx context.Context, op *Operation, env *syncwire.EntityEnvelope) error {
	if op.Kind == KindDelete && env.Deleted {
		// Another actor already deleted it; our delete is a no-op success.
		return c.reconcileApplied(ctx, op, env)
	}

	serverState, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal server state: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin conflict transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.writeConfirmedInTx(ctx, tx, env); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _offsync_operations SET status = ?, server_state = ?
		WHERE tenant_id = ? AND op_id = ?
	`, StatusConflict, string(serverState), c.TenantID, op.OperationID); err != nil {
		return fmt.Errorf("failed to mark operation conflicted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflict transaction: %w", err)
	}

	c.logger.Info("conflict detected, awaiting user resolution",
		"op_id", op.OperationID, "entity", op.EntityType+"/"+op.EntityID,
		"server_version", env.Version)
	c.notify(Event{EntityType: op.EntityType, EntityID: op.EntityID, OperationID: op.OperationID, Reason: EventConflict})
	c.signalWake()
	return nil
}

// ConflictState returns the server entity recorded when the operation was
// flagged conflict, for "keep mine / take theirs" review UIs.
func (c *Client) ConflictState(ctx context.Context, opID string) (*syncwire.EntityEnvelope, error) {
	op, err := c.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op.Status != StatusConflict || op.ServerState == nil {
		return nil, fmt.Errorf("operation %s is not conflicted", opID)
	}
	var env syncwire.EntityEnvelope
	if err := json.Unmarshal(op.ServerState, &env); err != nil {
		return nil, fmt.Errorf("failed to decode stored server state: %w", err)
	}
	return &env, nil
}

// ResolveConflict applies the user's decision on a conflicted operation.
//
// KeepMine rebases the local payload onto the server's current version and
// requeues the operation under its original idempotency key. If the server
// deleted the entity in the meantime, an update is requeued as a create (the
// local payload recreates the entity).
//
// TakeTheirs accepts the server state already reconciled into the confirmed
// snapshot and discards the local operation.
func (c *Client) ResolveConflict(ctx context.Context, opID string, resolution Resolution) error {
	op, err := c.GetOperation(ctx, opID)
	if err != nil {
		return err
	}
	if op.Status != StatusConflict {
		return fmt.Errorf("operation %s is not conflicted", opID)
	}

	switch resolution {
	case TakeTheirs:
		c.writeMu.Lock()
		_, err = c.DB.ExecContext(ctx, `
			DELETE FROM _offsync_operations WHERE tenant_id = ? AND op_id = ?
		`, c.TenantID, opID)
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to drop resolved operation: %w", err)
		}
		c.notify(Event{EntityType: op.EntityType, EntityID: op.EntityID, OperationID: opID, Reason: EventResolved})
		c.signalWake()
		return nil

	case KeepMine:
		env, err := c.ConflictState(ctx, opID)
		if err != nil {
			return err
		}

		kind := op.Kind
		var baseVersion *int64
		if env.Deleted {
			if kind == KindUpdate {
				kind = KindCreate
			}
		} else {
			v := env.Version
			baseVersion = &v
		}

		c.writeMu.Lock()
		_, err = c.DB.ExecContext(ctx, `
			UPDATE _offsync_operations
			SET status = ?, kind = ?, base_version = ?, attempts = 0, next_retry_at = 0,
				last_error = NULL, server_state = NULL
			WHERE tenant_id = ? AND op_id = ?
		`, StatusPending, kind, baseVersion, c.TenantID, opID)
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to requeue rebased operation: %w", err)
		}
		c.notify(Event{EntityType: op.EntityType, EntityID: op.EntityID, OperationID: opID, Reason: EventResolved})
		c.signalWake()
		return nil

	default:
		return fmt.Errorf("unknown resolution %d", resolution)
	}
}
