// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnqueueRequest describes one write intent. Payload is opaque domain data;
// the engine never interprets it.
type EnqueueRequest struct {
	EntityType  string          `validate:"required"`
	EntityID    string          `validate:"required"`
	Kind        string          `validate:"required,oneof=create update delete"`
	Payload     json.RawMessage `validate:"required_unless=Kind delete"`
	BaseVersion *int64
}

// Enqueue durably persists the operation and applies it to the optimistic
// snapshot before returning. It never touches the network. The returned
// operation id is the idempotency key the replayer will send; it is stable
// across every retry of this logical operation.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := c.validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid enqueue request: %w", err)
	}
	switch req.Kind {
	case KindCreate:
		if req.BaseVersion != nil {
			return "", fmt.Errorf("invalid enqueue request: create must not carry a base version")
		}
	case KindUpdate:
		if req.BaseVersion == nil {
			return "", fmt.Errorf("invalid enqueue request: update requires a base version")
		}
	}

	opID := c.clock.NewOperationID()
	enqueuedAt := c.clock.Now()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	var payload any
	if req.Payload != nil {
		payload = string(req.Payload)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _offsync_operations
			(op_id, tenant_id, entity_type, entity_id, kind, base_version, payload, enqueued_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, opID, c.TenantID, req.EntityType, req.EntityID, req.Kind, req.BaseVersion,
		payload, enqueuedAt.Format(time.RFC3339Nano), StatusPending); err != nil {
		return "", fmt.Errorf("failed to persist operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit enqueue transaction: %w", err)
	}

	c.notify(Event{EntityType: req.EntityType, EntityID: req.EntityID, OperationID: opID, Reason: EventEnqueued})
	c.signalWake()
	return opID, nil
}

const operationColumns = `seq, op_id, tenant_id, entity_type, entity_id, kind,
	base_version, payload, enqueued_at, status, attempts, last_error, server_state, next_retry_at`

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var baseVersion sql.NullInt64
	var payload, lastError, serverState sql.NullString
	var enqueuedAt string
	var nextRetryAt int64

	if err := row.Scan(&op.Seq, &op.OperationID, &op.TenantID, &op.EntityType, &op.EntityID,
		&op.Kind, &baseVersion, &payload, &enqueuedAt, &op.Status, &op.Attempts,
		&lastError, &serverState, &nextRetryAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	if baseVersion.Valid {
		v := baseVersion.Int64
		op.BaseVersion = &v
	}
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}
	if serverState.Valid {
		op.ServerState = json.RawMessage(serverState.String)
	}
	if ts, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
		op.EnqueuedAt = ts
	}
	if nextRetryAt > 0 {
		op.NextRetryAt = time.UnixMilli(nextRetryAt).UTC()
	}
	return &op, nil
}

// GetOperation loads one operation by id.
func (c *Client) GetOperation(ctx context.Context, opID string) (*Operation, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT `+operationColumns+`
		FROM _offsync_operations
		WHERE tenant_id = ? AND op_id = ?
	`, c.TenantID, opID)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return op, err
}

// ListPending returns all not-yet-done operations in enqueue order, for sync
// status indicators and conflict/failure review screens.
func (c *Client) ListPending(ctx context.Context) ([]Operation, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM _offsync_operations
		WHERE tenant_id = ? AND status != ?
		ORDER BY seq
	`, c.TenantID, StatusDone)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// entityOperations returns the unconfirmed operation chain for one entity in
// seq order (the optimistic overlay input).
func (c *Client) entityOperations(ctx context.Context, entityType, entityID string) ([]Operation, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM _offsync_operations
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND status != ?
		ORDER BY seq
	`, c.TenantID, entityType, entityID, StatusDone)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// nextBatch returns up to limit dispatchable operations: status pending,
// retry timer elapsed, no earlier unsettled operation on the same entity,
// and the entity not currently locked by an in-flight attempt.
func (c *Client) nextBatch(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM _offsync_operations o
		WHERE o.tenant_id = ? AND o.status = ? AND o.next_retry_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM _offsync_operations p
			WHERE p.tenant_id = o.tenant_id
			AND p.entity_type = o.entity_type AND p.entity_id = o.entity_id
			AND p.seq < o.seq AND p.status IN (?, ?)
		)
		ORDER BY o.seq
	`, c.TenantID, StatusPending, c.clock.Now().UnixMilli(), StatusPending, StatusInFlight)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatchable operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		if c.entityLocked(op.EntityType, op.EntityID) {
			continue
		}
		ops = append(ops, *op)
		if len(ops) >= limit {
			break
		}
	}
	return ops, rows.Err()
}

// markInFlight transitions pending -> in_flight.
func (c *Client) markInFlight(ctx context.Context, opID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	res, err := c.DB.ExecContext(ctx, `
		UPDATE _offsync_operations SET status = ?
		WHERE tenant_id = ? AND op_id = ? AND status = ?
	`, StatusInFlight, c.TenantID, opID, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark operation in flight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s is not pending", opID)
	}
	return nil
}

// markFailed transitions an operation to its permanent failed state. The
// payload stays in the row so the user can inspect, edit and resubmit.
func (c *Client) markFailed(ctx context.Context, op *Operation, msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.DB.ExecContext(ctx, `
		UPDATE _offsync_operations SET status = ?, last_error = ?
		WHERE tenant_id = ? AND op_id = ?
	`, StatusFailed, msg, c.TenantID, op.OperationID); err != nil {
		return fmt.Errorf("failed to mark operation failed: %w", err)
	}
	c.notify(Event{EntityType: op.EntityType, EntityID: op.EntityID, OperationID: op.OperationID, Reason: EventFailed})
	return nil
}

// markRetry requeues an operation after a transient failure, incrementing the
// attempt count and scheduling the next attempt. The idempotency key is
// untouched: the resend must carry the same operation id.
func (c *Client) markRetry(ctx context.Context, op *Operation, attempts int, nextRetryAt time.Time, msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.DB.ExecContext(ctx, `
		UPDATE _offsync_operations
		SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?
		WHERE tenant_id = ? AND op_id = ?
	`, StatusPending, attempts, nextRetryAt.UnixMilli(), msg, c.TenantID, op.OperationID); err != nil {
		return fmt.Errorf("failed to requeue operation: %w", err)
	}
	return nil
}

// Retry manually requeues a failed operation with a reset attempt budget.
// The operation keeps its id: re-sending it is idempotent server-side.
func (c *Client) Retry(ctx context.Context, opID string) error {
	c.writeMu.Lock()
	res, err := c.DB.ExecContext(ctx, `
		UPDATE _offsync_operations
		SET status = ?, attempts = 0, next_retry_at = 0, last_error = NULL
		WHERE tenant_id = ? AND op_id = ? AND status = ?
	`, StatusPending, c.TenantID, opID, StatusFailed)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to retry operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s is not in a retryable state", opID)
	}
	c.signalWake()
	return nil
}

// Discard drops an operation the user gave up on. In-flight operations
// cannot be discarded; wait for their terminal state first.
func (c *Client) Discard(ctx context.Context, opID string) error {
	op, err := c.GetOperation(ctx, opID)
	if err != nil {
		return err
	}
	if op.Status == StatusInFlight {
		return fmt.Errorf("operation %s is in flight and cannot be discarded", opID)
	}

	c.writeMu.Lock()
	_, err = c.DB.ExecContext(ctx, `
		DELETE FROM _offsync_operations WHERE tenant_id = ? AND op_id = ?
	`, c.TenantID, opID)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to discard operation: %w", err)
	}
	c.notify(Event{EntityType: op.EntityType, EntityID: op.EntityID, OperationID: opID, Reason: EventDiscarded})
	return nil
}

// PruneDone removes done operations older than the cutoff. Done rows are kept
// around for a while as a local audit trail of confirmed syncs.
func (c *Client) PruneDone(ctx context.Context, olderThan time.Time) (int64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	res, err := c.DB.ExecContext(ctx, `
		DELETE FROM _offsync_operations
		WHERE tenant_id = ? AND status = ? AND enqueued_at < ?
	`, c.TenantID, StatusDone, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune done operations: %w", err)
	}
	return res.RowsAffected()
}
