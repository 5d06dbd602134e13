// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/omrozmn/x-ear-sub006/syncwire"
)

// Sync engine: drains the outbox against the backend. Different entities may
// have up to Config.Concurrency operations in flight simultaneously; the same
// entity never has more than one, and its operations replay in strict seq
// order. A network call is the only suspension point.

func (c *Client) replayLoop(ctx context.Context) {
	sem := make(chan struct{}, c.config.Concurrency)
	settled := make(chan struct{}, c.config.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.isPaused() {
			if !c.waitForWork(ctx, settled) {
				return
			}
			continue
		}

		free := c.config.Concurrency - len(sem)
		batch, err := c.nextBatch(ctx, free)
		if err != nil {
			c.logger.Error("failed to pick next operations", "error", err)
			if !c.waitForWork(ctx, settled) {
				return
			}
			continue
		}

		if len(batch) == 0 {
			if !c.waitForWork(ctx, settled) {
				return
			}
			continue
		}

		for i := range batch {
			op := batch[i]
			if !c.lockEntity(op.EntityType, op.EntityID) {
				continue
			}
			if err := c.markInFlight(ctx, op.OperationID); err != nil {
				c.unlockEntity(op.EntityType, op.EntityID)
				c.logger.Warn("skipping operation", "op_id", op.OperationID, "error", err)
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				c.unlockEntity(op.EntityType, op.EntityID)
				return
			}

			go func(op Operation) {
				defer func() {
					<-sem
					c.unlockEntity(op.EntityType, op.EntityID)
					select {
					case settled <- struct{}{}:
					default:
					}
				}()
				if err := c.replayOne(ctx, &op); err != nil {
					c.logger.Error("replay attempt errored",
						"op_id", op.OperationID, "entity", op.EntityType+"/"+op.EntityID, "error", err)
				}
			}(op)
		}
	}
}

// SyncOnce synchronously drains every currently dispatchable operation, one
// attempt each. Operations scheduled for a future retry are left alone. Used
// by explicit "sync now" actions and tests; the background loop is not
// required.
func (c *Client) SyncOnce(ctx context.Context) error {
	if c.isPaused() {
		return nil
	}
	for {
		batch, err := c.nextBatch(ctx, c.config.Concurrency)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for i := range batch {
			op := batch[i]
			if !c.lockEntity(op.EntityType, op.EntityID) {
				continue
			}
			if err := c.markInFlight(ctx, op.OperationID); err != nil {
				c.unlockEntity(op.EntityType, op.EntityID)
				return err
			}
			err := c.replayOne(ctx, &op)
			c.unlockEntity(op.EntityType, op.EntityID)
			if err != nil {
				return err
			}
		}
	}
}

// waitForWork blocks until an enqueue/settle signal or the poll timer fires.
// Returns false when ctx is done.
func (c *Client) waitForWork(ctx context.Context, settled <-chan struct{}) bool {
	timer := time.NewTimer(c.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.wake:
		return true
	case <-settled:
		return true
	case <-timer.C:
		return true
	}
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func (c *Client) lockEntity(entityType, entityID string) bool {
	key := entityKey(entityType, entityID)
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	if _, held := c.locks[key]; held {
		return false
	}
	c.locks[key] = struct{}{}
	return true
}

func (c *Client) unlockEntity(entityType, entityID string) {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	delete(c.locks, entityKey(entityType, entityID))
}

func (c *Client) entityLocked(entityType, entityID string) bool {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	_, held := c.locks[entityKey(entityType, entityID)]
	return held
}

// replayOne performs a single network attempt for one in-flight operation and
// drives it to its next state.
func (c *Client) replayOne(ctx context.Context, op *Operation) error {
	result, err := c.sendMutation(ctx, op)
	if err != nil {
		return c.handleReplayError(ctx, op, err)
	}

	if result.Conflict {
		return c.reconcileConflict(ctx, op, &result.Entity)
	}
	return c.reconcileApplied(ctx, op, &result.Entity)
}

// handleReplayError classifies a failed attempt. Conflicts never reach here
// (they are a structured 409 result, not an error).
func (c *Client) handleReplayError(ctx context.Context, op *Operation, err error) error {
	var apiErr *syncwire.APIError
	if errors.As(err, &apiErr) && apiErr.Validation() {
		// Repeating a malformed request cannot change the outcome.
		c.logger.Warn("operation rejected by server validation",
			"op_id", op.OperationID, "reason", apiErr.Reason, "message", apiErr.Message)
		return c.markFailed(ctx, op, apiErr.Error())
	}

	// Everything else is transient: connectivity loss, timeout, 5xx. A
	// timeout is never assumed to have succeeded or failed server-side; the
	// idempotency key makes the resend safe either way.
	attempts := op.Attempts + 1
	if attempts >= c.config.MaxAttempts {
		c.logger.Warn("operation exceeded retry budget",
			"op_id", op.OperationID, "attempts", attempts, "error", err)
		return c.markFailed(ctx, op, err.Error())
	}

	delay := c.backoffDelay(attempts)
	c.logger.Debug("transient replay failure, scheduling retry",
		"op_id", op.OperationID, "attempt", attempts, "delay", delay, "error", err)
	return c.markRetry(ctx, op, attempts, c.clock.Now().Add(delay), err.Error())
}

// backoffDelay returns BackoffMin * 2^(attempt-1) capped at BackoffMax, with
// +/-20% jitter to avoid thundering-herd retries after connectivity returns.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.config.BackoffMin
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.config.BackoffMax {
			delay = c.config.BackoffMax
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	jittered := time.Duration(float64(delay) * jitter)
	if jittered > c.config.BackoffMax {
		jittered = c.config.BackoffMax
	}
	return jittered
}
