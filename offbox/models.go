// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/omrozmn/x-ear-sub006/syncwire"
)

// Local aliases for the wire-level kind and status vocabulary.
const (
	KindCreate = syncwire.KindCreate
	KindUpdate = syncwire.KindUpdate
	KindDelete = syncwire.KindDelete

	StatusPending  = syncwire.StatusPending
	StatusInFlight = syncwire.StatusInFlight
	StatusFailed   = syncwire.StatusFailed
	StatusConflict = syncwire.StatusConflict
	StatusDone     = syncwire.StatusDone
)

// ErrNotFound is returned by snapshot reads when an entity neither has a
// confirmed snapshot nor a pending operation materializing it.
var ErrNotFound = errors.New("offbox: entity not found")

// Operation is a single durable write intent in the outbox. OperationID is
// client-generated and doubles as the idempotency key; it never changes
// across retries of the same logical operation.
type Operation struct {
	Seq         int64           // store-assigned, strictly increasing; FIFO ordering key
	OperationID string
	TenantID    string
	EntityType  string
	EntityID    string
	Kind        string // create, update, delete
	BaseVersion *int64 // server version the intent was computed against; nil for creates
	Payload     json.RawMessage
	EnqueuedAt  time.Time
	Status      string // pending, in_flight, failed, conflict, done
	Attempts    int
	LastError   string
	ServerState json.RawMessage // current server envelope, populated on conflict
	NextRetryAt time.Time       // zero unless a transient failure scheduled a retry
}

// Terminal reports whether the operation reached a state that unblocks the
// next operation queued for the same entity.
func (o *Operation) Terminal() bool {
	switch o.Status {
	case StatusDone, StatusFailed, StatusConflict:
		return true
	default:
		return false
	}
}

// Snapshot is the UI-visible materialized state of one entity: the last
// confirmed server state with not-yet-confirmed operations applied on top in
// enqueue order.
type Snapshot struct {
	EntityType string
	EntityID   string
	Version    int64 // server-assigned version of the confirmed base; 0 if none
	Data       json.RawMessage
	LocalOnly  bool // entity only exists from an unconfirmed create
	Pending    bool // at least one unconfirmed operation is overlaid
}

// Stats summarizes outbox state for sync-status indicators. Derived purely
// from local storage; no network involved.
type Stats struct {
	Pending   int
	InFlight  int
	Failed    int
	Conflicts int
}

// Resolution is a user decision on a conflicted operation.
type Resolution int

const (
	// KeepMine rebases the local operation onto the server's current version
	// and requeues it (same idempotency key).
	KeepMine Resolution = iota
	// TakeTheirs accepts the server state and discards the local operation.
	TakeTheirs
)
