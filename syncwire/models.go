// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package syncwire

import (
	"encoding/json"
	"time"
)

// REST/JSON models shared between the offline client engine and the backend.
// The backend is an external collaborator; these models are the full contract.

// MutationRequest carries one pending operation to the backend.
// The operation id doubles as the idempotency key and is also sent in the
// Idempotency-Key header; the body copy exists for request logging on the far
// side.
type MutationRequest struct {
	OperationID string          `json:"operation_id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Kind        string          `json:"kind"` // create, update, delete
	BaseVersion *int64          `json:"base_version,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"` // nil for delete
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// EntityEnvelope is the authoritative server representation of one entity.
type EntityEnvelope struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Version    int64           `json:"version"`
	Data       json.RawMessage `json:"data,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// MutationResponse is returned on HTTP 200. Entity is the post-mutation
// server state; for creates its EntityID is the server-assigned id, which may
// differ from the temporary client id in the request.
type MutationResponse struct {
	Entity EntityEnvelope `json:"entity"`
}

// ConflictResponse is returned on HTTP 409 when the If-Match precondition
// fails. Entity carries the current server state so the client can surface a
// keep-mine / take-theirs decision without another round trip.
type ConflictResponse struct {
	Entity EntityEnvelope `json:"entity"`
}

// ErrorResponse is returned on validation failures (422 and other non-409
// 4xx). Reason uses the Reason* constants.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// SnapshotResponse is returned by the full-resync fetch.
type SnapshotResponse struct {
	Entities []EntityEnvelope `json:"entities"`
}
