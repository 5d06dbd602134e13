// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package syncwire

// Operation kinds accepted by the mutation endpoint.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

// Local operation lifecycle states.
const (
	StatusPending  = "pending"
	StatusInFlight = "in_flight"
	StatusFailed   = "failed"
	StatusConflict = "conflict"
	StatusDone     = "done"
)

// Structured reasons carried by validation error responses.
const (
	ReasonBadPayload      = "bad_payload"
	ReasonUnknownEntity   = "unknown_entity_type"
	ReasonMissingBaseVer  = "missing_base_version"
	ReasonPayloadTooLarge = "payload_too_large"
	ReasonDuplicateKey    = "duplicate_idempotency_key"
	ReasonInternalError   = "internal_error"
)

// HTTP headers used by the sync protocol.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIfMatch        = "If-Match"
	HeaderTenantID       = "X-Tenant-ID"
)
