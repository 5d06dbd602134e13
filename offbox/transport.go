// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/omrozmn/x-ear-sub006/syncwire"
)

// mutationResult is the structured outcome of one replay attempt. Conflict
// carries the current server entity from a 409; otherwise Entity is the
// authoritative post-mutation state.
type mutationResult struct {
	Conflict bool
	Entity   syncwire.EntityEnvelope
}

// sendMutation replays one operation against the backend. The operation id
// travels as the Idempotency-Key header and the base version as the If-Match
// precondition, so ambiguous failures (request sent, response lost) are safe
// to resend verbatim.
func (c *Client) sendMutation(ctx context.Context, op *Operation) (*mutationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req := syncwire.MutationRequest{
		OperationID: op.OperationID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Kind:        op.Kind,
		BaseVersion: op.BaseVersion,
		Payload:     op.Payload,
		EnqueuedAt:  op.EnqueuedAt,
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync/mutate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get session token: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set(syncwire.HeaderIdempotencyKey, op.OperationID)
	httpReq.Header.Set(syncwire.HeaderTenantID, c.TenantID)
	if op.BaseVersion != nil {
		httpReq.Header.Set(syncwire.HeaderIfMatch, strconv.FormatInt(*op.BaseVersion, 10))
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send mutation request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var mutResp syncwire.MutationResponse
		if err := json.NewDecoder(resp.Body).Decode(&mutResp); err != nil {
			return nil, fmt.Errorf("failed to decode mutation response: %w", err)
		}
		return &mutationResult{Entity: mutResp.Entity}, nil

	case resp.StatusCode == http.StatusConflict:
		var conflictResp syncwire.ConflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflictResp); err != nil {
			return nil, fmt.Errorf("failed to decode conflict response: %w", err)
		}
		return &mutationResult{Conflict: true, Entity: conflictResp.Entity}, nil

	case (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) && op.Kind == KindDelete:
		// Entity already gone server-side: the delete is idempotent.
		io.Copy(io.Discard, resp.Body)
		return &mutationResult{Entity: syncwire.EntityEnvelope{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Deleted:    true,
		}}, nil

	default:
		return nil, decodeAPIError(resp)
	}
}

// fetchSnapshot performs the non-mutating full-resync fetch. entityType may
// be empty to fetch every type.
func (c *Client) fetchSnapshot(ctx context.Context, entityType string) ([]syncwire.EntityEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	u := fmt.Sprintf("%s/sync/snapshot?tenant=%s", c.BaseURL, url.QueryEscape(c.TenantID))
	if entityType != "" {
		u += "&entity_type=" + url.QueryEscape(entityType)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get session token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set(syncwire.HeaderTenantID, c.TenantID)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send snapshot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var snapResp syncwire.SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snapResp); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot response: %w", err)
	}
	return snapResp.Entities, nil
}

// decodeAPIError turns a non-200 response into a structured *APIError,
// falling back to the raw body when the payload is not our error shape.
func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var errResp syncwire.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &syncwire.APIError{
			StatusCode: resp.StatusCode,
			Reason:     errResp.Reason,
			Message:    errResp.Message,
		}
	}
	return &syncwire.APIError{
		StatusCode: resp.StatusCode,
		Message:    string(body),
	}
}
