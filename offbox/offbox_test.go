// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/omrozmn/x-ear-sub006/syncwire"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "offbox.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func openFileDB(dir string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", filepath.Join(dir, "offbox.db"))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func staticToken(ctx context.Context) (string, error) { return "test-token", nil }

// testConfig removes timing from the equation: retries become dispatchable
// immediately and the attempt budget is small.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, db *sql.DB, transport http.RoundTripper) *Client {
	t.Helper()
	opts := []Option{}
	if transport != nil {
		opts = append(opts, WithHTTPClient(&http.Client{Transport: transport}))
	}
	client, err := NewClient(db, "http://backend.test", "tenant-1", staticToken, testConfig(), opts...)
	require.NoError(t, err)
	return client
}

func mustEnqueue(t *testing.T, c *Client, req EnqueueRequest) string {
	t.Helper()
	opID, err := c.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return opID
}

func int64p(v int64) *int64 { return &v }

// appliedResponse is the canonical 200 for a mutation request: echo the
// payload back with the given id and version.
func appliedResponse(entityType, entityID string, version int64, payload json.RawMessage) *http.Response {
	return makeResponse(http.StatusOK, syncwire.MutationResponse{Entity: syncwire.EntityEnvelope{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    version,
		Data:       payload,
	}})
}

func conflictResponse(env syncwire.EntityEnvelope) *http.Response {
	return makeResponse(http.StatusConflict, syncwire.ConflictResponse{Entity: env})
}

func errorResponse(status int, reason, message string) *http.Response {
	return makeResponse(status, syncwire.ErrorResponse{Error: http.StatusText(status), Reason: reason, Message: message})
}

func makeResponse(status int, v any) *http.Response {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       readCloser(body),
	}
}

func readCloser(body []byte) *nopCloser {
	return &nopCloser{Reader: strings.NewReader(string(body))}
}

type nopCloser struct {
	*strings.Reader
}

func (n *nopCloser) Close() error { return nil }

func decodeMutation(t *testing.T, r *http.Request) syncwire.MutationRequest {
	t.Helper()
	var req syncwire.MutationRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}
