// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package offbox

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omrozmn/x-ear-sub006/syncwire"
)

func TestTenantScopingIsolatesOutboxes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	clientA, err := NewClient(db, "http://backend.test", "tenant-a", staticToken, testConfig())
	require.NoError(t, err)
	clientB, err := NewClient(db, "http://backend.test", "tenant-b", staticToken, testConfig())
	require.NoError(t, err)
	require.NotEqual(t, clientA.SourceID, clientB.SourceID)

	opID := mustEnqueue(t, clientA, EnqueueRequest{
		EntityType: "patients", EntityID: "p1", Kind: KindCreate, Payload: json.RawMessage(`{"name":"A"}`),
	})

	// Tenant B sees neither the operation nor the optimistic snapshot.
	ops, err := clientB.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, ops)
	_, err = clientB.GetOperation(ctx, opID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = clientB.Snapshot(ctx, "patients", "p1")
	require.ErrorIs(t, err, ErrNotFound)

	ops, err = clientA.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
}

func TestListSnapshotsMergesConfirmedAndLocalOnly(t *testing.T) {
	ctx := context.Background()
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		req := decodeMutation(t, r)
		return appliedResponse("patients", "patient-1", 1, req.Payload), nil
	})
	client := newTestClient(t, openTestDB(t), transport)

	// One confirmed entity, one still local-only.
	mustEnqueue(t, client, EnqueueRequest{
		EntityType: "patients", EntityID: "patient-local-1", Kind: KindCreate, Payload: json.RawMessage(`{"name":"A"}`),
	})
	require.NoError(t, client.SyncOnce(ctx))
	client.Pause()
	mustEnqueue(t, client, EnqueueRequest{
		EntityType: "patients", EntityID: "patient-local-2", Kind: KindCreate, Payload: json.RawMessage(`{"name":"B"}`),
	})

	snaps, err := client.ListSnapshots(ctx, "patients")
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	byID := map[string]Snapshot{}
	for _, s := range snaps {
		byID[s.EntityID] = s
	}
	require.False(t, byID["patient-1"].LocalOnly)
	require.True(t, byID["patient-local-2"].LocalOnly)
	require.True(t, byID["patient-local-2"].Pending)
}

func TestHydrateReplacesConfirmedStateAndClearsResync(t *testing.T) {
	ctx := context.Background()
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/sync/snapshot", r.URL.Path)
		require.Equal(t, "tenant-1", r.URL.Query().Get("tenant"))
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		return makeResponse(http.StatusOK, syncwire.SnapshotResponse{Entities: []syncwire.EntityEnvelope{
			{EntityType: "patients", EntityID: "p1", Version: 7, Data: json.RawMessage(`{"name":"server"}`)},
			{EntityType: "sales", EntityID: "s1", Version: 2, Data: json.RawMessage(`{"amount":50}`)},
		}}), nil
	})
	client := newTestClient(t, openTestDB(t), transport)

	// Pretend the migration runner cleared the store.
	_, err := client.DB.Exec(`UPDATE _offsync_schema SET resync_required = 1 WHERE id = 1`)
	require.NoError(t, err)

	require.NoError(t, client.Hydrate(ctx))

	snap, err := client.Snapshot(ctx, "patients", "p1")
	require.NoError(t, err)
	require.Equal(t, int64(7), snap.Version)
	require.False(t, snap.Pending)

	resync, err := client.ResyncRequired(ctx)
	require.NoError(t, err)
	require.False(t, resync)
}

func TestSnapshotUnknownEntity(t *testing.T) {
	client := newTestClient(t, openTestDB(t), nil)
	_, err := client.Snapshot(context.Background(), "patients", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}
