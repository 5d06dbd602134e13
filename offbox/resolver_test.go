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

// conflictedClient sets up a client with one confirmed entity at version 1
// and one conflicted update against server version 2.
func conflictedClient(t *testing.T, serverDeleted bool) (*Client, string) {
	t.Helper()
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		req := decodeMutation(t, r)
		switch {
		case req.Kind == KindCreate:
			return appliedResponse("sales", "sale-42", 1, req.Payload), nil
		case req.BaseVersion != nil && *req.BaseVersion == 1:
			env := syncwire.EntityEnvelope{
				EntityType: "sales", EntityID: "sale-42", Version: 2,
				Data: json.RawMessage(`{"amount":80}`),
			}
			if serverDeleted {
				env = syncwire.EntityEnvelope{EntityType: "sales", EntityID: "sale-42", Deleted: true}
			}
			return conflictResponse(env), nil
		default:
			version := int64(3)
			return appliedResponse("sales", req.EntityID, version, req.Payload), nil
		}
	})
	client := newTestClient(t, openTestDB(t), transport)
	ctx := context.Background()

	mustEnqueue(t, client, EnqueueRequest{
		EntityType: "sales", EntityID: "sale-42", Kind: KindCreate, Payload: json.RawMessage(`{"amount":100}`),
	})
	require.NoError(t, client.SyncOnce(ctx))

	opID := mustEnqueue(t, client, EnqueueRequest{
		EntityType: "sales", EntityID: "sale-42", Kind: KindUpdate,
		Payload: json.RawMessage(`{"amount":150}`), BaseVersion: int64p(1),
	})
	require.NoError(t, client.SyncOnce(ctx))

	op, err := client.GetOperation(ctx, opID)
	require.NoError(t, err)
	require.Equal(t, StatusConflict, op.Status)
	return client, opID
}

func TestResolveKeepMineRebasesAndReplays(t *testing.T) {
	client, opID := conflictedClient(t, false)
	ctx := context.Background()

	require.NoError(t, client.ResolveConflict(ctx, opID, KeepMine))

	op, err := client.GetOperation(ctx, opID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, op.Status)
	require.Equal(t, opID, op.OperationID) // same idempotency key
	require.NotNil(t, op.BaseVersion)
	require.Equal(t, int64(2), *op.BaseVersion) // rebased onto server version
	require.Nil(t, op.ServerState)

	// The rebased replay now applies cleanly.
	require.NoError(t, client.SyncOnce(ctx))
	op, err = client.GetOperation(ctx, opID)
	require.NoError(t, err)
	require.Equal(t, StatusDone, op.Status)

	snap, err := client.Snapshot(ctx, "sales", "sale-42")
	require.NoError(t, err)
	require.Equal(t, int64(3), snap.Version)
	require.JSONEq(t, `{"amount":150}`, string(snap.Data))
}

func TestResolveKeepMineOnServerDeleteBecomesCreate(t *testing.T) {
	client, opID := conflictedClient(t, true)
	ctx := context.Background()

	require.NoError(t, client.ResolveConflict(ctx, opID, KeepMine))

	op, err := client.GetOperation(ctx, opID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, op.Status)
	require.Equal(t, KindCreate, op.Kind) // recreate the deleted entity
	require.Nil(t, op.BaseVersion)
}

func TestResolveTakeTheirsDropsLocalEdit(t *testing.T) {
	client, opID := conflictedClient(t, false)
	ctx := context.Background()

	require.NoError(t, client.ResolveConflict(ctx, opID, TakeTheirs))

	_, err := client.GetOperation(ctx, opID)
	require.ErrorIs(t, err, ErrNotFound)

	snap, err := client.Snapshot(ctx, "sales", "sale-42")
	require.NoError(t, err)
	require.False(t, snap.Pending)
	require.Equal(t, int64(2), snap.Version)
	require.JSONEq(t, `{"amount":80}`, string(snap.Data))
}

func TestResolveRejectsNonConflictedOperation(t *testing.T) {
	client := newTestClient(t, openTestDB(t), nil)
	ctx := context.Background()

	opID := mustEnqueue(t, client, EnqueueRequest{
		EntityType: "sales", EntityID: "s1", Kind: KindCreate, Payload: json.RawMessage(`{}`),
	})
	require.Error(t, client.ResolveConflict(ctx, opID, TakeTheirs))
}
