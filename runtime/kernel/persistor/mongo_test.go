//go:build integration
// +build integration

package persistor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/goa-ai/runtime/kernel/event"
	"goa.design/goa-ai/runtime/kernel/ksnapshot"
)

// TestMongoAppendGetByHashRoundTrip requires a reachable MongoDB instance
// (KERNEL_MONGO_URI, default mongodb://localhost:27017) and is excluded from
// the default build; run with -tags=integration.
func TestMongoAppendGetByHashRoundTrip(t *testing.T) {
	uri := os.Getenv("KERNEL_MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skip("mongo not available, skipping:", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skip("mongo not reachable, skipping:", err)
	}
	defer client.Disconnect(context.Background())

	coll := client.Database("kernel_test").Collection(t.Name())
	require.NoError(t, coll.Drop(ctx))
	defer coll.Drop(context.Background())

	p, err := NewMongo(MongoOptions{Client: client, Database: "kernel_test", Collection: t.Name()})
	require.NoError(t, err)

	snap := ksnapshot.Snapshot{
		XCID:  "tenant-1:job-1",
		TS:    1700000000,
		State: map[string]any{"step": 2},
		Events: []event.Event{
			{ID: "e1", Type: "agent.tick", ThreadID: "thread-1", TS: 1700000000, Data: map[string]any{"n": 1}},
		},
	}
	snap = ksnapshot.Freeze(snap)

	require.NoError(t, p.Append(ctx, snap, AppendOptions{}))
	// Appending the same hash again must remain a no-op.
	require.NoError(t, p.Append(ctx, snap, AppendOptions{}))

	got, err := p.GetByHash(ctx, snap.Hash)
	require.NoError(t, err)
	require.Equal(t, snap.XCID, got.XCID)
	require.Equal(t, snap.Hash, got.Hash)
	require.Len(t, got.Events, 1)
	require.Equal(t, "agent.tick", got.Events[0].Type)

	_, err = p.GetByHash(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}
