// Package persistor: MongoDB-backed adapter for durable snapshot storage,
// grounded on registry/store/mongo.Store and the features/*/mongo client
// wrappers (collection-scoped client, upsert-by-id, ErrNoDocuments mapped
// to the package's not-found sentinel).
package persistor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/goa-ai/runtime/kernel/event"
	"goa.design/goa-ai/runtime/kernel/ksnapshot"
)

const defaultMongoTimeout = 5 * time.Second

// Mongo is a MongoDB-backed Persistor. It persists one document per
// distinct snapshot hash so Append remains idempotent: replaying the same
// hash is a pure upsert of identical content.
type Mongo struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ Persistor = (*Mongo)(nil)

// MongoOptions configures the MongoDB-backed adapter.
type MongoOptions struct {
	// Client is the connected MongoDB client. Required.
	Client *mongodriver.Client
	// Database names the database holding the snapshot collection.
	// Required.
	Database string
	// Collection names the snapshot collection. Defaults to
	// "kernel_snapshots".
	Collection string
	// Timeout bounds individual operations. Defaults to 5s.
	Timeout time.Duration
}

// NewMongo constructs a Mongo persistor from opts.
func NewMongo(opts MongoOptions) (*Mongo, error) {
	if opts.Client == nil {
		return nil, errors.New("persistor: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("persistor: database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = "kernel_snapshots"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	return &Mongo{coll: coll, timeout: timeout}, nil
}

// snapshotDocument is the MongoDB document representation of a Snapshot.
type snapshotDocument struct {
	Hash   string   `bson:"_id"`
	XCID   string   `bson:"xc_id"`
	TS     int64    `bson:"ts"`
	State  any      `bson:"state"`
	Events []bson.M `bson:"events"`
}

// Append stores snapshot under its Hash, upserting so a retried Append for
// an already-known hash is a no-op at the content level.
func (m *Mongo) Append(ctx context.Context, snapshot ksnapshot.Snapshot, _ AppendOptions) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	existing := m.coll.FindOne(ctx, bson.M{"_id": snapshot.Hash})
	if existing.Err() == nil {
		return nil
	}
	if !errors.Is(existing.Err(), mongodriver.ErrNoDocuments) {
		return fmt.Errorf("persistor: mongo check existing hash %q: %w", snapshot.Hash, existing.Err())
	}

	doc := toDocument(snapshot)
	opts := options.Replace().SetUpsert(true)
	if _, err := m.coll.ReplaceOne(ctx, bson.M{"_id": snapshot.Hash}, doc, opts); err != nil {
		return fmt.Errorf("persistor: mongo append hash %q: %w", snapshot.Hash, err)
	}
	return nil
}

// GetByHash retrieves the snapshot stored under hash.
func (m *Mongo) GetByHash(ctx context.Context, hash string) (ksnapshot.Snapshot, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var doc snapshotDocument
	err := m.coll.FindOne(ctx, bson.M{"_id": hash}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return ksnapshot.Snapshot{}, ErrNotFound
		}
		return ksnapshot.Snapshot{}, fmt.Errorf("persistor: mongo get hash %q: %w", hash, err)
	}
	return fromDocument(&doc), nil
}

func (m *Mongo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, m.timeout)
}

func toDocument(s ksnapshot.Snapshot) snapshotDocument {
	events := make([]bson.M, len(s.Events))
	for i, e := range s.Events {
		events[i] = bson.M{
			"id":       e.ID,
			"type":     e.Type,
			"threadId": e.ThreadID,
			"ts":       e.TS,
			"data":     e.Data,
		}
	}
	return snapshotDocument{
		Hash:   s.Hash,
		XCID:   s.XCID,
		TS:     s.TS,
		State:  s.State,
		Events: events,
	}
}

func fromDocument(doc *snapshotDocument) ksnapshot.Snapshot {
	events := make([]event.Event, len(doc.Events))
	for i, e := range doc.Events {
		events[i] = event.Event{
			ID:       stringField(e, "id"),
			Type:     stringField(e, "type"),
			ThreadID: stringField(e, "threadId"),
			TS:       int64Field(e, "ts"),
			Data:     e["data"],
		}
	}
	return ksnapshot.Snapshot{
		Hash:   doc.Hash,
		XCID:   doc.XCID,
		TS:     doc.TS,
		State:  doc.State,
		Events: events,
	}
}

func stringField(m bson.M, key string) string {
	v, _ := m[key].(string)
	return v
}

func int64Field(m bson.M, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}
