package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	fieldID        = "_id"
	fieldPartition = "_partition"
)

// Mongo is a Store backed by MongoDB. Each collection holds every partition;
// documents are keyed by "<partition>/<id>" so the _id unique index makes
// CreateIfAbsent atomic.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// ConnectMongo connects to MongoDB and verifies the connection
func ConnectMongo(ctx context.Context, uri, databaseName string, logger *slog.Logger) (*Mongo, error) {
	clientOptions := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", mapMongoError(err))
	}

	m := &Mongo{
		client: client,
		db:     client.Database(databaseName),
		logger: logger.With("component", "mongo_store"),
	}
	m.logger.Info("connected to mongodb", "database", databaseName)
	return m, nil
}

// EnsureIndexes creates the partition indexes used by List
func (m *Mongo) EnsureIndexes(ctx context.Context, collections ...string) error {
	for _, name := range collections {
		_, err := m.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.M{fieldPartition: 1},
		})
		if err != nil {
			return fmt.Errorf("failed to create index on %s: %w", name, mapMongoError(err))
		}
	}
	return nil
}

// Close disconnects the client
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func docID(key Key) string {
	return key.Partition + "/" + key.ID
}

func toBSON(key Key, doc Document) bson.M {
	out := bson.M{}
	for k, v := range doc {
		out[k] = v
	}
	out[fieldID] = docID(key)
	out[fieldPartition] = key.Partition
	return out
}

func fromBSON(raw bson.M) Document {
	doc := Document{}
	for k, v := range raw {
		if k == fieldID || k == fieldPartition {
			continue
		}
		doc[k] = normalizeBSON(v)
	}
	return doc
}

// normalizeBSON converts driver types into the JSON-shaped values Decode expects
func normalizeBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := map[string]any{}
		for k, val := range t {
			out[k] = normalizeBSON(val)
		}
		return out
	case bson.D:
		out := map[string]any{}
		for _, e := range t {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, 0, len(t))
		for _, val := range t {
			out = append(out, normalizeBSON(val))
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

// Get returns the document at key
func (m *Mongo) Get(ctx context.Context, key Key) (Document, error) {
	var raw bson.M
	err := m.db.Collection(key.Collection).FindOne(ctx, bson.M{fieldID: docID(key)}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, mapMongoError(err))
	}
	return fromBSON(raw), nil
}

// Set replaces or inserts the document at key
func (m *Mongo) Set(ctx context.Context, key Key, doc Document) error {
	opts := options.Replace().SetUpsert(true)
	_, err := m.db.Collection(key.Collection).ReplaceOne(ctx, bson.M{fieldID: docID(key)}, toBSON(key, doc), opts)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, mapMongoError(err))
	}
	return nil
}

// CreateIfAbsent inserts the document; a duplicate _id means another writer won
func (m *Mongo) CreateIfAbsent(ctx context.Context, key Key, doc Document) error {
	_, err := m.db.Collection(key.Collection).InsertOne(ctx, toBSON(key, doc))
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", key, mapMongoError(err))
	}
	return nil
}

// Increment applies $inc to a field of an existing document
func (m *Mongo) Increment(ctx context.Context, key Key, field string, delta int64) error {
	result, err := m.db.Collection(key.Collection).UpdateOne(ctx,
		bson.M{fieldID: docID(key)},
		bson.M{"$inc": bson.M{field: delta}},
	)
	if err != nil {
		return fmt.Errorf("failed to increment %s.%s: %w", key, field, mapMongoError(err))
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the document at key
func (m *Mongo) Delete(ctx context.Context, key Key) error {
	_, err := m.db.Collection(key.Collection).DeleteOne(ctx, bson.M{fieldID: docID(key)})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, mapMongoError(err))
	}
	return nil
}

// List returns every document of a collection in a partition
func (m *Mongo) List(ctx context.Context, partition, collection string) ([]Record, error) {
	findOptions := options.Find().SetSort(bson.M{fieldID: 1})
	cursor, err := m.db.Collection(collection).Find(ctx, bson.M{fieldPartition: partition}, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", partition, collection, mapMongoError(err))
	}
	defer cursor.Close(ctx)

	var raws []bson.M
	if err := cursor.All(ctx, &raws); err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", partition, collection, mapMongoError(err))
	}

	prefix := partition + "/"
	records := make([]Record, 0, len(raws))
	for _, raw := range raws {
		id, _ := raw[fieldID].(string)
		if len(id) < len(prefix) {
			continue
		}
		records = append(records, Record{
			Key:      Key{Partition: partition, Collection: collection, ID: id[len(prefix):]},
			Document: fromBSON(raw),
		})
	}
	return records, nil
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

// Subscribe opens a change stream filtered to one partition
func (m *Mongo) Subscribe(ctx context.Context, partition, collection string) (<-chan Change, error) {
	prefix := partition + "/"
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"documentKey._id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	stream, err := m.db.Collection(collection).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s/%s: %w", partition, collection, mapMongoError(err))
	}

	ch := make(chan Change, 64)
	go func() {
		defer close(ch)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				m.logger.Warn("failed to decode change event", "error", err)
				continue
			}

			key := Key{Partition: partition, Collection: collection, ID: ev.DocumentKey.ID[len(prefix):]}
			change := Change{Key: key}
			switch ev.OperationType {
			case "delete":
				change.Type = ChangeDelete
			case "insert", "update", "replace":
				if ev.FullDocument == nil {
					continue
				}
				change.Type = ChangeSet
				change.Document = fromBSON(ev.FullDocument)
			default:
				continue
			}

			select {
			case ch <- change:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			m.logger.Warn("change stream closed", "partition", partition, "collection", collection, "error", err)
		}
	}()

	return ch, nil
}

// mapMongoError translates driver errors into store sentinels
func mapMongoError(err error) error {
	if err == nil {
		return nil
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		// 13 Unauthorized, 18 AuthenticationFailed
		if serverErr.HasErrorCode(13) || serverErr.HasErrorCode(18) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return err
}

// pingTimeout bounds health checks against the cluster
const pingTimeout = 5 * time.Second

// Ping reports whether the cluster is reachable
func (m *Mongo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return mapMongoError(m.client.Ping(ctx, nil))
}
