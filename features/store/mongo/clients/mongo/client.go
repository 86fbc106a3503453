// Package mongo implements the low-level MongoDB client used by the artifact store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/store"
)

type (
	// Client exposes Mongo-backed operations for the artifact store.
	Client interface {
		health.Pinger

		Put(ctx context.Context, a *artifact.Artifact) error
		Get(ctx context.Context, kurralID string) (*artifact.Artifact, error)
		GetByRunID(ctx context.Context, runID string) (*artifact.Artifact, error)
		List(ctx context.Context, f store.Filter) ([]store.IndexEntry, error)
		Delete(ctx context.Context, kurralID string) error
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// artifactDocument holds the canonical JSON payload next to the index
	// fields queries filter on.
	artifactDocument struct {
		ID              primitive.ObjectID `bson:"_id,omitempty"`
		KurralID        string             `bson:"kurral_id"`
		RunID           string             `bson:"run_id"`
		TenantID        string             `bson:"tenant_id,omitempty"`
		SemanticBuckets []string           `bson:"semantic_buckets,omitempty"`
		CreatedAt       time.Time          `bson:"created_at"`
		Payload         []byte             `bson:"payload"`
	}
)

const (
	defaultCollection = "kurral_artifacts"
	defaultTimeout    = 5 * time.Second
	clientName        = "artifact-store-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Put(ctx context.Context, a *artifact.Artifact) error {
	if a == nil || a.KurralID == "" {
		return fmt.Errorf("%w: artifact without kurral_id", artifact.ErrArtifactInvalid)
	}
	payload, err := artifact.Serialize(a)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := artifactDocument{
		KurralID:        a.KurralID,
		RunID:           a.RunID,
		TenantID:        a.TenantID,
		SemanticBuckets: append([]string(nil), a.SemanticBuckets...),
		CreatedAt:       a.CreatedAt.UTC(),
		Payload:         payload,
	}
	_, err = c.coll.ReplaceOne(ctx, bson.M{"kurral_id": a.KurralID}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (c *client) Get(ctx context.Context, kurralID string) (*artifact.Artifact, error) {
	return c.findOne(ctx, bson.M{"kurral_id": kurralID}, nil)
}

func (c *client) GetByRunID(ctx context.Context, runID string) (*artifact.Artifact, error) {
	sort := bson.D{{Key: "created_at", Value: -1}}
	return c.findOne(ctx, bson.M{"run_id": runID}, sort)
}

func (c *client) List(ctx context.Context, f store.Filter) (entries []store.IndexEntry, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if f.Limit > 0 {
		opts = opts.SetLimit(int64(f.Limit))
	}
	cur, err := c.coll.Find(ctx, listFilter(f), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = fmt.Errorf("%w: %s", store.ErrStorageUnavailable, cerr)
		}
	}()

	for cur.Next(ctx) {
		var doc artifactDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
		}
		entries = append(entries, store.IndexEntry{
			KurralID:        doc.KurralID,
			RunID:           doc.RunID,
			CreatedAt:       doc.CreatedAt,
			TenantID:        doc.TenantID,
			SemanticBuckets: doc.SemanticBuckets,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	return entries, nil
}

func (c *client) Delete(ctx context.Context, kurralID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.coll.DeleteOne(ctx, bson.M{"kurral_id": kurralID})
	if err != nil {
		return fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// findOne runs a single-document query through the cursor interface so the
// narrow collection contract stays small.
func (c *client) findOne(ctx context.Context, filter bson.M, sort bson.D) (a *artifact.Artifact, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetLimit(1)
	if sort != nil {
		opts = opts.SetSort(sort)
	}
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = fmt.Errorf("%w: %s", store.ErrStorageUnavailable, cerr)
		}
	}()

	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
		}
		return nil, store.ErrNotFound
	}
	var doc artifactDocument
	if err := cur.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	return artifact.Deserialize(doc.Payload)
}

func listFilter(f store.Filter) bson.M {
	filter := bson.M{}
	if f.TenantID != "" {
		filter["tenant_id"] = f.TenantID
	}
	if f.RunID != "" {
		filter["run_id"] = f.RunID
	}
	if f.Bucket != "" {
		filter["semantic_buckets"] = f.Bucket
	}
	return filter
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	unique := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "kurral_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, unique); err != nil {
		return err
	}
	run := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, run)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
