// Package mongo hosts the MongoDB client used by the run store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/pathscope/slidepilot/runtime/run"
)

const (
	defaultRunsCollection = "slide_runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

// Client exposes Mongo-backed operations for run records.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, rec run.Record) error
	LoadRun(ctx context.Context, runID string) (run.Record, error)
	ListRuns(ctx context.Context) ([]run.Record, error)
}

// Options configures the Mongo run client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertRun(ctx context.Context, rec run.Record) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}
	if rec.SlidePath == "" {
		return errors.New("slide path is required")
	}
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	doc := fromRecord(rec)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// started_at lives only in $setOnInsert; the server rejects updates that
	// address the same path from two operators.
	filter := bson.M{"run_id": rec.RunID}
	update := bson.M{
		"$set":         doc.update(),
		"$setOnInsert": bson.M{"started_at": doc.StartedAt},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	var doc runDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, nil
		}
		return run.Record{}, err
	}
	return doc.toRecord(), nil
}

func (c *client) ListRuns(ctx context.Context) ([]run.Record, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	sort := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := c.coll.Find(ctx, bson.M{}, sort)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var records []run.Record
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type runDocument struct {
	RunID       string            `bson:"run_id"`
	SlidePath   string            `bson:"slide_path"`
	Task        string            `bson:"task,omitempty"`
	Status      run.Status        `bson:"status"`
	CurrentStep string            `bson:"current_step,omitempty"`
	Steps       []stepDocument    `bson:"steps,omitempty"`
	Summary     string            `bson:"summary,omitempty"`
	Error       string            `bson:"error,omitempty"`
	StartedAt   time.Time         `bson:"started_at"`
	UpdatedAt   time.Time         `bson:"updated_at"`
	Labels      map[string]string `bson:"labels,omitempty"`
	Metadata    map[string]any    `bson:"metadata,omitempty"`
}

// runUpdate mirrors runDocument without started_at so the upsert can route
// that field through $setOnInsert alone.
type runUpdate struct {
	RunID       string            `bson:"run_id"`
	SlidePath   string            `bson:"slide_path"`
	Task        string            `bson:"task,omitempty"`
	Status      run.Status        `bson:"status"`
	CurrentStep string            `bson:"current_step,omitempty"`
	Steps       []stepDocument    `bson:"steps,omitempty"`
	Summary     string            `bson:"summary,omitempty"`
	Error       string            `bson:"error,omitempty"`
	UpdatedAt   time.Time         `bson:"updated_at"`
	Labels      map[string]string `bson:"labels,omitempty"`
	Metadata    map[string]any    `bson:"metadata,omitempty"`
}

type stepDocument struct {
	Step      string         `bson:"step"`
	Timestamp time.Time      `bson:"timestamp"`
	Result    map[string]any `bson:"result,omitempty"`
}

func fromRecord(rec run.Record) runDocument {
	return runDocument{
		RunID:       rec.RunID,
		SlidePath:   rec.SlidePath,
		Task:        rec.Task,
		Status:      rec.Status,
		CurrentStep: rec.CurrentStep,
		Steps:       fromSteps(rec.Steps),
		Summary:     rec.Summary,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt.UTC(),
		UpdatedAt:   rec.UpdatedAt.UTC(),
		Labels:      cloneLabels(rec.Labels),
		Metadata:    cloneMetadata(rec.Metadata),
	}
}

func (doc runDocument) update() runUpdate {
	return runUpdate{
		RunID:       doc.RunID,
		SlidePath:   doc.SlidePath,
		Task:        doc.Task,
		Status:      doc.Status,
		CurrentStep: doc.CurrentStep,
		Steps:       doc.Steps,
		Summary:     doc.Summary,
		Error:       doc.Error,
		UpdatedAt:   doc.UpdatedAt,
		Labels:      doc.Labels,
		Metadata:    doc.Metadata,
	}
}

func (doc runDocument) toRecord() run.Record {
	return run.Record{
		RunID:       doc.RunID,
		SlidePath:   doc.SlidePath,
		Task:        doc.Task,
		Status:      doc.Status,
		CurrentStep: doc.CurrentStep,
		Steps:       toSteps(doc.Steps),
		Summary:     doc.Summary,
		Error:       doc.Error,
		StartedAt:   doc.StartedAt,
		UpdatedAt:   doc.UpdatedAt,
		Labels:      cloneLabels(doc.Labels),
		Metadata:    cloneMetadata(doc.Metadata),
	}
}

func fromSteps(src []run.StepEntry) []stepDocument {
	if len(src) == 0 {
		return nil
	}
	dst := make([]stepDocument, len(src))
	for i, entry := range src {
		dst[i] = stepDocument{
			Step:      entry.Step,
			Timestamp: entry.Timestamp.UTC(),
			Result:    cloneMetadata(entry.Result),
		}
	}
	return dst
}

func toSteps(src []stepDocument) []run.StepEntry {
	if len(src) == 0 {
		return nil
	}
	dst := make([]run.StepEntry, len(src))
	for i, doc := range src {
		dst[i] = run.StepEntry{
			Step:      doc.Step,
			Timestamp: doc.Timestamp,
			Result:    cloneMetadata(doc.Result),
		}
	}
	return dst
}

func cloneLabels(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
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

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
