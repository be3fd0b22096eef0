// Package mongo hosts the MongoDB client used by the history journal.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/pipeline/orchestrator/journal"
	"goa.design/pipeline/orchestrator/pipeline"
)

const (
	defaultTransitionsCollection = "pipeline_state_history"
	defaultRecoveriesCollection  = "failure_recovery_history"
	defaultOpTimeout             = 5 * time.Second
	journalClientName            = "journal-mongo"
)

// Client exposes Mongo-backed operations for transition and recovery history.
type Client interface {
	health.Pinger

	AppendTransition(ctx context.Context, entry pipeline.HistoryEntry) error
	ListTransitions(ctx context.Context, projectID, workspaceID string, page journal.Page) (journal.TransitionPage, error)

	AppendRecovery(ctx context.Context, entry pipeline.RecoveryEntry) error
	CompleteRecovery(ctx context.Context, entry pipeline.RecoveryEntry) error
	ListRecoveries(ctx context.Context, projectID string) ([]pipeline.RecoveryEntry, error)
}

// Options configures the Mongo journal client.
type Options struct {
	Client                *mongodriver.Client
	Database              string
	TransitionsCollection string
	RecoveriesCollection  string
	Timeout               time.Duration
}

type client struct {
	mongo       *mongodriver.Client
	transitions collection
	recoveries  collection
	timeout     time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	transitionsCollection := opts.TransitionsCollection
	if transitionsCollection == "" {
		transitionsCollection = defaultTransitionsCollection
	}
	recoveriesCollection := opts.RecoveriesCollection
	if recoveriesCollection == "" {
		recoveriesCollection = defaultRecoveriesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	transColl := opts.Client.Database(opts.Database).Collection(transitionsCollection)
	recColl := opts.Client.Database(opts.Database).Collection(recoveriesCollection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	transWrapper := mongoCollection{coll: transColl}
	recWrapper := mongoCollection{coll: recColl}
	if err := ensureIndexes(ctx, transWrapper, recWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, transWrapper, recWrapper, timeout)
}

func (c *client) Name() string {
	return journalClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) AppendTransition(ctx context.Context, entry pipeline.HistoryEntry) error {
	if entry.ID == "" {
		return errors.New("entry id is required")
	}
	if entry.ProjectID == "" {
		return errors.New("project id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.transitions.InsertOne(ctx, fromHistoryEntry(entry))
	return err
}

func (c *client) ListTransitions(ctx context.Context, projectID, workspaceID string, page journal.Page) (journal.TransitionPage, error) {
	if projectID == "" {
		return journal.TransitionPage{}, errors.New("project id is required")
	}
	filter := bson.M{"project_id": projectID}
	if workspaceID != "" {
		filter["workspace_id"] = workspaceID
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	total, err := c.transitions.CountDocuments(ctx, filter)
	if err != nil {
		return journal.TransitionPage{}, err
	}
	out := journal.TransitionPage{Total: int(total)}
	if page.Limit <= 0 {
		return out, nil
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit))
	cur, err := c.transitions.Find(ctx, filter, findOpts)
	if err != nil {
		return journal.TransitionPage{}, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	for cur.Next(ctx) {
		var doc transitionDocument
		if err := cur.Decode(&doc); err != nil {
			return journal.TransitionPage{}, err
		}
		out.Items = append(out.Items, doc.toHistoryEntry())
	}
	if err := cur.Err(); err != nil {
		return journal.TransitionPage{}, err
	}
	return out, nil
}

func (c *client) AppendRecovery(ctx context.Context, entry pipeline.RecoveryEntry) error {
	if entry.ID == "" {
		return errors.New("entry id is required")
	}
	if entry.ProjectID == "" {
		return errors.New("project id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.recoveries.InsertOne(ctx, fromRecoveryEntry(entry))
	return err
}

func (c *client) CompleteRecovery(ctx context.Context, entry pipeline.RecoveryEntry) error {
	if entry.ID == "" {
		return errors.New("entry id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"entry_id": entry.ID}
	// No upsert: a row that was never appended stays absent so a recovery
	// interrupted before AppendRecovery cannot resurface here.
	update := bson.M{
		"$set": bson.M{
			"recovery_strategy": entry.Strategy,
			"success":           entry.Success,
			"retry_count_after": entry.RetryCountAfter,
			"checkpoint_id":     entry.CheckpointID,
			"details":           entry.Details,
		},
	}
	_, err := c.recoveries.UpdateOne(ctx, filter, update)
	return err
}

func (c *client) ListRecoveries(ctx context.Context, projectID string) ([]pipeline.RecoveryEntry, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	filter := bson.M{"project_id": projectID}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.recoveries.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []pipeline.RecoveryEntry
	for cur.Next(ctx) {
		var doc recoveryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRecoveryEntry())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
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

type transitionDocument struct {
	EntryID       string            `bson:"entry_id"`
	ProjectID     string            `bson:"project_id"`
	WorkspaceID   string            `bson:"workspace_id"`
	WorkflowID    string            `bson:"workflow_id,omitempty"`
	PreviousState string            `bson:"previous_state,omitempty"`
	NewState      string            `bson:"new_state"`
	TriggeredBy   string            `bson:"triggered_by"`
	Reason        string            `bson:"reason,omitempty"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
}

type recoveryDocument struct {
	EntryID          string    `bson:"entry_id"`
	ProjectID        string    `bson:"project_id"`
	WorkspaceID      string    `bson:"workspace_id"`
	FailureID        string    `bson:"failure_id"`
	FailureType      string    `bson:"failure_type"`
	Severity         string    `bson:"severity"`
	Strategy         string    `bson:"recovery_strategy"`
	Success          bool      `bson:"success"`
	RetryCountBefore int       `bson:"retry_count_before"`
	RetryCountAfter  int       `bson:"retry_count_after"`
	CheckpointID     string    `bson:"checkpoint_id,omitempty"`
	Details          string    `bson:"details,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
}

func fromHistoryEntry(entry pipeline.HistoryEntry) transitionDocument {
	return transitionDocument{
		EntryID:       entry.ID,
		ProjectID:     entry.ProjectID,
		WorkspaceID:   entry.WorkspaceID,
		WorkflowID:    entry.WorkflowID,
		PreviousState: string(entry.PreviousState),
		NewState:      string(entry.NewState),
		TriggeredBy:   entry.TriggeredBy,
		Reason:        entry.Reason,
		Metadata:      cloneMetadata(entry.Metadata),
		CreatedAt:     entry.CreatedAt.UTC(),
	}
}

func (doc transitionDocument) toHistoryEntry() pipeline.HistoryEntry {
	return pipeline.HistoryEntry{
		ID:            doc.EntryID,
		ProjectID:     doc.ProjectID,
		WorkspaceID:   doc.WorkspaceID,
		WorkflowID:    doc.WorkflowID,
		PreviousState: pipeline.State(doc.PreviousState),
		NewState:      pipeline.State(doc.NewState),
		TriggeredBy:   doc.TriggeredBy,
		Reason:        doc.Reason,
		Metadata:      cloneMetadata(doc.Metadata),
		CreatedAt:     doc.CreatedAt.UTC(),
	}
}

func fromRecoveryEntry(entry pipeline.RecoveryEntry) recoveryDocument {
	return recoveryDocument{
		EntryID:          entry.ID,
		ProjectID:        entry.ProjectID,
		WorkspaceID:      entry.WorkspaceID,
		FailureID:        entry.FailureID,
		FailureType:      string(entry.FailureType),
		Severity:         string(entry.Severity),
		Strategy:         string(entry.Strategy),
		Success:          entry.Success,
		RetryCountBefore: entry.RetryCountBefore,
		RetryCountAfter:  entry.RetryCountAfter,
		CheckpointID:     entry.CheckpointID,
		Details:          entry.Details,
		CreatedAt:        entry.CreatedAt.UTC(),
	}
}

func (doc recoveryDocument) toRecoveryEntry() pipeline.RecoveryEntry {
	return pipeline.RecoveryEntry{
		ID:               doc.EntryID,
		ProjectID:        doc.ProjectID,
		WorkspaceID:      doc.WorkspaceID,
		FailureID:        doc.FailureID,
		FailureType:      pipeline.FailureType(doc.FailureType),
		Severity:         pipeline.Severity(doc.Severity),
		Strategy:         pipeline.Strategy(doc.Strategy),
		Success:          doc.Success,
		RetryCountBefore: doc.RetryCountBefore,
		RetryCountAfter:  doc.RetryCountAfter,
		CheckpointID:     doc.CheckpointID,
		Details:          doc.Details,
		CreatedAt:        doc.CreatedAt.UTC(),
	}
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, transitionsColl, recoveriesColl collection) error {
	transitionIDIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "entry_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := transitionsColl.Indexes().CreateOne(ctx, transitionIDIndex); err != nil {
		return err
	}
	transitionPageIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "project_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	if _, err := transitionsColl.Indexes().CreateOne(ctx, transitionPageIndex); err != nil {
		return err
	}
	transitionWorkspaceIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "workspace_id", Value: 1},
			{Key: "project_id", Value: 1},
		},
	}
	if _, err := transitionsColl.Indexes().CreateOne(ctx, transitionWorkspaceIndex); err != nil {
		return err
	}
	recoveryIDIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "entry_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := recoveriesColl.Indexes().CreateOne(ctx, recoveryIDIndex); err != nil {
		return err
	}
	recoveryProjectIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "project_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	if _, err := recoveriesColl.Indexes().CreateOne(ctx, recoveryProjectIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, transitionsColl, recoveriesColl collection, timeout time.Duration) (*client, error) {
	if transitionsColl == nil || recoveriesColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:       mongoClient,
		transitions: transitionsColl,
		recoveries:  recoveriesColl,
		timeout:     timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any,
		opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any,
		opts ...options.Lister[options.FindOptions]) (cursor, error)
	CountDocuments(ctx context.Context, filter any,
		opts ...options.Lister[options.CountOptions]) (int64, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any,
	opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any,
	opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any,
	opts ...options.Lister[options.CountOptions]) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}
