package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/pipeline/orchestrator/journal"
	"goa.design/pipeline/orchestrator/pipeline"
)

func TestEnsureIndexes(t *testing.T) {
	transitions := newFakeTransitionsCollection()
	recoveries := newFakeRecoveriesCollection()
	err := ensureIndexes(context.Background(), transitions, recoveries)
	require.NoError(t, err)
	require.Equal(t, 3, transitions.indexCreated)
	require.Equal(t, 2, recoveries.indexCreated)
}

func TestAppendAndListTransitions(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, entry := range []pipeline.HistoryEntry{
		{ID: "t1", ProjectID: "p1", WorkspaceID: "ws1", NewState: pipeline.StatePlanning, TriggeredBy: "user:u1"},
		{ID: "t2", ProjectID: "p1", WorkspaceID: "ws1", PreviousState: pipeline.StatePlanning, NewState: pipeline.StateImplementing, TriggeredBy: "agent:planner"},
		{ID: "t3", ProjectID: "p1", WorkspaceID: "ws2", NewState: pipeline.StatePlanning, TriggeredBy: "user:u2"},
	} {
		entry.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, client.AppendTransition(ctx, entry))
	}

	page, err := client.ListTransitions(ctx, "p1", "ws1", journal.Page{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	require.Equal(t, "t2", page.Items[0].ID, "newest row first")
	require.Equal(t, "t1", page.Items[1].ID)

	all, err := client.ListTransitions(ctx, "p1", "", journal.Page{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 3, all.Total, "empty workspace filter matches every row")
}

func TestListTransitionsZeroLimitReturnsTotalOnly(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()

	require.NoError(t, client.AppendTransition(ctx, pipeline.HistoryEntry{
		ID: "t1", ProjectID: "p1", WorkspaceID: "ws1",
		NewState: pipeline.StatePlanning, TriggeredBy: "user:u1", CreatedAt: time.Now().UTC(),
	}))

	page, err := client.ListTransitions(ctx, "p1", "ws1", journal.Page{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Empty(t, page.Items)
}

func TestListTransitionsPagination(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	for i, id := range ids {
		require.NoError(t, client.AppendTransition(ctx, pipeline.HistoryEntry{
			ID: id, ProjectID: "p1", WorkspaceID: "ws1",
			NewState: pipeline.StatePlanning, TriggeredBy: "system",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := client.ListTransitions(ctx, "p1", "ws1", journal.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	require.Equal(t, "t4", page.Items[0].ID)
	require.Equal(t, "t3", page.Items[1].ID)

	tail, err := client.ListTransitions(ctx, "p1", "ws1", journal.Page{Limit: 10, Offset: 4})
	require.NoError(t, err)
	require.Len(t, tail.Items, 1)
	require.Equal(t, "t1", tail.Items[0].ID)
}

func TestAppendTransitionValidation(t *testing.T) {
	client := mustNewTestClient()
	err := client.AppendTransition(context.Background(), pipeline.HistoryEntry{ProjectID: "p1"})
	require.EqualError(t, err, "entry id is required")
	err = client.AppendTransition(context.Background(), pipeline.HistoryEntry{ID: "t1"})
	require.EqualError(t, err, "project id is required")
}

func TestRecoveryLifecycle(t *testing.T) {
	client := mustNewTestClient()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	pending := pipeline.RecoveryEntry{
		ID:               "r1",
		ProjectID:        "p1",
		WorkspaceID:      "ws1",
		FailureID:        "f1",
		FailureType:      pipeline.FailureTransient,
		Severity:         pipeline.SeverityLow,
		Strategy:         pipeline.StrategyPending,
		RetryCountBefore: 0,
		CreatedAt:        base,
	}
	require.NoError(t, client.AppendRecovery(ctx, pending))

	done := pending
	done.Strategy = pipeline.StrategyRetry
	done.Success = true
	done.RetryCountAfter = 1
	done.Details = "agent timed out"
	require.NoError(t, client.CompleteRecovery(ctx, done))

	later := pending
	later.ID = "r2"
	later.FailureID = "f2"
	later.CreatedAt = base.Add(time.Second)
	require.NoError(t, client.AppendRecovery(ctx, later))

	rows, err := client.ListRecoveries(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "r2", rows[0].ID, "newest row first")
	require.Equal(t, pipeline.StrategyPending, rows[0].Strategy)
	require.Equal(t, "r1", rows[1].ID)
	require.Equal(t, pipeline.StrategyRetry, rows[1].Strategy)
	require.True(t, rows[1].Success)
	require.Equal(t, 1, rows[1].RetryCountAfter)
	require.Equal(t, "agent timed out", rows[1].Details)
}

func TestCompleteRecoveryUnknownIDIsNoop(t *testing.T) {
	client := mustNewTestClient()
	err := client.CompleteRecovery(context.Background(), pipeline.RecoveryEntry{
		ID: "ghost", ProjectID: "p1", Strategy: pipeline.StrategyRetry,
	})
	require.NoError(t, err)

	rows, err := client.ListRecoveries(context.Background(), "p1")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func mustNewTestClient() *client {
	transitions := newFakeTransitionsCollection()
	recoveries := newFakeRecoveriesCollection()
	cl, err := newClientWithCollections(nil, transitions, recoveries, time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

// resolveFindOptions folds the option listers into a concrete FindOptions so
// the fakes can honor sort, skip and limit the way the server would.
func resolveFindOptions(opts []options.Lister[options.FindOptions]) (options.FindOptions, error) {
	var fo options.FindOptions
	for _, lister := range opts {
		if lister == nil {
			continue
		}
		for _, setter := range lister.List() {
			if err := setter(&fo); err != nil {
				return fo, err
			}
		}
	}
	return fo, nil
}

func paginate[T any](docs []T, fo options.FindOptions) []T {
	start := 0
	if fo.Skip != nil {
		start = int(*fo.Skip)
	}
	if start > len(docs) {
		start = len(docs)
	}
	end := len(docs)
	if fo.Limit != nil && start+int(*fo.Limit) < end {
		end = start + int(*fo.Limit)
	}
	return docs[start:end]
}

type fakeTransitionsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         []transitionDocument
}

func newFakeTransitionsCollection() *fakeTransitionsCollection {
	return &fakeTransitionsCollection{}
}

func (c *fakeTransitionsCollection) match(filter any) []transitionDocument {
	f := filter.(bson.M)
	projectID, _ := f["project_id"].(string)
	workspaceID, _ := f["workspace_id"].(string)
	var out []transitionDocument
	for _, doc := range c.docs {
		if doc.ProjectID != projectID {
			continue
		}
		if workspaceID != "" && doc.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, doc)
	}
	return out
}

func (c *fakeTransitionsCollection) InsertOne(ctx context.Context, document any,
	opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, document.(transitionDocument))
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeTransitionsCollection) Find(ctx context.Context, filter any,
	opts ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fo, err := resolveFindOptions(opts)
	if err != nil {
		return nil, err
	}
	matched := c.match(filter)
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	matched = paginate(matched, fo)
	docs := make([]any, len(matched))
	for i := range matched {
		copyDoc := matched[i]
		docs[i] = &copyDoc
	}
	return newFakeCursor(docs), nil
}

func (c *fakeTransitionsCollection) CountDocuments(ctx context.Context, filter any,
	opts ...options.Lister[options.CountOptions]) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.match(filter))), nil
}

func (c *fakeTransitionsCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return nil, errors.New("transitions are append-only")
}

func (c *fakeTransitionsCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeRecoveriesCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         []recoveryDocument
}

func newFakeRecoveriesCollection() *fakeRecoveriesCollection {
	return &fakeRecoveriesCollection{}
}

func (c *fakeRecoveriesCollection) InsertOne(ctx context.Context, document any,
	opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, document.(recoveryDocument))
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeRecoveriesCollection) Find(ctx context.Context, filter any,
	opts ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	projectID, _ := filter.(bson.M)["project_id"].(string)
	var matched []recoveryDocument
	for _, doc := range c.docs {
		if doc.ProjectID == projectID {
			matched = append(matched, doc)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	docs := make([]any, len(matched))
	for i := range matched {
		copyDoc := matched[i]
		docs[i] = &copyDoc
	}
	return newFakeCursor(docs), nil
}

func (c *fakeRecoveriesCollection) CountDocuments(ctx context.Context, filter any,
	opts ...options.Lister[options.CountOptions]) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.docs)), nil
}

func (c *fakeRecoveriesCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entryID := filter.(bson.M)["entry_id"].(string)
	set, ok := update.(bson.M)["$set"].(bson.M)
	if !ok {
		return nil, errors.New("unsupported update payload")
	}
	for i := range c.docs {
		if c.docs[i].EntryID != entryID {
			continue
		}
		if v, ok := set["recovery_strategy"].(pipeline.Strategy); ok {
			c.docs[i].Strategy = string(v)
		}
		if v, ok := set["success"].(bool); ok {
			c.docs[i].Success = v
		}
		if v, ok := set["retry_count_after"].(int); ok {
			c.docs[i].RetryCountAfter = v
		}
		if v, ok := set["checkpoint_id"].(string); ok {
			c.docs[i].CheckpointID = v
		}
		if v, ok := set["details"].(string); ok {
			c.docs[i].Details = v
		}
		return &mongodriver.UpdateResult{MatchedCount: 1}, nil
	}
	return &mongodriver.UpdateResult{MatchedCount: 0}, nil
}

func (c *fakeRecoveriesCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent++
	return "idx", nil
}

type fakeCursor struct {
	docs []any
	idx  int
}

func newFakeCursor(docs []any) *fakeCursor {
	return &fakeCursor{docs: docs, idx: -1}
}

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("no document")
	}
	switch typed := val.(type) {
	case *transitionDocument:
		*typed = *(c.docs[c.idx].(*transitionDocument))
	case *recoveryDocument:
		*typed = *(c.docs[c.idx].(*recoveryDocument))
	default:
		return errors.New("unsupported target")
	}
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(ctx context.Context) bool {
	next := c.idx + 1
	if next >= len(c.docs) {
		return false
	}
	c.idx = next
	return true
}
