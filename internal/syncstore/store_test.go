package syncstore_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/rpggio/chairside/internal/gateway/mocks"
	"github.com/rpggio/chairside/internal/syncstore"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type seedStub map[string][]record.Record

func (s seedStub) Seed(_ context.Context, collection string) ([]record.Record, error) {
	return s[collection], nil
}

type recorderStub struct {
	mu     sync.Mutex
	events int
	sizes  map[string]int
}

func (r *recorderStub) ObserveCall(string, string, error, time.Duration) {}

func (r *recorderStub) ObserveEvent(string, record.EventKind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events++
}

func (r *recorderStub) SetSnapshotSize(collection string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sizes == nil {
		r.sizes = make(map[string]int)
	}
	r.sizes[collection] = n
}

func (r *recorderStub) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

func widget(id, name string) record.Record {
	return record.Record{ID: id, Fields: record.Fields{"name": name}}
}

func ids(recs []record.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func insertEvent(rec record.Record) record.ChangeEvent {
	return record.ChangeEvent{Kind: record.EventInsert, Collection: "widgets", ID: rec.ID, Record: &rec}
}

func updateEvent(rec record.Record) record.ChangeEvent {
	return record.ChangeEvent{Kind: record.EventUpdate, Collection: "widgets", ID: rec.ID, Record: &rec}
}

func deleteEvent(id string) record.ChangeEvent {
	return record.ChangeEvent{Kind: record.EventDelete, Collection: "widgets", ID: id}
}

// openLive opens a widgets store whose initial fetch returns initial.
func openLive(t *testing.T, initial []record.Record, opts syncstore.Options) (*syncstore.Store, *mocks.Gateway, *mocks.Subscription) {
	t.Helper()
	gw := &mocks.Gateway{}
	sub := mocks.NewSubscription()
	gw.On("Query", mock.Anything, "widgets", mock.Anything, mock.Anything).Return(initial, nil)
	gw.On("Subscribe", mock.Anything, "widgets", mock.Anything).Return(sub, nil)

	opts.Collection = "widgets"
	store, err := syncstore.Open(context.Background(), gw, opts)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, gw, sub
}

// settle sends a sentinel insert and waits for it, so every event sent
// before it has been reconciled.
func settle(t *testing.T, store *syncstore.Store, sub *mocks.Subscription, sentinel record.Record) {
	t.Helper()
	sub.Send(insertEvent(sentinel))
	require.Eventually(t, func() bool {
		_, ok := store.Get(sentinel.ID)
		return ok
	}, waitFor, tick)
}

func TestStore_WidgetsScenario(t *testing.T) {
	ctx := context.Background()
	gw := &mocks.Gateway{}
	sub := mocks.NewSubscription()
	gw.On("Query", mock.Anything, "widgets", mock.Anything, mock.Anything).Return(nil, errors.New("offline"))
	gw.On("Subscribe", mock.Anything, "widgets", mock.Anything).Return(sub, nil)
	gw.On("Delete", mock.Anything, "widgets", "1").Return(nil)

	seeds := seedStub{"widgets": {widget("1", "A"), widget("2", "B")}}
	store, err := syncstore.Open(ctx, gw, syncstore.Options{Collection: "widgets", Seeds: seeds})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Err())
	require.Equal(t, []string{"1", "2"}, ids(store.List()))

	require.NoError(t, store.Remove(ctx, "1"))
	require.Equal(t, []record.Record{widget("2", "B")}, store.List())

	sub.Send(insertEvent(widget("3", "C")))
	require.Eventually(t, func() bool {
		list := store.List()
		return len(list) == 2 && list[0].ID == "3"
	}, waitFor, tick)
	list := store.List()
	require.Equal(t, "C", list[0].String("name"))
	require.Equal(t, "B", list[1].String("name"))
}

func TestStore_OpenInstallsFetchedRecords(t *testing.T) {
	store, gw, _ := openLive(t, []record.Record{widget("b", "B"), widget("a", "A"), widget("b", "dup")}, syncstore.Options{})

	require.Equal(t, []string{"b", "a"}, ids(store.List()))
	require.NoError(t, store.Err())
	require.True(t, store.Live())
	require.Equal(t, syncstore.StrategyFiltered, store.Strategy())
	gw.AssertCalled(t, "Query", mock.Anything, "widgets", record.Filter(nil), record.DefaultOrder)
}

func TestStore_FetchFailureWithoutSeeds(t *testing.T) {
	cause := errors.New("connection refused")
	gw := &mocks.Gateway{}
	gw.On("Query", mock.Anything, "widgets", mock.Anything, mock.Anything).Return(nil, cause)
	gw.On("Subscribe", mock.Anything, "widgets", mock.Anything).Return(mocks.NewSubscription(), nil)

	store, err := syncstore.Open(context.Background(), gw, syncstore.Options{
		Collection: "widgets",
		Seeds:      seedStub{"other": {widget("1", "A")}},
	})
	require.NoError(t, err)
	defer store.Close()

	require.NotNil(t, store.List())
	require.Empty(t, store.List())
	require.ErrorIs(t, store.Err(), cause)
	require.True(t, syncstore.IsKind(store.Err(), syncstore.KindFetchFailure))
}

func TestStore_SeedsRespectFilterAndOrder(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	seeds := seedStub{"lab_scripts": {
		{ID: "s1", CreatedAt: t0, Fields: record.Fields{"patient_id": "p1"}},
		{ID: "s2", CreatedAt: t0.Add(time.Hour), Fields: record.Fields{"patient_id": "p2"}},
		{ID: "s3", CreatedAt: t0.Add(2 * time.Hour), Fields: record.Fields{"patient_id": "p1"}},
	}}
	gw := &mocks.Gateway{}
	gw.On("Query", mock.Anything, "lab_scripts", mock.Anything, mock.Anything).Return(nil, errors.New("down"))
	gw.On("Subscribe", mock.Anything, "lab_scripts", mock.Anything).Return(nil, gateway.ErrSubscriptionUnavailable)

	store, err := syncstore.Open(context.Background(), gw, syncstore.Options{
		Collection: "lab_scripts",
		Filter:     record.Filter{"patient_id": "p1"},
		Seeds:      seeds,
	})
	require.NoError(t, err)
	defer store.Close()

	require.Equal(t, []string{"s3", "s1"}, ids(store.List()))
	require.NoError(t, store.Err())
}

func TestStore_AddPrependsOnce(t *testing.T) {
	ctx := context.Background()
	store, gw, sub := openLive(t, []record.Record{widget("1", "A")}, syncstore.Options{})
	gw.On("Insert", mock.Anything, "widgets", record.Fields{"name": "B"}).Return(widget("2", "B"), nil)

	rec, err := store.Add(ctx, record.Fields{"name": "B"})
	require.NoError(t, err)
	require.Equal(t, "2", rec.ID)
	require.Equal(t, []string{"2", "1"}, ids(store.List()))

	// The echo of our own insert arrives later and is ignored.
	sub.Send(insertEvent(widget("2", "B")))
	settle(t, store, sub, widget("z", "sentinel"))
	require.Equal(t, []string{"z", "2", "1"}, ids(store.List()))
}

func TestStore_AddAfterEventDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	store, gw, sub := openLive(t, nil, syncstore.Options{})
	gw.On("Insert", mock.Anything, "widgets", mock.Anything).Return(widget("x", "X"), nil)

	sub.Send(insertEvent(widget("x", "X")))
	require.Eventually(t, func() bool { return len(store.List()) == 1 }, waitFor, tick)

	_, err := store.Add(ctx, record.Fields{"name": "X"})
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, ids(store.List()))
}

func TestStore_AddRejectsReservedFields(t *testing.T) {
	store, gw, _ := openLive(t, nil, syncstore.Options{})

	_, err := store.Add(context.Background(), record.Fields{"id": "forced"})
	require.ErrorIs(t, err, record.ErrReservedField)
	require.True(t, syncstore.IsKind(err, syncstore.KindMutationFailure))
	gw.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything)
}

func TestStore_MutationFailuresLeaveSnapshot(t *testing.T) {
	ctx := context.Background()
	store, gw, _ := openLive(t, []record.Record{widget("1", "A")}, syncstore.Options{})
	cause := errors.New("permission denied")
	gw.On("Insert", mock.Anything, "widgets", mock.Anything).Return(nil, cause)
	gw.On("Update", mock.Anything, "widgets", "1", mock.Anything).Return(cause)
	gw.On("Delete", mock.Anything, "widgets", "1").Return(cause)

	_, err := store.Add(ctx, record.Fields{"name": "B"})
	require.ErrorIs(t, err, cause)

	err = store.Update(ctx, "1", record.Fields{"name": "Z"})
	require.ErrorIs(t, err, cause)
	var opErr *syncstore.OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, syncstore.KindMutationFailure, opErr.Kind)
	require.Equal(t, "update", opErr.Op)
	require.Equal(t, "1", opErr.ID)

	require.ErrorIs(t, store.Remove(ctx, "1"), cause)
	require.Equal(t, []record.Record{widget("1", "A")}, store.List())

	gw.AssertNumberOfCalls(t, "Delete", 1)
}

func TestStore_UpdateAppliesOptimistically(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store, gw, _ := openLive(t, []record.Record{
		{ID: "1", Fields: record.Fields{"name": "A", "size": 3}},
	}, syncstore.Options{Clock: func() time.Time { return now }})
	gw.On("Update", mock.Anything, "widgets", "1", record.Fields{"name": "Z"}).Return(nil)

	require.NoError(t, store.Update(ctx, "1", record.Fields{"name": "Z"}))

	rec, ok := store.Get("1")
	require.True(t, ok)
	require.Equal(t, "Z", rec.String("name"))
	require.Equal(t, 3, rec.Fields["size"])
	require.Equal(t, now, rec.UpdatedAt)
}

func TestStore_UpdateEventPreservesLocalFields(t *testing.T) {
	decorate := func(_ context.Context, recs []record.Record) error {
		for i := range recs {
			recs[i].Local = record.Fields{"comments": []any{"check margins"}}
		}
		return nil
	}
	store, _, sub := openLive(t, []record.Record{widget("1", "A")}, syncstore.Options{Decorate: decorate})

	before, _ := store.Get("1")
	require.Equal(t, []any{"check margins"}, before.Local["comments"])

	sub.Send(updateEvent(widget("1", "A2")))
	require.Eventually(t, func() bool {
		rec, _ := store.Get("1")
		return rec.String("name") == "A2"
	}, waitFor, tick)

	rec, _ := store.Get("1")
	require.Equal(t, []any{"check margins"}, rec.Local["comments"])
}

func TestStore_IdempotentEvents(t *testing.T) {
	store, _, sub := openLive(t, []record.Record{widget("1", "A")}, syncstore.Options{})

	sub.Send(deleteEvent("ghost"))
	sub.Send(updateEvent(widget("ghost", "G")))
	sub.Send(insertEvent(widget("1", "dup")))
	sub.Send(insertEvent(widget("2", "B")))
	sub.Send(insertEvent(widget("2", "B")))
	sub.Send(deleteEvent("2"))
	sub.Send(deleteEvent("2"))
	settle(t, store, sub, widget("s", "sentinel"))

	require.Equal(t, []string{"s", "1"}, ids(store.List()))
	rec, _ := store.Get("1")
	require.Equal(t, "A", rec.String("name"))
}

func TestStore_UpdateBeforeInsertIsDropped(t *testing.T) {
	store, _, sub := openLive(t, nil, syncstore.Options{})

	sub.Send(updateEvent(widget("x", "updated")))
	sub.Send(insertEvent(widget("x", "inserted")))
	settle(t, store, sub, widget("s", "sentinel"))

	list := store.List()
	require.Equal(t, []string{"s", "x"}, ids(list))
	require.Equal(t, "inserted", list[1].String("name"))
}

func TestStore_IgnoresMalformedAndForeignEvents(t *testing.T) {
	rec := recorderStub{}
	store, _, sub := openLive(t, nil, syncstore.Options{Metrics: &rec})

	sub.Send(record.ChangeEvent{Kind: record.EventInsert, Collection: "widgets"})
	other := widget("o", "O")
	sub.Send(record.ChangeEvent{Kind: record.EventInsert, Collection: "gadgets", Record: &other})
	settle(t, store, sub, widget("s", "sentinel"))

	require.Equal(t, []string{"s"}, ids(store.List()))
	require.Eventually(t, func() bool { return rec.eventCount() == 3 }, waitFor, tick)
}

func TestStore_FilteredViewDropsRecordsLeavingFilter(t *testing.T) {
	p1 := record.Record{ID: "1", Fields: record.Fields{"patient_id": "p1"}}
	store, gw, sub := openLive(t, []record.Record{p1}, syncstore.Options{Filter: record.Filter{"patient_id": "p1"}})
	gw.AssertCalled(t, "Subscribe", mock.Anything, "widgets", record.Filter{"patient_id": "p1"})

	moved := record.Record{ID: "1", Fields: record.Fields{"patient_id": "p2"}}
	sub.Send(updateEvent(moved))
	foreign := record.Record{ID: "9", Fields: record.Fields{"patient_id": "p3"}}
	sub.Send(insertEvent(foreign))
	settle(t, store, sub, record.Record{ID: "s", Fields: record.Fields{"patient_id": "p1"}})

	require.Equal(t, []string{"s"}, ids(store.List()))
}

func TestStore_SubscriptionUnavailableDegradesToFetchOnly(t *testing.T) {
	ctx := context.Background()
	gw := &mocks.Gateway{}
	gw.On("Query", mock.Anything, "widgets", mock.Anything, mock.Anything).Return([]record.Record{widget("1", "A")}, nil).Once()
	gw.On("Query", mock.Anything, "widgets", mock.Anything, mock.Anything).Return([]record.Record{widget("2", "B"), widget("1", "A")}, nil)
	gw.On("Subscribe", mock.Anything, "widgets", mock.Anything).Return(nil, gateway.ErrSubscriptionUnavailable)

	store, err := syncstore.Open(ctx, gw, syncstore.Options{Collection: "widgets"})
	require.NoError(t, err)
	defer store.Close()

	require.False(t, store.Live())
	require.NoError(t, store.Err())
	require.Equal(t, []string{"1"}, ids(store.List()))

	require.NoError(t, store.Refetch(ctx))
	require.Equal(t, []string{"2", "1"}, ids(store.List()))
}

func TestStore_FilterUnsupportedFallsBackToRefetch(t *testing.T) {
	filter := record.Filter{"patient_id": "p1"}
	gw := &mocks.Gateway{}
	sub := mocks.NewSubscription()
	gw.On("Query", mock.Anything, "widgets", filter, mock.Anything).Return([]record.Record{widget("1", "A")}, nil).Once()
	gw.On("Query", mock.Anything, "widgets", filter, mock.Anything).Return([]record.Record{widget("2", "B"), widget("1", "A")}, nil)
	gw.On("Subscribe", mock.Anything, "widgets", filter).Return(nil, gateway.ErrFilterUnsupported)
	gw.On("Subscribe", mock.Anything, "widgets", record.Filter(nil)).Return(sub, nil)

	store, err := syncstore.Open(context.Background(), gw, syncstore.Options{Collection: "widgets", Filter: filter})
	require.NoError(t, err)
	defer store.Close()

	require.True(t, store.Live())
	require.Equal(t, syncstore.StrategyRefetch, store.Strategy())

	// Any event, even one for another patient, triggers a filtered refetch.
	unrelated := record.Record{ID: "9", Fields: record.Fields{"patient_id": "p9"}}
	sub.Send(insertEvent(unrelated))
	require.Eventually(t, func() bool { return len(store.List()) == 2 }, waitFor, tick)
	require.Equal(t, []string{"2", "1"}, ids(store.List()))
}

func TestStore_ExplicitRefetchStrategySubscribesUnfiltered(t *testing.T) {
	filter := record.Filter{"patient_id": "p1"}
	store, gw, _ := openLive(t, nil, syncstore.Options{Filter: filter, Strategy: syncstore.StrategyRefetch})

	require.Equal(t, syncstore.StrategyRefetch, store.Strategy())
	gw.AssertCalled(t, "Subscribe", mock.Anything, "widgets", record.Filter(nil))
}

func TestStore_RefetchFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	gw := &mocks.Gateway{}
	gw.On("Query", mock.Anything, "widgets", mock.Anything, mock.Anything).Return([]record.Record{widget("1", "A")}, nil).Once()
	gw.On("Query", mock.Anything, "widgets", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))
	gw.On("Subscribe", mock.Anything, "widgets", mock.Anything).Return(mocks.NewSubscription(), nil)

	store, err := syncstore.Open(ctx, gw, syncstore.Options{Collection: "widgets"})
	require.NoError(t, err)
	defer store.Close()

	err = store.Refetch(ctx)
	require.True(t, syncstore.IsKind(err, syncstore.KindFetchFailure))
	require.Equal(t, []string{"1"}, ids(store.List()))
	require.Error(t, store.Err())
}

type sequencedGateway struct {
	*mocks.Gateway
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *sequencedGateway) Query(ctx context.Context, _ string, _ record.Filter, _ record.Order) ([]record.Record, error) {
	switch g.calls.Add(1) {
	case 1:
		return nil, nil
	case 2:
		close(g.entered)
		<-g.release
		return []record.Record{widget("old", "stale")}, nil
	default:
		return []record.Record{widget("new", "fresh")}, nil
	}
}

func TestStore_OlderFetchNeverOverwritesNewer(t *testing.T) {
	ctx := context.Background()
	gw := &sequencedGateway{
		Gateway: &mocks.Gateway{},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	gw.On("Subscribe", mock.Anything, "widgets", mock.Anything).Return(nil, gateway.ErrSubscriptionUnavailable)

	store, err := syncstore.Open(ctx, gw, syncstore.Options{Collection: "widgets"})
	require.NoError(t, err)
	defer store.Close()

	slow := make(chan error, 1)
	go func() { slow <- store.Refetch(ctx) }()
	<-gw.entered

	require.NoError(t, store.Refetch(ctx))
	close(gw.release)
	require.NoError(t, <-slow)

	require.Equal(t, []string{"new"}, ids(store.List()))
}

func TestStore_SubscriptionLossIsReported(t *testing.T) {
	store, _, sub := openLive(t, []record.Record{widget("1", "A")}, syncstore.Options{})
	changes, cancel := store.Watch()
	defer cancel()

	sub.Disconnect()
	require.Eventually(t, func() bool { return !store.Live() }, waitFor, tick)

	select {
	case <-changes:
	case <-time.After(waitFor):
		t.Fatal("expected a change notification after disconnect")
	}
	require.Equal(t, []string{"1"}, ids(store.List()))
	require.False(t, sub.Unsubscribed())
}

func TestStore_WatchCoalescesNotifications(t *testing.T) {
	ctx := context.Background()
	store, gw, _ := openLive(t, []record.Record{widget("1", "A"), widget("2", "B")}, syncstore.Options{})
	gw.On("Delete", mock.Anything, "widgets", mock.Anything).Return(nil)

	changes, cancel := store.Watch()
	require.NoError(t, store.Remove(ctx, "1"))
	require.NoError(t, store.Remove(ctx, "2"))

	<-changes
	select {
	case <-changes:
		t.Fatal("notifications should coalesce")
	default:
	}

	cancel()
	_, open := <-changes
	require.False(t, open)
	cancel()
}

func TestStore_CloseDiscardsLateResults(t *testing.T) {
	ctx := context.Background()
	gw := &mocks.Gateway{}
	sub := mocks.NewSubscription()
	gw.On("Query", mock.Anything, "widgets", mock.Anything, mock.Anything).Return(nil, nil)
	gw.On("Subscribe", mock.Anything, "widgets", mock.Anything).Return(sub, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	gw.On("Insert", mock.Anything, "widgets", mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(widget("late", "L"), nil)

	store, err := syncstore.Open(ctx, gw, syncstore.Options{Collection: "widgets"})
	require.NoError(t, err)
	changes, _ := store.Watch()

	added := make(chan error, 1)
	go func() {
		_, err := store.Add(ctx, record.Fields{"name": "L"})
		added <- err
	}()
	<-entered

	store.Close()
	close(release)
	require.NoError(t, <-added)

	require.Empty(t, store.List())
	require.True(t, sub.Unsubscribed())
	require.False(t, store.Live())

	_, open := <-changes
	require.False(t, open)

	_, err = store.Add(ctx, record.Fields{"name": "again"})
	require.ErrorIs(t, err, syncstore.ErrClosed)
	require.ErrorIs(t, store.Refetch(ctx), syncstore.ErrClosed)
	store.Close()
}

func TestOpen_ValidatesOptions(t *testing.T) {
	gw := &mocks.Gateway{}

	_, err := syncstore.Open(context.Background(), gw, syncstore.Options{Collection: "Bad Name"})
	require.ErrorIs(t, err, syncstore.ErrInvalidOptions)

	_, err = syncstore.Open(context.Background(), gw, syncstore.Options{Collection: "widgets", Strategy: "sometimes"})
	require.ErrorIs(t, err, syncstore.ErrInvalidOptions)

	_, err = syncstore.Open(context.Background(), gw, syncstore.Options{
		Collection: "widgets",
		Filter:     record.Filter{"drop table": 1},
	})
	require.ErrorIs(t, err, syncstore.ErrInvalidOptions)
	gw.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStore_MetricsTrackSnapshotSize(t *testing.T) {
	rec := &recorderStub{}
	store, _, sub := openLive(t, []record.Record{widget("1", "A")}, syncstore.Options{Metrics: rec})
	settle(t, store, sub, widget("2", "sentinel"))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.sizes["widgets"] == 2
	}, waitFor, tick)
}
