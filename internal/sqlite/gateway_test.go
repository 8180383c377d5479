package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	gw := NewGateway(NewTestDB(t), nil)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

// steppingClock returns strictly increasing timestamps.
func steppingClock() func() time.Time {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func nextEvent(t *testing.T, sub gateway.Subscription) record.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok)
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
		return record.ChangeEvent{}
	}
}

func TestGateway_InsertQuery(t *testing.T) {
	gw := newTestGateway(t)
	gw.now = steppingClock()
	ctx := context.Background()

	a, err := gw.Insert(ctx, "widgets", record.Fields{"name": "A", "units": 2})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.Equal(t, a.CreatedAt, a.UpdatedAt)
	require.Equal(t, float64(2), a.Fields["units"])

	b, err := gw.Insert(ctx, "widgets", record.Fields{"name": "B"})
	require.NoError(t, err)

	_, err = gw.Insert(ctx, "gadgets", record.Fields{"name": "other"})
	require.NoError(t, err)

	got, err := gw.Query(ctx, "widgets", nil, record.Order{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, b.ID, got[0].ID, "default order is newest first")
	require.Equal(t, a.ID, got[1].ID)
	require.Equal(t, "A", got[1].String("name"))

	got, err = gw.Query(ctx, "widgets", nil, record.Order{Field: "name"})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, []string{got[0].String("name"), got[1].String("name")})
}

func TestGateway_QueryOrderTiebreaksOnInsertion(t *testing.T) {
	gw := newTestGateway(t)
	fixed := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	gw.now = func() time.Time { return fixed }
	ctx := context.Background()

	first, err := gw.Insert(ctx, "widgets", record.Fields{"name": "A"})
	require.NoError(t, err)
	second, err := gw.Insert(ctx, "widgets", record.Fields{"name": "B"})
	require.NoError(t, err)

	got, err := gw.Query(ctx, "widgets", nil, record.DefaultOrder)
	require.NoError(t, err)
	require.Equal(t, second.ID, got[0].ID)
	require.Equal(t, first.ID, got[1].ID)
}

func TestGateway_QueryFilter(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Insert(ctx, "lab_scripts", record.Fields{"patient_id": "p1", "rush": true})
	require.NoError(t, err)
	_, err = gw.Insert(ctx, "lab_scripts", record.Fields{"patient_id": "p2", "rush": false})
	require.NoError(t, err)
	_, err = gw.Insert(ctx, "lab_scripts", record.Fields{"patient_id": "p1", "lab": nil})
	require.NoError(t, err)

	got, err := gw.Query(ctx, "lab_scripts", record.Filter{"patient_id": "p1"}, record.Order{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = gw.Query(ctx, "lab_scripts", record.Filter{"rush": true}, record.Order{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "p1", got[0].String("patient_id"))

	got, err = gw.Query(ctx, "lab_scripts", record.Filter{"patient_id": "p1", "lab": nil}, record.Order{})
	require.NoError(t, err)
	require.Len(t, got, 1, "only an explicit null matches a null predicate")
	require.True(t, record.Filter{"patient_id": "p1", "lab": nil}.Matches(got[0]))

	all, err := gw.Query(ctx, "lab_scripts", record.Filter{"patient_id": "p1"}, record.Order{})
	require.NoError(t, err)
	for _, rec := range all {
		want := record.Filter{"lab": nil}.Matches(rec)
		require.Equal(t, want, rec.ID == got[0].ID, "fetch and live filter agree for %s", rec.ID)
	}
}

func TestGateway_QueryRejectsBadInput(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Query(ctx, "bad name", nil, record.Order{})
	require.ErrorIs(t, err, record.ErrInvalidCollection)

	_, err = gw.Query(ctx, "widgets", record.Filter{"a') OR 1=1 --": "x"}, record.Order{})
	require.ErrorIs(t, err, record.ErrInvalidInput)

	_, err = gw.Query(ctx, "widgets", record.Filter{"meta": map[string]any{"a": 1.0}}, record.Order{})
	require.ErrorIs(t, err, record.ErrInvalidInput)

	_, err = gw.Insert(ctx, "widgets", record.Fields{"id": "forced"})
	require.ErrorIs(t, err, record.ErrReservedField)
}

func TestGateway_UpdateMergesFields(t *testing.T) {
	gw := newTestGateway(t)
	gw.now = steppingClock()
	ctx := context.Background()

	rec, err := gw.Insert(ctx, "widgets", record.Fields{"name": "A", "color": "red"})
	require.NoError(t, err)

	require.NoError(t, gw.Update(ctx, "widgets", rec.ID, record.Fields{"color": "blue", "size": 3}))

	got, err := gw.Query(ctx, "widgets", record.Filter{"id": rec.ID}, record.Order{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "A", got[0].String("name"))
	require.Equal(t, "blue", got[0].String("color"))
	require.Equal(t, float64(3), got[0].Fields["size"])
	require.True(t, got[0].UpdatedAt.After(got[0].CreatedAt))
}

func TestGateway_UpdateDeleteNotFound(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	err := gw.Update(ctx, "widgets", "missing", record.Fields{"name": "x"})
	require.ErrorIs(t, err, gateway.ErrNotFound)

	err = gw.Delete(ctx, "widgets", "missing")
	require.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestGateway_PublishesChangeEvents(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	sub, err := gw.Subscribe(ctx, "widgets", nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rec, err := gw.Insert(ctx, "widgets", record.Fields{"name": "A"})
	require.NoError(t, err)
	ev := nextEvent(t, sub)
	require.Equal(t, record.EventInsert, ev.Kind)
	require.Equal(t, rec.ID, ev.Record.ID)

	require.NoError(t, gw.Update(ctx, "widgets", rec.ID, record.Fields{"name": "A2"}))
	ev = nextEvent(t, sub)
	require.Equal(t, record.EventUpdate, ev.Kind)
	require.Equal(t, "A2", ev.Record.String("name"))

	require.NoError(t, gw.Delete(ctx, "widgets", rec.ID))
	ev = nextEvent(t, sub)
	require.Equal(t, record.EventDelete, ev.Kind)
	require.Equal(t, rec.ID, ev.ID)
}

func TestGateway_CloseEndsSubscriptions(t *testing.T) {
	gw := newTestGateway(t)
	sub, err := gw.Subscribe(context.Background(), "widgets", nil)
	require.NoError(t, err)

	require.NoError(t, gw.Close())
	_, ok := <-sub.Events()
	require.False(t, ok)

	_, err = gw.Subscribe(context.Background(), "widgets", nil)
	require.ErrorIs(t, err, gateway.ErrSubscriptionUnavailable)
}
