package changefeed

import (
	"testing"
	"time"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/stretchr/testify/require"
)

func insertEvent(collection, id string, fields record.Fields) record.ChangeEvent {
	return record.ChangeEvent{
		Kind:       record.EventInsert,
		Collection: collection,
		ID:         id,
		Record:     &record.Record{ID: id, Fields: fields},
	}
}

func receive(t *testing.T, sub gateway.Subscription) record.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return record.ChangeEvent{}
	}
}

func requireNoEvent(t *testing.T, sub gateway.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestHub_DeliversByCollection(t *testing.T) {
	hub := NewHub(nil)
	widgets, err := hub.Subscribe("widgets", nil)
	require.NoError(t, err)
	gadgets, err := hub.Subscribe("gadgets", nil)
	require.NoError(t, err)

	hub.Publish(insertEvent("widgets", "1", record.Fields{"name": "A"}))

	ev := receive(t, widgets)
	require.Equal(t, record.EventInsert, ev.Kind)
	require.Equal(t, "A", ev.Record.String("name"))
	requireNoEvent(t, gadgets)
}

func TestHub_FilteredSubscription(t *testing.T) {
	hub := NewHub(nil)
	sub, err := hub.Subscribe("lab_scripts", record.Filter{"patient_id": "p1"})
	require.NoError(t, err)

	hub.Publish(insertEvent("lab_scripts", "1", record.Fields{"patient_id": "p2"}))
	requireNoEvent(t, sub)

	hub.Publish(insertEvent("lab_scripts", "2", record.Fields{"patient_id": "p1"}))
	require.Equal(t, "2", receive(t, sub).Record.ID)

	// An update moving the record out of the filter arrives as a delete.
	hub.Publish(record.ChangeEvent{
		Kind:       record.EventUpdate,
		Collection: "lab_scripts",
		ID:         "2",
		Record:     &record.Record{ID: "2", Fields: record.Fields{"patient_id": "p3"}},
	})
	ev := receive(t, sub)
	require.Equal(t, record.EventDelete, ev.Kind)
	require.Equal(t, "2", ev.ID)

	hub.Publish(record.ChangeEvent{Kind: record.EventDelete, Collection: "lab_scripts", ID: "9"})
	require.Equal(t, "9", receive(t, sub).ID)
}

func TestHub_SubscribersGetIndependentCopies(t *testing.T) {
	hub := NewHub(nil)
	a, _ := hub.Subscribe("widgets", nil)
	b, _ := hub.Subscribe("widgets", nil)

	hub.Publish(insertEvent("widgets", "1", record.Fields{"name": "A"}))
	evA := receive(t, a)
	evB := receive(t, b)
	evA.Record.Fields["name"] = "mutated"
	require.Equal(t, "A", evB.Record.String("name"))
}

func TestHub_SlowSubscriberIsDisconnected(t *testing.T) {
	hub := NewHub(nil).WithBufferSize(1)
	sub, err := hub.Subscribe("widgets", nil)
	require.NoError(t, err)

	hub.Publish(insertEvent("widgets", "1", nil))
	hub.Publish(insertEvent("widgets", "2", nil))

	require.Equal(t, 0, hub.Len())
	ev, ok := <-sub.Events()
	require.True(t, ok)
	require.Equal(t, "1", ev.Record.ID)
	_, ok = <-sub.Events()
	require.False(t, ok)
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	sub, err := hub.Subscribe("widgets", nil)
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Equal(t, 0, hub.Len())

	hub.Publish(insertEvent("widgets", "1", nil))
	_, ok := <-sub.Events()
	require.False(t, ok)
}

func TestHub_CloseRejectsNewSubscriptions(t *testing.T) {
	hub := NewHub(nil)
	sub, err := hub.Subscribe("widgets", nil)
	require.NoError(t, err)

	hub.Close()
	_, ok := <-sub.Events()
	require.False(t, ok)

	_, err = hub.Subscribe("widgets", nil)
	require.ErrorIs(t, err, gateway.ErrSubscriptionUnavailable)
	sub.Unsubscribe()
}

func TestHub_DropsMalformedEvents(t *testing.T) {
	hub := NewHub(nil)
	sub, _ := hub.Subscribe("widgets", nil)
	hub.Publish(record.ChangeEvent{Kind: record.EventInsert, Collection: "widgets"})
	requireNoEvent(t, sub)
}

func TestHub_InvalidCollection(t *testing.T) {
	_, err := NewHub(nil).Subscribe("Bad Name", nil)
	require.ErrorIs(t, err, record.ErrInvalidCollection)
}
