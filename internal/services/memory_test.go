package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ytakahashi/listsync/internal/models"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by the Firestore client's metrics dependency.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func next(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryInsertAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryService()
	defer m.Close()

	id, err := m.Insert(ctx, "users/u1/noteslist", models.Fields{
		"name":         "Groceries",
		"contributors": ArrayUnion("u1"),
		"createdAt":    ServerTimestamp,
	})
	require.NoError(t, err)

	doc, err := m.Get(ctx, "users/u1/noteslist/"+id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, "users/u1/noteslist/"+id, doc.Path)
	assert.Equal(t, []any{"u1"}, doc.Fields["contributors"])
	assert.IsType(t, time.Time{}, doc.Fields["createdAt"])

	_, err = m.Get(ctx, "users/u1/noteslist/missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryUpdateAndDeleteMissing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryService()
	defer m.Close()

	assert.ErrorIs(t, m.Update(ctx, "users/u1/noteslist/nope", models.Fields{"name": "x"}), models.ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, "users/u1/noteslist/nope"), models.ErrNotFound)
	assert.Equal(t, 2, m.Writes())
}

func TestMemoryArrayOperationsAreStructural(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryService()
	defer m.Close()

	item := models.Fields{"id": "i1", "text": "milk", "completed": false}
	id, err := m.Insert(ctx, "users/u1/noteslist", models.Fields{"items": []any{}})
	require.NoError(t, err)
	doc := "users/u1/noteslist/" + id

	require.NoError(t, m.Update(ctx, doc, models.Fields{"items": ArrayUnion(item)}))
	require.NoError(t, m.Update(ctx, doc, models.Fields{"items": ArrayUnion(models.Fields{"id": "i1", "text": "milk", "completed": false})}))

	got, err := m.Get(ctx, doc)
	require.NoError(t, err)
	assert.Len(t, got.Fields["items"], 1, "union of an equal element is a no-op")

	// A near match removes nothing.
	require.NoError(t, m.Update(ctx, doc, models.Fields{"items": ArrayRemove(models.Fields{"id": "i1", "text": "milk", "completed": true})}))
	got, err = m.Get(ctx, doc)
	require.NoError(t, err)
	assert.Len(t, got.Fields["items"], 1)

	require.NoError(t, m.Update(ctx, doc, models.Fields{"items": ArrayRemove(item)}))
	got, err = m.Get(ctx, doc)
	require.NoError(t, err)
	assert.Empty(t, got.Fields["items"])
}

func TestMemoryTimestampsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryService(WithClock(func() time.Time { return fixed }))
	defer m.Close()

	id, err := m.Insert(ctx, "users/u1/noteslist", models.Fields{"createdAt": ServerTimestamp, "updatedAt": ServerTimestamp})
	require.NoError(t, err)
	doc := "users/u1/noteslist/" + id
	require.NoError(t, m.Update(ctx, doc, models.Fields{"updatedAt": ServerTimestamp}))

	got, err := m.Get(ctx, doc)
	require.NoError(t, err)
	created := got.Fields["createdAt"].(time.Time)
	updated := got.Fields["updatedAt"].(time.Time)
	assert.True(t, updated.After(created))
}

func TestMemorySubscriptionDeliversInCommitOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryService()
	defer m.Close()

	sub, err := m.Subscribe(ctx, CollectionQuery("users/u1/noteslist"))
	require.NoError(t, err)
	defer sub.Stop()

	assert.Empty(t, next(t, sub).Snapshot.Docs)

	for i := 0; i < 3; i++ {
		_, err := m.Insert(ctx, "users/u1/noteslist", models.Fields{"n": i})
		require.NoError(t, err)
	}
	// Writes elsewhere do not notify.
	_, err = m.Insert(ctx, "users/u2/noteslist", models.Fields{"n": 9})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		ev := next(t, sub)
		require.NoError(t, ev.Err)
		assert.Len(t, ev.Snapshot.Docs, want)
	}
	assert.Equal(t, []string{"users/u1/noteslist"}, m.ActiveQueries())
}

func TestMemoryGroupQueryWithFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryService()
	defer m.Close()

	_, err := m.Insert(ctx, "users/u2/noteslist", models.Fields{"contributors": []any{"u2", "u1"}})
	require.NoError(t, err)
	_, err = m.Insert(ctx, "users/u3/noteslist", models.Fields{"contributors": []any{"u3"}})
	require.NoError(t, err)

	sub, err := m.Subscribe(ctx, GroupQuery("noteslist", "contributors", "u1"))
	require.NoError(t, err)
	defer sub.Stop()

	ev := next(t, sub)
	require.Len(t, ev.Snapshot.Docs, 1)
	assert.Equal(t, "u2", models.OwnerFromPath(ev.Snapshot.Docs[0].Path))
}

func TestMemoryBreakIsTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryService()
	defer m.Close()

	sub, err := m.Subscribe(ctx, CollectionQuery("notes"))
	require.NoError(t, err)
	defer sub.Stop()
	next(t, sub)

	boom := errors.New("boom")
	assert.Equal(t, 1, m.Break("notes", boom))

	ev := next(t, sub)
	assert.ErrorIs(t, ev.Err, boom)
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Empty(t, m.ActiveQueries())
}

func TestMemoryFailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryService()
	defer m.Close()

	m.FailNext(OpInsert, models.ErrTransient)
	_, err := m.Insert(ctx, "notes", models.Fields{"title": "x"})
	assert.ErrorIs(t, err, models.ErrTransient)

	_, err = m.Insert(ctx, "notes", models.Fields{"title": "x"})
	assert.NoError(t, err)
}

func TestMemoryStopTraces(t *testing.T) {
	var mu sync.Mutex
	var ops []string
	m := NewMemoryService(WithTrace(func(op, target string) {
		mu.Lock()
		defer mu.Unlock()
		ops = append(ops, op+" "+target)
	}))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.Subscribe(ctx, CollectionQuery("notes"))
	require.NoError(t, err)
	next(t, sub)

	cancel()
	assert.Eventually(t, func() bool {
		return len(m.ActiveQueries()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	sub.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"subscribe notes", "stop notes"}, ops)
}
