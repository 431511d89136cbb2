package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ytakahashi/listsync/internal/models"
	"github.com/ytakahashi/listsync/internal/services"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by the Firestore client's metrics dependency.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func listDoc(owner, id string, created time.Time, members ...any) services.Document {
	return services.Document{
		Path: models.ListsCollection(owner) + "/" + id,
		ID:   id,
		Fields: models.Fields{
			"name":         id,
			"ownerUid":     owner,
			"contributors": members,
			"createdAt":    created,
		},
	}
}

func TestIndexSharedExcludesOwnedLists(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ix := New(models.Session{UID: "u1"}, zap.NewNop())

	ix.ApplyOwned(services.Snapshot{Docs: []services.Document{
		listDoc("u1", "b", t0.Add(time.Minute), "u1"),
		listDoc("u1", "a", t0, "u1", "u2"),
	}})
	// The membership query also matches the user's own lists.
	ix.ApplyShared(services.Snapshot{Docs: []services.Document{
		listDoc("u1", "a", t0, "u1", "u2"),
		listDoc("u2", "c", t0, "u2", "u1"),
		listDoc("u2", "c", t0, "u2", "u1"),
		listDoc("u3", "d", t0, "u3"),
	}})

	v := ix.View()
	require.Len(t, v.Owned, 2)
	assert.Equal(t, "a", v.Owned[0].ID)
	assert.Equal(t, "b", v.Owned[1].ID)
	require.Len(t, v.Shared, 1)
	assert.Equal(t, models.ListRef{ID: "c", OwnerUID: "u2"}, v.Shared[0].Ref())

	assert.Equal(t, []models.ListRef{
		{ID: "a", OwnerUID: "u1"},
		{ID: "b", OwnerUID: "u1"},
		{ID: "c", OwnerUID: "u2"},
	}, v.Refs())

	_, ok := v.Lookup(models.ListRef{ID: "d", OwnerUID: "u3"})
	assert.False(t, ok)
}

func TestIndexNamespaceWinsOverOwnerField(t *testing.T) {
	ix := New(models.Session{UID: "u1"}, zap.NewNop())

	doc := listDoc("u2", "x", time.Time{}, "u2", "u1")
	doc.Fields["ownerUid"] = "u1"
	ix.ApplyShared(services.Snapshot{Docs: []services.Document{doc}})

	v := ix.View()
	require.Len(t, v.Shared, 1)
	assert.Equal(t, "u2", v.Shared[0].OwnerUID)
}

func TestIndexSubscribe(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	ix := New(models.Session{UID: "u1"}, zap.NewNop())

	owned, shared, err := ix.Subscribe(ctx, store)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"users/u1/noteslist",
		"group:noteslist[contributors contains u1]",
	}, store.ActiveQueries())
	owned.Stop()
	shared.Stop()

	store.FailNext(services.OpSubscribe, nil)
	store.FailNext(services.OpSubscribe, models.ErrPermission)
	_, _, err = ix.Subscribe(ctx, store)
	assert.ErrorIs(t, err, models.ErrPermission)
	assert.Empty(t, store.ActiveQueries(), "owned subscription is released when shared fails")
}
