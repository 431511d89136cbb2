package mutations

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ytakahashi/listsync/internal/models"
	"github.com/ytakahashi/listsync/internal/services"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

var (
	alice = models.Session{UID: "u1", Email: "alice@example.com"}
	bob   = models.Session{UID: "u2", Email: "bob@example.com"}
)

func newCoordinator(t *testing.T, s models.Session, store services.Store) *Coordinator {
	t.Helper()
	return New(s, store, zaptest.NewLogger(t))
}

func getList(t *testing.T, store services.Store, ref models.ListRef) models.List {
	t.Helper()
	doc, err := store.Get(context.Background(), ref.Path())
	require.NoError(t, err)
	return models.ListFromDocument(doc.Path, doc.ID, doc.Fields)
}

func getNote(t *testing.T, store services.Store, ref models.ListRef, id string) models.Note {
	t.Helper()
	doc, err := store.Get(context.Background(), ref.NotePath(id))
	require.NoError(t, err)
	return models.NoteFromDocument(doc.ID, doc.Fields)
}

func TestValidationHappensBeforeAnyRemoteCall(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	c := newCoordinator(t, alice, store)
	ref := models.ListRef{ID: "l1", OwnerUID: "u1"}
	list := models.List{ID: "l1", OwnerUID: "u1"}

	_, err := c.CreateList(ctx, "   ", "")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.ErrorIs(t, c.RenameList(ctx, list, ""), models.ErrValidation)
	_, err = c.AddNote(ctx, ref, "\t", "body")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = c.AddNote(ctx, models.ListRef{}, "title", "")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.ErrorIs(t, c.EditNote(ctx, ref, "n1", " ", ""), models.ErrValidation)
	_, err = c.AddItem(ctx, list, "")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = c.CreateNote(ctx, "", "")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.ErrorIs(t, c.AddMember(ctx, list, " "), models.ErrValidation)

	assert.Zero(t, store.Writes())
}

func TestOnlyOwnerDeletesList(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	owner := newCoordinator(t, alice, store)
	other := newCoordinator(t, bob, store)

	ref, err := owner.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	require.NoError(t, owner.AddMember(ctx, getList(t, store, ref), "u2"))
	writes := store.Writes()

	err = other.DeleteList(ctx, getList(t, store, ref))
	assert.ErrorIs(t, err, models.ErrPermission)
	assert.Equal(t, writes, store.Writes(), "rejected delete must not reach the store")

	require.NoError(t, owner.DeleteList(ctx, getList(t, store, ref)))
	_, err = store.Get(ctx, ref.Path())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGroceriesScenario(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	c := newCoordinator(t, alice, store)

	ref, err := c.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	assert.Equal(t, "u1", ref.OwnerUID)

	created := getList(t, store, ref)
	assert.Equal(t, []string{"u1"}, created.Members)
	assert.Equal(t, "alice@example.com", created.CreatorEmail)

	id, err := c.AddNote(ctx, ref, "Milk", "2 liters")
	require.NoError(t, err)
	note := getNote(t, store, ref, id)
	assert.False(t, note.Completed)
	assert.Equal(t, int64(-1), note.Color)

	require.NoError(t, c.ToggleNote(ctx, ref, note))
	assert.True(t, getNote(t, store, ref, id).Completed)

	list := getList(t, store, ref)
	assert.True(t, list.UpdatedAt.After(list.CreatedAt))
}

func TestToggleNoteIsRelativeToObservedState(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	c := newCoordinator(t, alice, store)

	ref, err := c.CreateList(ctx, "Chores", "")
	require.NoError(t, err)
	id, err := c.AddNote(ctx, ref, "Dishes", "")
	require.NoError(t, err)
	observed := getNote(t, store, ref, id)

	// Both calls start from the same observation.
	require.NoError(t, c.ToggleNote(ctx, ref, observed))
	require.NoError(t, c.ToggleNote(ctx, ref, observed))
	assert.True(t, getNote(t, store, ref, id).Completed)
}

func TestSharedMemberWritesIntoOwnerNamespace(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	owner := newCoordinator(t, alice, store)
	member := newCoordinator(t, bob, store)

	ref, err := owner.CreateList(ctx, "Trip", "")
	require.NoError(t, err)
	require.NoError(t, owner.AddMember(ctx, getList(t, store, ref), "u2"))

	id, err := member.AddNote(ctx, ref, "Passport", "")
	require.NoError(t, err)

	doc, err := store.Get(ctx, fmt.Sprintf("users/u1/noteslist/%s/notes/%s", ref.ID, id))
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", doc.Fields["creator"])
	_, err = store.Get(ctx, fmt.Sprintf("users/u2/noteslist/%s/notes/%s", ref.ID, id))
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, member.EditNote(ctx, ref, id, "Passports", "both"))
	assert.Equal(t, "Passports", getNote(t, store, ref, id).Title)
	require.NoError(t, member.DeleteNote(ctx, ref, id))
}

func TestOwnerStaysMember(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	owner := newCoordinator(t, alice, store)

	ref, err := owner.CreateList(ctx, "Shared", "")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	uids := []string{"u1", "u2", "u3", "u4"}
	for i := 0; i < 100; i++ {
		uid := uids[rng.Intn(len(uids))]
		actor := owner
		if rng.Intn(3) == 0 {
			actor = newCoordinator(t, models.Session{UID: uids[rng.Intn(len(uids))]}, store)
		}
		list := getList(t, store, ref)
		if rng.Intn(2) == 0 {
			_ = actor.AddMember(ctx, list, uid)
		} else {
			_ = actor.RemoveMember(ctx, list, uid)
		}

		list = getList(t, store, ref)
		require.Contains(t, list.Members, "u1", "step %d", i)
	}
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	owner := newCoordinator(t, alice, store)
	member := newCoordinator(t, bob, store)

	ref, err := owner.CreateList(ctx, "Shared", "")
	require.NoError(t, err)
	require.NoError(t, owner.AddMember(ctx, getList(t, store, ref), "u2"))
	require.NoError(t, owner.AddMember(ctx, getList(t, store, ref), "u3"))

	assert.ErrorIs(t, member.RemoveMember(ctx, getList(t, store, ref), "u3"), models.ErrPermission)
	assert.ErrorIs(t, owner.RemoveMember(ctx, getList(t, store, ref), "u1"), models.ErrPermission)
	require.NoError(t, member.RemoveMember(ctx, getList(t, store, ref), "u2"))
	assert.Equal(t, []string{"u1", "u3"}, getList(t, store, ref).Members)
}

func TestAddMemberRequiresVisibility(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	owner := newCoordinator(t, alice, store)
	stranger := newCoordinator(t, bob, store)

	ref, err := owner.CreateList(ctx, "Private", "")
	require.NoError(t, err)
	writes := store.Writes()

	err = stranger.AddMember(ctx, getList(t, store, ref), "u2")
	assert.ErrorIs(t, err, models.ErrPermission)
	assert.Equal(t, writes, store.Writes())
}

func TestEmbeddedItems(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	c := newCoordinator(t, alice, store)

	ref, err := c.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	_, err = c.AddItem(ctx, getList(t, store, ref), "milk")
	require.NoError(t, err)

	list := getList(t, store, ref)
	require.Len(t, list.Items, 1)
	require.NoError(t, c.ToggleItem(ctx, ref, list.Items[0]))

	list = getList(t, store, ref)
	require.Len(t, list.Items, 1)
	assert.True(t, list.Items[0].Completed)

	require.NoError(t, c.DeleteItem(ctx, ref, list.Items[0]))
	assert.Empty(t, getList(t, store, ref).Items)
}

func TestDeleteStaleItemRemovesNothing(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	c := newCoordinator(t, alice, store)

	ref, err := c.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	_, err = c.AddItem(ctx, getList(t, store, ref), "milk")
	require.NoError(t, err)
	stale := getList(t, store, ref).Items[0]
	require.NoError(t, c.ToggleItem(ctx, ref, stale))

	require.NoError(t, c.DeleteItem(ctx, ref, stale))
	assert.Len(t, getList(t, store, ref).Items, 1)
}

func TestConcurrentItemTogglesLeaveOneEntry(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	c := newCoordinator(t, alice, store)
	other := newCoordinator(t, bob, store)

	ref, err := c.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	_, err = c.AddItem(ctx, getList(t, store, ref), "milk")
	require.NoError(t, err)
	observed := getList(t, store, ref).Items[0]

	var g errgroup.Group
	g.Go(func() error { return c.ToggleItem(ctx, ref, observed) })
	g.Go(func() error { return other.ToggleItem(ctx, ref, observed) })
	require.NoError(t, g.Wait())

	items := getList(t, store, ref).Items
	require.LessOrEqual(t, len(items), 1)
	for _, it := range items {
		assert.Equal(t, observed.ID, it.ID)
	}
}

func TestStoreFailuresAreReturned(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	c := newCoordinator(t, alice, store)

	ref, err := c.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)

	store.FailNext(services.OpInsert, fmt.Errorf("offline: %w", models.ErrTransient))
	_, err = c.AddNote(ctx, ref, "Milk", "")
	assert.ErrorIs(t, err, models.ErrTransient)

	gone := models.List{ID: "gone", OwnerUID: "u1", Members: []string{"u1"}}
	err = c.RenameList(ctx, gone, "x")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, c.RenameList(ctx, getList(t, store, ref), "Weekly groceries"))
	assert.Equal(t, "Weekly groceries", getList(t, store, ref).Name)
}

func TestNonMemberCannotWriteList(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	owner := newCoordinator(t, alice, store)
	stranger := newCoordinator(t, models.Session{UID: "u3"}, store)

	ref, err := owner.CreateList(ctx, "Private", "")
	require.NoError(t, err)
	writes := store.Writes()

	list := getList(t, store, ref)
	assert.ErrorIs(t, stranger.RenameList(ctx, list, "pwned"), models.ErrPermission)
	_, err = stranger.AddItem(ctx, list, "spam")
	assert.ErrorIs(t, err, models.ErrPermission)

	assert.Equal(t, writes, store.Writes(), "rejected writes must not reach the store")
	list = getList(t, store, ref)
	assert.Equal(t, "Private", list.Name)
	assert.Empty(t, list.Items)
}

// notesOf returns the documents currently in the list's notes collection.
func notesOf(t *testing.T, store services.Store, ref models.ListRef) []services.Document {
	t.Helper()
	sub, err := store.Subscribe(context.Background(), services.CollectionQuery(ref.NotesCollection()))
	require.NoError(t, err)
	defer sub.Stop()
	ev := <-sub.Events()
	require.NoError(t, ev.Err)
	return ev.Snapshot.Docs
}

func TestAddNoteToDeletedListWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	c := newCoordinator(t, alice, store)

	ref, err := c.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	require.NoError(t, c.DeleteList(ctx, getList(t, store, ref)))

	id, err := c.AddNote(ctx, ref, "Milk", "")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, id)
	assert.Empty(t, notesOf(t, store, ref))
}

func TestFailedTouchWritesNoNote(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	c := newCoordinator(t, alice, store)

	ref, err := c.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	id, err := c.AddNote(ctx, ref, "Milk", "")
	require.NoError(t, err)
	note := getNote(t, store, ref, id)

	offline := fmt.Errorf("offline: %w", models.ErrTransient)

	store.FailNext(services.OpUpdate, offline)
	_, err = c.AddNote(ctx, ref, "Eggs", "")
	assert.ErrorIs(t, err, models.ErrTransient)
	assert.Len(t, notesOf(t, store, ref), 1)

	store.FailNext(services.OpUpdate, offline)
	assert.ErrorIs(t, c.ToggleNote(ctx, ref, note), models.ErrTransient)
	assert.False(t, getNote(t, store, ref, id).Completed)

	store.FailNext(services.OpUpdate, offline)
	assert.ErrorIs(t, c.EditNote(ctx, ref, id, "Oat milk", ""), models.ErrTransient)
	assert.Equal(t, "Milk", getNote(t, store, ref, id).Title)

	store.FailNext(services.OpUpdate, offline)
	assert.ErrorIs(t, c.DeleteNote(ctx, ref, id), models.ErrTransient)
	assert.Len(t, notesOf(t, store, ref), 1)
}

func TestSetEmailAppliesToNewLists(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	c := newCoordinator(t, models.Session{UID: "u1"}, store)

	before, err := c.CreateList(ctx, "From chat", "")
	require.NoError(t, err)
	c.SetEmail("alice@example.com")
	after, err := c.CreateList(ctx, "From web", "")
	require.NoError(t, err)

	assert.Empty(t, getList(t, store, before).CreatorEmail)
	assert.Equal(t, "alice@example.com", getList(t, store, after).CreatorEmail)
}

func TestStandaloneNotes(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryService()
	defer store.Close()
	owner := newCoordinator(t, alice, store)
	member := newCoordinator(t, bob, store)

	id, err := owner.CreateNote(ctx, "Ideas", "")
	require.NoError(t, err)
	read := func() models.StandaloneNote {
		doc, err := store.Get(ctx, models.NotePath(id))
		require.NoError(t, err)
		return models.StandaloneNoteFromDocument(doc.ID, doc.Fields)
	}

	require.NoError(t, owner.ShareNote(ctx, read(), "u2"))
	assert.True(t, read().VisibleTo("u2"))

	require.NoError(t, member.UpdateNote(ctx, read(), "Ideas v2", "more"))
	assert.Equal(t, "Ideas v2", read().Title)

	assert.ErrorIs(t, member.DeleteStandaloneNote(ctx, read()), models.ErrPermission)
	require.NoError(t, owner.DeleteStandaloneNote(ctx, read()))
}
