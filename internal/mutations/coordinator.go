// Package mutations turns user intents into writes against the remote store.
//
// Lists and their notes are always addressed through the list's owner
// namespace, whoever the acting user is. Validation and ownership checks run
// before any remote call; store failures are returned to the caller and never
// retried.
package mutations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ytakahashi/listsync/internal/models"
	"github.com/ytakahashi/listsync/internal/services"
	"go.uber.org/zap"
)

const (
	fieldUpdatedAt    = "updatedAt"
	fieldCreatedAt    = "createdAt"
	fieldContributors = "contributors"
	fieldItems        = "items"
	fieldMembers      = "members"
)

type Coordinator struct {
	store services.Store
	log   *zap.Logger
	now   func() time.Time

	mu      sync.RWMutex
	session models.Session
}

func New(session models.Session, store services.Store, log *zap.Logger) *Coordinator {
	return &Coordinator{
		session: session,
		store:   store,
		log:     log.With(zap.String("uid", session.UID)),
		now:     time.Now,
	}
}

// SetEmail replaces the acting user's email recorded as creator of new
// lists and notes.
func (c *Coordinator) SetEmail(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Email = email
}

func (c *Coordinator) actor() models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// CreateList inserts a list owned by the acting user, who is its only
// contributor.
func (c *Coordinator) CreateList(ctx context.Context, name, kind string) (models.ListRef, error) {
	me := c.actor()
	fields, err := models.NewListFields(me, name, kind)
	if err != nil {
		return models.ListRef{}, err
	}
	fields[fieldCreatedAt] = services.ServerTimestamp
	fields[fieldUpdatedAt] = services.ServerTimestamp

	id, err := c.store.Insert(ctx, models.ListsCollection(me.UID), fields)
	if err != nil {
		c.log.Error("create list failed", zap.Error(err))
		return models.ListRef{}, fmt.Errorf("create list: %w", err)
	}

	ref := models.ListRef{ID: id, OwnerUID: me.UID}
	c.log.Info("list created", zap.Stringer("list", ref))
	return ref, nil
}

// RenameList replaces the list name. Any member may rename.
func (c *Coordinator) RenameList(ctx context.Context, list models.List, name string) error {
	name, err := models.RequireText("list name", name)
	if err != nil {
		return err
	}
	if err := c.requireMember(list); err != nil {
		return err
	}
	return c.update(ctx, "rename list", list.Ref().Path(), models.Fields{
		"name":         name,
		fieldUpdatedAt: services.ServerTimestamp,
	})
}

// DeleteList removes the list document. Only its owner may do so; the check
// runs before the store is contacted. Notes under the list become unreachable
// with it.
func (c *Coordinator) DeleteList(ctx context.Context, list models.List) error {
	if !list.IsOwner(c.actor().UID) {
		return fmt.Errorf("%w: only the owner can delete list %s", models.ErrPermission, list.ID)
	}
	if err := c.store.Delete(ctx, list.Ref().Path()); err != nil {
		c.log.Error("delete list failed", zap.Stringer("list", list.Ref()), zap.Error(err))
		return fmt.Errorf("delete list: %w", err)
	}
	c.log.Info("list deleted", zap.Stringer("list", list.Ref()))
	return nil
}

// AddMember grants uid access to the list.
func (c *Coordinator) AddMember(ctx context.Context, list models.List, uid string) error {
	uid, err := models.RequireText("member uid", uid)
	if err != nil {
		return err
	}
	if err := c.requireMember(list); err != nil {
		return err
	}
	return c.update(ctx, "add member", list.Ref().Path(), models.Fields{
		fieldContributors: services.ArrayUnion(uid),
		fieldUpdatedAt:    services.ServerTimestamp,
	})
}

// RemoveMember revokes uid's access. The owner can never be removed, so the
// contributor set never becomes empty.
func (c *Coordinator) RemoveMember(ctx context.Context, list models.List, uid string) error {
	if err := list.CanRemoveMember(c.actor().UID, uid); err != nil {
		return err
	}
	return c.update(ctx, "remove member", list.Ref().Path(), models.Fields{
		fieldContributors: services.ArrayRemove(uid),
		fieldUpdatedAt:    services.ServerTimestamp,
	})
}

// AddNote creates a note in the list's sub-collection under the owner
// namespace and advances the list's updatedAt. The list is touched first, so
// a deleted list fails before anything is written. Only a failure of the
// insert itself can leave the touched updatedAt behind.
func (c *Coordinator) AddNote(ctx context.Context, ref models.ListRef, title, content string) (string, error) {
	fields, err := models.NewNoteFields(c.actor(), title, content)
	if err != nil {
		return "", err
	}
	if !ref.Valid() {
		return "", fmt.Errorf("%w: no list selected", models.ErrValidation)
	}
	fields["date"] = services.ServerTimestamp

	if err := c.touch(ctx, ref); err != nil {
		return "", err
	}
	id, err := c.store.Insert(ctx, ref.NotesCollection(), fields)
	if err != nil {
		c.log.Error("add note failed", zap.Stringer("list", ref), zap.Error(err))
		return "", fmt.Errorf("add note: %w", err)
	}
	return id, nil
}

// ToggleNote flips completion relative to the state the caller observed.
// Calling it twice with the same prior state writes the same value twice.
func (c *Coordinator) ToggleNote(ctx context.Context, ref models.ListRef, note models.Note) error {
	if err := c.touch(ctx, ref); err != nil {
		return err
	}
	return c.update(ctx, "toggle note", ref.NotePath(note.ID), models.Fields{
		"completed": !note.Completed,
	})
}

// EditNote replaces title and content of a note.
func (c *Coordinator) EditNote(ctx context.Context, ref models.ListRef, noteID, title, content string) error {
	title, err := models.RequireText("note title", title)
	if err != nil {
		return err
	}
	if err := c.touch(ctx, ref); err != nil {
		return err
	}
	return c.update(ctx, "edit note", ref.NotePath(noteID), models.Fields{
		"title":   title,
		"content": content,
	})
}

func (c *Coordinator) DeleteNote(ctx context.Context, ref models.ListRef, noteID string) error {
	if err := c.touch(ctx, ref); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, ref.NotePath(noteID)); err != nil {
		c.log.Error("delete note failed", zap.Stringer("list", ref), zap.String("note", noteID), zap.Error(err))
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// AddItem appends an embedded item. The item id is generated here, so a
// retried append of the same element is absorbed by the set union.
func (c *Coordinator) AddItem(ctx context.Context, list models.List, text string) (models.Item, error) {
	item, err := models.NewItem(text, c.now())
	if err != nil {
		return models.Item{}, err
	}
	if err := c.requireMember(list); err != nil {
		return models.Item{}, err
	}
	if err := c.update(ctx, "add item", list.Ref().Path(), models.Fields{
		fieldItems:     services.ArrayUnion(item.Fields()),
		fieldUpdatedAt: services.ServerTimestamp,
	}); err != nil {
		return models.Item{}, err
	}
	return item, nil
}

// ToggleItem flips an embedded item by removing the exact element last
// observed and adding its replacement. The two writes are not atomic as a
// pair: a concurrent toggle between them can be lost or leave the stale
// element behind. Lists whose entries are toggled concurrently should use
// notes instead.
func (c *Coordinator) ToggleItem(ctx context.Context, ref models.ListRef, item models.Item) error {
	if err := c.update(ctx, "toggle item", ref.Path(), models.Fields{
		fieldItems: services.ArrayRemove(item.Element()),
	}); err != nil {
		return err
	}
	return c.update(ctx, "toggle item", ref.Path(), models.Fields{
		fieldItems:     services.ArrayUnion(item.Toggled()),
		fieldUpdatedAt: services.ServerTimestamp,
	})
}

// DeleteItem removes the exact element last observed. If another writer
// changed the item since, nothing is removed.
func (c *Coordinator) DeleteItem(ctx context.Context, ref models.ListRef, item models.Item) error {
	return c.update(ctx, "delete item", ref.Path(), models.Fields{
		fieldItems:     services.ArrayRemove(item.Element()),
		fieldUpdatedAt: services.ServerTimestamp,
	})
}

// CreateNote inserts a standalone note owned by the acting user.
func (c *Coordinator) CreateNote(ctx context.Context, title, content string) (string, error) {
	fields, err := models.NewStandaloneNoteFields(c.actor(), title, content)
	if err != nil {
		return "", err
	}
	fields[fieldCreatedAt] = services.ServerTimestamp
	fields[fieldUpdatedAt] = services.ServerTimestamp

	id, err := c.store.Insert(ctx, models.CollectionNotes, fields)
	if err != nil {
		c.log.Error("create note failed", zap.Error(err))
		return "", fmt.Errorf("create note: %w", err)
	}
	return id, nil
}

func (c *Coordinator) UpdateNote(ctx context.Context, note models.StandaloneNote, title, content string) error {
	title, err := models.RequireText("note title", title)
	if err != nil {
		return err
	}
	return c.update(ctx, "update note", models.NotePath(note.ID), models.Fields{
		"title":        title,
		"content":      content,
		fieldUpdatedAt: services.ServerTimestamp,
	})
}

// DeleteStandaloneNote removes a standalone note; owner only.
func (c *Coordinator) DeleteStandaloneNote(ctx context.Context, note models.StandaloneNote) error {
	if !note.IsOwner(c.actor().UID) {
		return fmt.Errorf("%w: only the owner can delete note %s", models.ErrPermission, note.ID)
	}
	if err := c.store.Delete(ctx, models.NotePath(note.ID)); err != nil {
		c.log.Error("delete note failed", zap.String("note", note.ID), zap.Error(err))
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// ShareNote adds uid to a standalone note's members.
func (c *Coordinator) ShareNote(ctx context.Context, note models.StandaloneNote, uid string) error {
	uid, err := models.RequireText("member uid", uid)
	if err != nil {
		return err
	}
	return c.update(ctx, "share note", models.NotePath(note.ID), models.Fields{
		fieldMembers:   services.ArrayUnion(uid),
		fieldUpdatedAt: services.ServerTimestamp,
	})
}

func (c *Coordinator) requireMember(list models.List) error {
	if !list.VisibleTo(c.actor().UID) {
		return fmt.Errorf("%w: not a contributor of list %s", models.ErrPermission, list.ID)
	}
	return nil
}

// touch advances the list's updatedAt ahead of a write to one of its notes.
func (c *Coordinator) touch(ctx context.Context, ref models.ListRef) error {
	return c.update(ctx, "touch list", ref.Path(), models.Fields{
		fieldUpdatedAt: services.ServerTimestamp,
	})
}

func (c *Coordinator) update(ctx context.Context, op, doc string, fields models.Fields) error {
	if err := c.store.Update(ctx, doc, fields); err != nil {
		c.log.Error(op+" failed", zap.String("path", doc), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
