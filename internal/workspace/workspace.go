// Package workspace wires the sync core together for one signed-in user.
package workspace

import (
	"context"
	"fmt"

	"github.com/ytakahashi/listsync/internal/engine"
	"github.com/ytakahashi/listsync/internal/models"
	"github.com/ytakahashi/listsync/internal/mutations"
	"github.com/ytakahashi/listsync/internal/services"
	"go.uber.org/zap"
)

// Workspace is one user's live view plus the coordinator acting on their
// behalf. Intents that depend on what the user currently sees read the prior
// state from the engine before writing.
type Workspace struct {
	Session   models.Session
	Engine    *engine.Engine
	Mutations *mutations.Coordinator
	log       *zap.Logger
}

// Open starts the engine for session. Close releases it.
func Open(ctx context.Context, session models.Session, store services.Store, log *zap.Logger) (*Workspace, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	w := &Workspace{
		Session:   session,
		Engine:    engine.New(session, store, log),
		Mutations: mutations.New(session, store, log),
		log:       log.With(zap.String("uid", session.UID)),
	}
	w.Engine.Start(ctx)
	return w, nil
}

func (w *Workspace) Close() {
	w.Engine.Close()
}

// refresh records a newer email for the user. Session keeps the one the
// workspace was opened with.
func (w *Workspace) refresh(email string) {
	w.Mutations.SetEmail(email)
}

func (w *Workspace) State() engine.State {
	return w.Engine.State()
}

// List finds a visible list by ref. Lists the user is not a member of are
// reported as not found.
func (w *Workspace) List(ref models.ListRef) (models.List, error) {
	l, ok := w.State().Lists.Lookup(ref)
	if !ok {
		return models.List{}, fmt.Errorf("list %s: %w", ref, models.ErrNotFound)
	}
	return l, nil
}

// Focused returns the focused list ref.
func (w *Workspace) Focused() (models.ListRef, error) {
	f := w.State().Focus
	if f == nil {
		return models.ListRef{}, fmt.Errorf("%w: no list selected", models.ErrValidation)
	}
	return f.Ref, nil
}

// DeleteFocusedList leaves the focused list and then deletes it. The engine
// is back in browsing, with the notes subscription released, before the
// delete is sent. A permission failure keeps the focus.
func (w *Workspace) DeleteFocusedList(ctx context.Context) error {
	f := w.State().Focus
	if f == nil || f.List == nil {
		return fmt.Errorf("%w: no list selected", models.ErrValidation)
	}
	list := *f.List
	if !list.IsOwner(w.Session.UID) {
		return fmt.Errorf("%w: only the owner can delete list %s", models.ErrPermission, list.ID)
	}
	if err := w.Engine.Browse(ctx); err != nil {
		return err
	}
	return w.Mutations.DeleteList(ctx, list)
}

// DeleteList deletes any visible list, leaving it first if it is focused.
func (w *Workspace) DeleteList(ctx context.Context, ref models.ListRef) error {
	if f := w.State().Focus; f != nil && f.Ref == ref {
		return w.DeleteFocusedList(ctx)
	}
	list, err := w.List(ref)
	if err != nil {
		return err
	}
	return w.Mutations.DeleteList(ctx, list)
}

func (w *Workspace) AddFocusedNote(ctx context.Context, title, content string) (string, error) {
	ref, err := w.Focused()
	if err != nil {
		return "", err
	}
	return w.Mutations.AddNote(ctx, ref, title, content)
}

// ToggleFocusedNote flips a note using its completion as last delivered.
func (w *Workspace) ToggleFocusedNote(ctx context.Context, noteID string) error {
	note, ref, err := w.focusedNote(noteID)
	if err != nil {
		return err
	}
	return w.Mutations.ToggleNote(ctx, ref, note)
}

func (w *Workspace) EditFocusedNote(ctx context.Context, noteID, title, content string) error {
	_, ref, err := w.focusedNote(noteID)
	if err != nil {
		return err
	}
	return w.Mutations.EditNote(ctx, ref, noteID, title, content)
}

func (w *Workspace) DeleteFocusedNote(ctx context.Context, noteID string) error {
	_, ref, err := w.focusedNote(noteID)
	if err != nil {
		return err
	}
	return w.Mutations.DeleteNote(ctx, ref, noteID)
}

// ToggleItem flips an embedded item using the element last delivered.
func (w *Workspace) ToggleItem(ctx context.Context, ref models.ListRef, itemID string) error {
	item, err := w.item(ref, itemID)
	if err != nil {
		return err
	}
	return w.Mutations.ToggleItem(ctx, ref, item)
}

func (w *Workspace) DeleteItem(ctx context.Context, ref models.ListRef, itemID string) error {
	item, err := w.item(ref, itemID)
	if err != nil {
		return err
	}
	return w.Mutations.DeleteItem(ctx, ref, item)
}

func (w *Workspace) StandaloneNote(id string) (models.StandaloneNote, error) {
	n, ok := w.State().Notes.Lookup(id)
	if !ok {
		return models.StandaloneNote{}, fmt.Errorf("note %s: %w", id, models.ErrNotFound)
	}
	return n, nil
}

func (w *Workspace) focusedNote(noteID string) (models.Note, models.ListRef, error) {
	f := w.State().Focus
	if f == nil {
		return models.Note{}, models.ListRef{}, fmt.Errorf("%w: no list selected", models.ErrValidation)
	}
	note, ok := f.Note(noteID)
	if !ok {
		return models.Note{}, models.ListRef{}, fmt.Errorf("note %s: %w", noteID, models.ErrNotFound)
	}
	return note, f.Ref, nil
}

func (w *Workspace) item(ref models.ListRef, itemID string) (models.Item, error) {
	list, err := w.List(ref)
	if err != nil {
		return models.Item{}, err
	}
	item, ok := list.Item(itemID)
	if !ok {
		return models.Item{}, fmt.Errorf("item %s: %w", itemID, models.ErrNotFound)
	}
	return item, nil
}
