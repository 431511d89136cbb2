// Package membership computes, for one user, the lists they own and the lists
// shared with them by other owners.
package membership

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ytakahashi/listsync/internal/models"
	"github.com/ytakahashi/listsync/internal/services"
	"go.uber.org/zap"
)

// MemberField is the array field holding a list's contributor uids.
const MemberField = "contributors"

// View is the merged list index. Owned and Shared never hold the same ref.
type View struct {
	Owned  []models.List `json:"owned"`
	Shared []models.List `json:"shared"`
}

// Lookup finds a list by ref in either set.
func (v View) Lookup(ref models.ListRef) (models.List, bool) {
	for _, set := range [][]models.List{v.Owned, v.Shared} {
		for _, l := range set {
			if l.Ref() == ref {
				return l, true
			}
		}
	}
	return models.List{}, false
}

// Refs returns every ref in the view, owned first.
func (v View) Refs() []models.ListRef {
	refs := make([]models.ListRef, 0, len(v.Owned)+len(v.Shared))
	for _, l := range v.Owned {
		refs = append(refs, l.Ref())
	}
	for _, l := range v.Shared {
		refs = append(refs, l.Ref())
	}
	return refs
}

// Index materializes the owned set from the owner-scoped collection and the
// shared set from a membership query across every namespace. Each snapshot
// replaces its set wholesale; the two sets refresh independently.
type Index struct {
	session models.Session
	log     *zap.Logger
	view    View
}

func New(session models.Session, log *zap.Logger) *Index {
	return &Index{session: session, log: log}
}

// OwnedQuery selects users/{uid}/noteslist.
func (ix *Index) OwnedQuery() services.Query {
	return services.CollectionQuery(models.ListsCollection(ix.session.UID))
}

// SharedQuery selects every noteslist document naming uid as a contributor.
func (ix *Index) SharedQuery() services.Query {
	return services.GroupQuery(models.CollectionLists, MemberField, ix.session.UID)
}

// Subscribe opens both index subscriptions. If the second cannot be opened the
// first is released before returning.
func (ix *Index) Subscribe(ctx context.Context, store services.Store) (owned, shared services.Subscription, err error) {
	owned, err = store.Subscribe(ctx, ix.OwnedQuery())
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe owned lists: %w", err)
	}
	shared, err = store.Subscribe(ctx, ix.SharedQuery())
	if err != nil {
		owned.Stop()
		return nil, nil, fmt.Errorf("subscribe shared lists: %w", err)
	}
	return owned, shared, nil
}

// ApplyOwned replaces the owned set from a snapshot of the owner collection.
func (ix *Index) ApplyOwned(snap services.Snapshot) {
	owned := make([]models.List, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		l := ix.decode(doc)
		owned = append(owned, l)
	}
	sortLists(owned)
	ix.view.Owned = owned
}

// ApplyShared replaces the shared set from a snapshot of the membership query,
// dropping lists the user owns so they are only counted once.
func (ix *Index) ApplyShared(snap services.Snapshot) {
	shared := make([]models.List, 0, len(snap.Docs))
	seen := make(map[models.ListRef]bool, len(snap.Docs))
	for _, doc := range snap.Docs {
		l := ix.decode(doc)
		if l.OwnerUID == "" || l.OwnerUID == ix.session.UID || !l.HasMember(ix.session.UID) {
			continue
		}
		if seen[l.Ref()] {
			continue
		}
		seen[l.Ref()] = true
		shared = append(shared, l)
	}
	sortLists(shared)
	ix.view.Shared = shared
}

// decode reads a list document. The namespace a list is stored under is where
// its notes live, so it wins over a disagreeing ownerUid field.
func (ix *Index) decode(doc services.Document) models.List {
	l := models.ListFromDocument(doc.Path, doc.ID, doc.Fields)
	if ns := models.OwnerFromPath(doc.Path); ns != "" && ns != l.OwnerUID {
		ix.log.Warn("list ownerUid disagrees with its namespace",
			zap.String("path", doc.Path), zap.String("ownerUid", l.OwnerUID))
		l.OwnerUID = ns
	}
	return l
}

// ResetOwned clears the owned set, used when its subscription fails.
func (ix *Index) ResetOwned() { ix.view.Owned = nil }

// ResetShared clears the shared set, used when its subscription fails.
func (ix *Index) ResetShared() { ix.view.Shared = nil }

func (ix *Index) View() View {
	return ix.view
}

func sortLists(lists []models.List) {
	slices.SortStableFunc(lists, func(a, b models.List) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
