package models

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"time"
)

// ListRef identifies a list by id and by the namespace it physically lives in.
// Every path to a list or its notes is built from the owner, never from the
// viewing user.
type ListRef struct {
	ID       string `json:"id"`
	OwnerUID string `json:"ownerUid"`
}

func (r ListRef) Valid() bool {
	return r.ID != "" && r.OwnerUID != ""
}

// Path is the list document path under the owner namespace.
func (r ListRef) Path() string {
	return path.Join(ListsCollection(r.OwnerUID), r.ID)
}

// NotesCollection is the sub-collection holding the list's notes.
func (r ListRef) NotesCollection() string {
	return path.Join(r.Path(), CollectionListNotes)
}

func (r ListRef) NotePath(noteID string) string {
	return path.Join(r.NotesCollection(), noteID)
}

func (r ListRef) String() string {
	return r.OwnerUID + "/" + r.ID
}

// List is a named collection shared between its owner and contributors.
// Items holds the embedded variant; rich notes live in the notes sub-collection.
type List struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OwnerUID     string    `json:"ownerUid"`
	CreatorEmail string    `json:"creator"`
	Members      []string  `json:"contributors"`
	Type         string    `json:"type,omitempty"`
	Items        []Item    `json:"items"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (l List) Ref() ListRef {
	return ListRef{ID: l.ID, OwnerUID: l.OwnerUID}
}

func (l List) IsOwner(uid string) bool {
	return uid != "" && l.OwnerUID == uid
}

func (l List) HasMember(uid string) bool {
	return slices.Contains(l.Members, uid)
}

// VisibleTo reports whether uid may read the list.
func (l List) VisibleTo(uid string) bool {
	return l.IsOwner(uid) || l.HasMember(uid)
}

// Item returns the embedded item with the given id.
func (l List) Item(id string) (Item, bool) {
	for _, it := range l.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// CanRemoveMember checks whether actor may drop uid from the contributors.
// The owner can never be removed; a non-owner may only remove themselves.
func (l List) CanRemoveMember(actor, uid string) error {
	if uid == l.OwnerUID {
		return fmt.Errorf("%w: the owner of list %s cannot be removed", ErrPermission, l.ID)
	}
	if !l.IsOwner(actor) && actor != uid {
		return fmt.Errorf("%w: only the owner can remove other contributors", ErrPermission)
	}
	return nil
}

// NewListFields builds the document for a freshly created list. The creator is
// the owner and the only contributor. Timestamps are left to the caller so the
// store can assign them.
func NewListFields(s Session, name, kind string) (Fields, error) {
	name, err := RequireText("list name", name)
	if err != nil {
		return nil, err
	}
	return Fields{
		"name":         name,
		"ownerUid":     s.UID,
		"creator":      s.Email,
		"contributors": []any{s.UID},
		"type":         kind,
		"items":        []any{},
	}, nil
}

// ListFromDocument decodes a stored list. The owner is the explicit ownerUid
// field; documents written without it fall back to the namespace in their path.
func ListFromDocument(docPath, id string, f Fields) List {
	l := List{
		ID:           id,
		Name:         stringField(f, "name"),
		OwnerUID:     stringField(f, "ownerUid"),
		CreatorEmail: stringField(f, "creator"),
		Members:      stringsField(f, "contributors"),
		Type:         stringField(f, "type"),
		CreatedAt:    timeField(f, "createdAt"),
		UpdatedAt:    timeField(f, "updatedAt"),
	}
	if l.OwnerUID == "" {
		l.OwnerUID = OwnerFromPath(docPath)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = timeField(f, "date")
	}
	for _, m := range mapsField(f, "items") {
		l.Items = append(l.Items, ItemFromFields(m))
	}
	return l
}

// RequireText trims s and rejects it when nothing is left.
func RequireText(field, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	return s, nil
}
