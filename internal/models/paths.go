package models

import (
	"path"
	"strings"
)

const (
	CollectionUsers     = "users"
	CollectionLists     = "noteslist"
	CollectionListNotes = "notes"
	CollectionNotes     = "notes"
)

// ListsCollection is the owner-scoped collection holding every list owned by uid.
func ListsCollection(uid string) string {
	return path.Join(CollectionUsers, uid, CollectionLists)
}

// NotePath addresses a standalone note.
func NotePath(id string) string {
	return path.Join(CollectionNotes, id)
}

// OwnerFromPath returns the namespace uid of a document living under
// users/{uid}/..., or "" for any other path.
func OwnerFromPath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 || parts[0] != CollectionUsers {
		return ""
	}
	return parts[1]
}

// ParentCollection returns the collection path that contains the document at p.
func ParentCollection(p string) string {
	p = strings.Trim(p, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}
