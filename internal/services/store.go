package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ytakahashi/listsync/internal/models"
)

// Store is the contract the sync core needs from the remote document store:
// hierarchical paths, live query subscriptions, partial updates and atomic
// array set operations, with server assigned timestamps.
type Store interface {
	// Subscribe opens a live query. The first event carries the current result
	// set; every committed change to a matching collection produces another.
	Subscribe(ctx context.Context, q Query) (Subscription, error)
	// Insert creates a document with a store assigned id in collection.
	Insert(ctx context.Context, collection string, fields models.Fields) (string, error)
	// Update applies a partial update. The document must exist.
	Update(ctx context.Context, doc string, fields models.Fields) error
	// Delete removes the document. The document must exist.
	Delete(ctx context.Context, doc string) error
	// Get reads a single document once.
	Get(ctx context.Context, doc string) (Document, error)
}

// Subscription is a push stream of snapshots. An event with a non-nil Err is
// terminal and is followed by the channel closing. Stop releases the
// subscription; no event is delivered after Stop returns.
type Subscription interface {
	Events() <-chan Event
	Stop()
}

type Event struct {
	Snapshot Snapshot
	Err      error
}

// Snapshot is the full result set of a query at one point in time.
type Snapshot struct {
	Docs     []Document
	ReadTime time.Time
}

type Document struct {
	Path   string
	ID     string
	Fields models.Fields
}

// Query selects either every document of one collection, or every document of
// all collections sharing a collection id (Group), optionally filtered by an
// array-contains predicate.
type Query struct {
	Collection string
	Group      string
	Contains   *ArrayContains
}

type ArrayContains struct {
	Field string
	Value any
}

func CollectionQuery(collection string) Query {
	return Query{Collection: collection}
}

func GroupQuery(group, field string, value any) Query {
	return Query{Group: group, Contains: &ArrayContains{Field: field, Value: value}}
}

func (q Query) String() string {
	var b strings.Builder
	if q.Group != "" {
		b.WriteString("group:" + q.Group)
	} else {
		b.WriteString(q.Collection)
	}
	if q.Contains != nil {
		fmt.Fprintf(&b, "[%s contains %v]", q.Contains.Field, q.Contains.Value)
	}
	return b.String()
}

// Field transforms understood by Insert and Update.

type serverTimestamp struct{}

// ServerTimestamp is replaced by the commit time of the write.
var ServerTimestamp any = serverTimestamp{}

type arrayUnion struct{ elems []any }

type arrayRemove struct{ elems []any }

// ArrayUnion adds each element not already present, compared structurally.
func ArrayUnion(elems ...any) any {
	return arrayUnion{elems: elems}
}

// ArrayRemove removes every element structurally equal to one of elems. A near
// match (same id, different flag) is left in place.
func ArrayRemove(elems ...any) any {
	return arrayRemove{elems: elems}
}

func validCollection(p string) bool {
	p = strings.Trim(p, "/")
	return p != "" && strings.Count(p, "/")%2 == 0
}

func validDocument(p string) bool {
	p = strings.Trim(p, "/")
	return p != "" && strings.Count(p, "/")%2 == 1
}

func lastSegment(p string) string {
	p = strings.Trim(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
