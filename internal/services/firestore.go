package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"cloud.google.com/go/firestore"
	"github.com/ytakahashi/listsync/internal/models"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreService is the Store backed by Cloud Firestore.
type FirestoreService struct {
	client *firestore.Client
	log    *zap.Logger
}

// NewFirestoreService connects to the given project. An empty databaseID
// selects the default database.
func NewFirestoreService(ctx context.Context, projectID, databaseID string, log *zap.Logger) (*FirestoreService, error) {
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &FirestoreService{
		client: client,
		log:    log,
	}, nil
}

func (fs *FirestoreService) Close() error {
	return fs.client.Close()
}

func (fs *FirestoreService) Insert(ctx context.Context, collection string, fields models.Fields) (string, error) {
	if !validCollection(collection) {
		return "", fmt.Errorf("invalid collection path %q", collection)
	}
	data := make(map[string]any, len(fields))
	for k, v := range fields {
		data[k] = toFirestore(v)
	}

	ref, _, err := fs.client.Collection(collection).Add(ctx, data)
	if err != nil {
		return "", translateError(OpInsert, collection, err)
	}

	return ref.ID, nil
}

func (fs *FirestoreService) Update(ctx context.Context, doc string, fields models.Fields) error {
	if !validDocument(doc) {
		return fmt.Errorf("invalid document path %q", doc)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	updates := make([]firestore.Update, 0, len(keys))
	for _, k := range keys {
		updates = append(updates, firestore.Update{Path: k, Value: toFirestore(fields[k])})
	}

	_, err := fs.client.Doc(doc).Update(ctx, updates)
	if err != nil {
		return translateError(OpUpdate, doc, err)
	}

	return nil
}

func (fs *FirestoreService) Delete(ctx context.Context, doc string) error {
	if !validDocument(doc) {
		return fmt.Errorf("invalid document path %q", doc)
	}

	_, err := fs.client.Doc(doc).Delete(ctx, firestore.Exists)
	if err != nil {
		return translateError(OpDelete, doc, err)
	}

	return nil
}

func (fs *FirestoreService) Get(ctx context.Context, doc string) (Document, error) {
	snap, err := fs.client.Doc(doc).Get(ctx)
	if err != nil {
		return Document{}, translateError(OpGet, doc, err)
	}

	return Document{Path: relativePath(snap.Ref), ID: snap.Ref.ID, Fields: snap.Data()}, nil
}

func (fs *FirestoreService) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	var query firestore.Query
	if q.Group != "" {
		query = fs.client.CollectionGroup(q.Group).Query
	} else {
		if !validCollection(q.Collection) {
			return nil, fmt.Errorf("invalid collection path %q", q.Collection)
		}
		query = fs.client.Collection(q.Collection).Query
	}
	if q.Contains != nil {
		query = query.Where(q.Contains.Field, "array-contains", q.Contains.Value)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &firestoreSubscription{
		out:    make(chan Event),
		cancel: cancel,
		exited: make(chan struct{}),
	}
	it := query.Snapshots(ctx)
	go sub.pump(ctx, it, q, fs.log)

	return sub, nil
}

type firestoreSubscription struct {
	out    chan Event
	cancel context.CancelFunc
	exited chan struct{}
	once   sync.Once
}

func (s *firestoreSubscription) Events() <-chan Event {
	return s.out
}

func (s *firestoreSubscription) Stop() {
	s.once.Do(s.cancel)
	<-s.exited
}

func (s *firestoreSubscription) pump(ctx context.Context, it *firestore.QuerySnapshotIterator, q Query, log *zap.Logger) {
	defer close(s.exited)
	defer close(s.out)
	defer it.Stop()

	for {
		qs, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) || ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return
			}
			log.Warn("snapshot listener failed", zap.String("query", q.String()), zap.Error(err))
			s.send(ctx, Event{Err: translateError(OpSubscribe, q.String(), err)})
			return
		}

		snapshots, err := qs.Documents.GetAll()
		if err != nil {
			s.send(ctx, Event{Err: translateError(OpSubscribe, q.String(), err)})
			return
		}

		docs := make([]Document, 0, len(snapshots))
		for _, snap := range snapshots {
			docs = append(docs, Document{Path: relativePath(snap.Ref), ID: snap.Ref.ID, Fields: snap.Data()})
		}
		if !s.send(ctx, Event{Snapshot: Snapshot{Docs: docs, ReadTime: qs.ReadTime}}) {
			return
		}
	}
}

func (s *firestoreSubscription) send(ctx context.Context, ev Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func toFirestore(v any) any {
	switch t := v.(type) {
	case serverTimestamp:
		return firestore.ServerTimestamp
	case arrayUnion:
		return firestore.ArrayUnion(t.elems...)
	case arrayRemove:
		return firestore.ArrayRemove(t.elems...)
	default:
		return v
	}
}

// relativePath rebuilds the database-relative path of ref, e.g.
// users/u1/noteslist/l1, from its parent chain.
func relativePath(ref *firestore.DocumentRef) string {
	if ref == nil {
		return ""
	}
	coll := ref.Parent
	if coll == nil {
		return ref.ID
	}
	return path.Join(relativePath(coll.Parent), coll.ID, ref.ID)
}

// translateError maps gRPC status codes onto the model error taxonomy.
func translateError(op, target string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s %s: %w", op, target, models.ErrNotFound)
	case codes.PermissionDenied:
		return fmt.Errorf("%s %s: %w: %v", op, target, models.ErrPermission, err)
	default:
		return fmt.Errorf("failed to %s %s: %w: %v", op, target, models.ErrTransient, err)
	}
}
