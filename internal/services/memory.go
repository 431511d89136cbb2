package services

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/ytakahashi/listsync/internal/models"
)

// Operation names accepted by MemoryService.FailNext and reported to traces.
const (
	OpInsert    = "insert"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpGet       = "get"
	OpSubscribe = "subscribe"
	OpStop      = "stop"
)

// MemoryService is an in-process Store with the same observable semantics as
// the Firestore backend: per-collection and collection-group live queries,
// array-contains filters, structural array set operations and monotonic
// commit timestamps. It backs local development and tests.
type MemoryService struct {
	mu      sync.Mutex
	docs    map[string]models.Fields
	watches map[*memWatch]struct{}
	last    time.Time
	now     func() time.Time
	faults  map[string][]error
	writes  int
	trace   func(op, target string)
}

type MemoryOption func(*MemoryService)

// WithClock replaces the wall clock used for commit timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryService) { m.now = now }
}

// WithTrace registers a hook called for every write and subscription change.
func WithTrace(fn func(op, target string)) MemoryOption {
	return func(m *MemoryService) { m.trace = fn }
}

func NewMemoryService(opts ...MemoryOption) *MemoryService {
	m := &MemoryService{
		docs:    make(map[string]models.Fields),
		watches: make(map[*memWatch]struct{}),
		now:     time.Now,
		faults:  make(map[string][]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close stops every open subscription.
func (m *MemoryService) Close() error {
	m.mu.Lock()
	watches := make([]*memWatch, 0, len(m.watches))
	for w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.Unlock()
	for _, w := range watches {
		w.Stop()
	}
	return nil
}

// FailNext makes the next call of op fail with err without touching any data.
func (m *MemoryService) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

// Writes counts insert, update and delete calls that reached the store.
func (m *MemoryService) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// ActiveQueries lists the queries of all open subscriptions.
func (m *MemoryService) ActiveQueries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.watches))
	for w := range m.watches {
		out = append(out, w.q.String())
	}
	sort.Strings(out)
	return out
}

// Break terminates every subscription whose collection path or group id equals
// target with err, the way a permission change or partition would.
func (m *MemoryService) Break(target string, err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for w := range m.watches {
		if strings.Trim(w.q.Collection, "/") == target || w.q.Group == target {
			delete(m.watches, w)
			w.push(Event{Err: err})
			n++
		}
	}
	return n
}

func (m *MemoryService) Insert(ctx context.Context, collection string, fields models.Fields) (string, error) {
	if err := m.begin(ctx, OpInsert, collection, true); err != nil {
		return "", err
	}
	if !validCollection(collection) {
		return "", fmt.Errorf("invalid collection path %q", collection)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.commitTime()
	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
	docPath := path.Join(strings.Trim(collection, "/"), id)
	doc := make(models.Fields, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case serverTimestamp:
			doc[k] = ts
		case arrayUnion:
			doc[k] = union(nil, t.elems)
		case arrayRemove:
			doc[k] = []any{}
		default:
			doc[k] = normalize(v)
		}
	}
	m.docs[docPath] = doc
	m.notify(docPath, nil, doc)
	return id, nil
}

func (m *MemoryService) Update(ctx context.Context, docPath string, fields models.Fields) error {
	if err := m.begin(ctx, OpUpdate, docPath, true); err != nil {
		return err
	}
	if !validDocument(docPath) {
		return fmt.Errorf("invalid document path %q", docPath)
	}
	docPath = strings.Trim(docPath, "/")

	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.docs[docPath]
	if !ok {
		return fmt.Errorf("update %s: %w", docPath, models.ErrNotFound)
	}
	ts := m.commitTime()
	doc := normalize(before).(models.Fields)
	for k, v := range fields {
		switch t := v.(type) {
		case serverTimestamp:
			doc[k] = ts
		case arrayUnion:
			doc[k] = union(asSlice(doc[k]), t.elems)
		case arrayRemove:
			doc[k] = remove(asSlice(doc[k]), t.elems)
		default:
			doc[k] = normalize(v)
		}
	}
	m.docs[docPath] = doc
	m.notify(docPath, before, doc)
	return nil
}

func (m *MemoryService) Delete(ctx context.Context, docPath string) error {
	if err := m.begin(ctx, OpDelete, docPath, true); err != nil {
		return err
	}
	docPath = strings.Trim(docPath, "/")

	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.docs[docPath]
	if !ok {
		return fmt.Errorf("delete %s: %w", docPath, models.ErrNotFound)
	}
	m.commitTime()
	delete(m.docs, docPath)
	m.notify(docPath, before, nil)
	return nil
}

func (m *MemoryService) Get(ctx context.Context, docPath string) (Document, error) {
	if err := m.begin(ctx, OpGet, docPath, false); err != nil {
		return Document{}, err
	}
	docPath = strings.Trim(docPath, "/")

	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docPath]
	if !ok {
		return Document{}, fmt.Errorf("get %s: %w", docPath, models.ErrNotFound)
	}
	return Document{Path: docPath, ID: lastSegment(docPath), Fields: normalize(doc).(models.Fields)}, nil
}

func (m *MemoryService) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if err := m.begin(ctx, OpSubscribe, q.String(), false); err != nil {
		return nil, err
	}
	if q.Group == "" && !validCollection(q.Collection) {
		return nil, fmt.Errorf("invalid collection path %q", q.Collection)
	}

	w := &memWatch{
		q:      q,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	w.stop = func() {
		m.mu.Lock()
		delete(m.watches, w)
		m.mu.Unlock()
		m.traceOp(OpStop, q.String())
	}

	m.mu.Lock()
	m.watches[w] = struct{}{}
	w.push(Event{Snapshot: m.snapshot(q)})
	m.mu.Unlock()

	go w.pump()
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.exited:
		}
	}()
	return w, nil
}

// begin applies injected faults and context cancellation before an operation.
func (m *MemoryService) begin(ctx context.Context, op, target string, write bool) error {
	m.mu.Lock()
	if write {
		m.writes++
	}
	var fault error
	if q := m.faults[op]; len(q) > 0 {
		fault, m.faults[op] = q[0], q[1:]
	}
	m.mu.Unlock()

	m.traceOp(op, target)
	if fault != nil {
		return fault
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s %s: %w: %v", op, target, models.ErrTransient, err)
	}
	return nil
}

func (m *MemoryService) traceOp(op, target string) {
	if m.trace != nil {
		m.trace(op, target)
	}
}

// commitTime returns a strictly increasing timestamp. Caller holds m.mu.
func (m *MemoryService) commitTime() time.Time {
	ts := m.now().UTC().Truncate(time.Microsecond)
	if !ts.After(m.last) {
		ts = m.last.Add(time.Microsecond)
	}
	m.last = ts
	return ts
}

// notify pushes a fresh snapshot to every watch whose result set the change
// entered, left or modified. Caller holds m.mu.
func (m *MemoryService) notify(docPath string, before, after models.Fields) {
	for w := range m.watches {
		if !inCollection(w.q, docPath) {
			continue
		}
		if (before != nil && passesFilter(w.q, before)) || (after != nil && passesFilter(w.q, after)) {
			w.push(Event{Snapshot: m.snapshot(w.q)})
		}
	}
}

// snapshot materializes q. Caller holds m.mu.
func (m *MemoryService) snapshot(q Query) Snapshot {
	paths := make([]string, 0)
	for p, doc := range m.docs {
		if inCollection(q, p) && passesFilter(q, doc) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		docs = append(docs, Document{Path: p, ID: lastSegment(p), Fields: normalize(m.docs[p]).(models.Fields)})
	}
	return Snapshot{Docs: docs, ReadTime: m.last}
}

func inCollection(q Query, docPath string) bool {
	parent := models.ParentCollection(docPath)
	if q.Group != "" {
		return lastSegment(parent) == q.Group
	}
	return parent == strings.Trim(q.Collection, "/")
}

func passesFilter(q Query, doc models.Fields) bool {
	if q.Contains == nil {
		return true
	}
	return containsEqual(asSlice(doc[q.Contains.Field]), normalize(q.Contains.Value))
}

func asSlice(v any) []any {
	s, _ := normalize(v).([]any)
	return s
}

func containsEqual(arr []any, v any) bool {
	for _, e := range arr {
		if cmp.Equal(e, v) {
			return true
		}
	}
	return false
}

func union(arr []any, elems []any) []any {
	out := append([]any{}, arr...)
	for _, e := range elems {
		e = normalize(e)
		if !containsEqual(out, e) {
			out = append(out, e)
		}
	}
	return out
}

func remove(arr []any, elems []any) []any {
	norm := make([]any, 0, len(elems))
	for _, e := range elems {
		norm = append(norm, normalize(e))
	}
	out := make([]any, 0, len(arr))
	for _, e := range arr {
		if !containsEqual(norm, e) {
			out = append(out, e)
		}
	}
	return out
}

// normalize deep-copies v into the value shapes the store hands back.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}

type memWatch struct {
	q      Query
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	stop   func()
}

func (w *memWatch) Events() <-chan Event {
	return w.out
}

func (w *memWatch) Stop() {
	w.once.Do(func() {
		close(w.done)
		w.stop()
	})
	<-w.exited
}

func (w *memWatch) push(ev Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// pump delivers queued events in commit order.
func (w *memWatch) pump() {
	defer close(w.exited)
	defer close(w.out)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.signal:
				continue
			case <-w.done:
				return
			}
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- ev:
		case <-w.done:
			return
		}
		if ev.Err != nil {
			return
		}
	}
}
