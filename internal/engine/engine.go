// Package engine owns every live subscription of one user and merges their
// snapshots into a single State. All state is mutated by one goroutine; the
// subscriptions feed it through an inbox, callers talk to it through commands.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ytakahashi/listsync/internal/membership"
	"github.com/ytakahashi/listsync/internal/models"
	"github.com/ytakahashi/listsync/internal/services"
	"go.uber.org/zap"
)

// ErrClosed is returned by commands sent after the engine stopped.
var ErrClosed = errors.New("engine closed")

// NoteMemberField is the array field holding a standalone note's member uids.
const NoteMemberField = "members"

type stream int

const (
	streamOwned stream = iota
	streamShared
	streamNotes
	streamFocus
)

func (s stream) String() string {
	switch s {
	case streamOwned:
		return "owned"
	case streamShared:
		return "shared"
	case streamNotes:
		return "notes"
	case streamFocus:
		return "focus"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

type handle struct {
	stream stream
	gen    uint64
	sub    services.Subscription
}

type delivery struct {
	stream stream
	gen    uint64
	ev     services.Event
}

type command struct {
	apply func() error
	reply chan error
}

type Engine struct {
	session models.Session
	store   services.Store
	index   *membership.Index
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan delivery
	cmds   chan command
	exited chan struct{}
	pumps  sync.WaitGroup
	once   sync.Once

	// Owned by the loop goroutine.
	state   State
	sel     Selection
	handles map[stream]*handle
	gen     uint64

	mu       sync.Mutex
	current  State
	watchers map[*Watcher]struct{}
	closed   bool
}

func New(session models.Session, store services.Store, log *zap.Logger) *Engine {
	e := &Engine{
		session:  session,
		store:    store,
		index:    membership.New(session, log),
		log:      log.With(zap.String("uid", session.UID)),
		inbox:    make(chan delivery, 16),
		cmds:     make(chan command),
		exited:   make(chan struct{}),
		handles:  make(map[stream]*handle),
		watchers: make(map[*Watcher]struct{}),
	}
	e.state = State{
		Mode:  Browsing,
		Lists: ListsView{OwnedStatus: StatusLoading, SharedStatus: StatusLoading},
		Notes: NotesView{Status: StatusLoading},
	}
	e.current = e.state.clone()
	return e
}

// Start opens the index and notes subscriptions and runs the event loop until
// ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	go e.run()
}

// Close stops the loop and releases every subscription. It returns once no
// engine goroutine is left running.
func (e *Engine) Close() {
	e.once.Do(func() {
		if e.cancel == nil {
			return
		}
		e.cancel()
		<-e.exited
		e.pumps.Wait()
	})
}

// State returns the most recently published state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Focus selects a list. Only lists in the user's index can be focused: a
// list not found there fails with models.ErrTransient while the index is
// still loading and with models.ErrNotFound once it has loaded. The
// previous list's subscription is released before the new one is opened.
// Focusing the already focused list is a no-op unless its subscription
// failed, in which case it is retried.
func (e *Engine) Focus(ctx context.Context, ref models.ListRef) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: list id and owner are required", models.ErrValidation)
	}
	return e.do(ctx, func() error { return e.focus(ref) })
}

// Browse leaves the focused list and releases its subscription.
func (e *Engine) Browse(ctx context.Context) error {
	return e.do(ctx, func() error {
		e.browse()
		return nil
	})
}

// Reload reopens any index or notes subscription that ended with an error.
func (e *Engine) Reload(ctx context.Context) error {
	return e.do(ctx, e.reload)
}

func (e *Engine) do(ctx context.Context, fn func() error) error {
	cmd := command{apply: fn, reply: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.exited:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.exited:
		return ErrClosed
	}
}

func (e *Engine) run() {
	defer close(e.exited)
	defer e.shutdown()

	e.openIndex()
	e.openNotes()
	e.publish()

	for {
		select {
		case <-e.ctx.Done():
			return
		case cmd := <-e.cmds:
			err := cmd.apply()
			e.publish()
			cmd.reply <- err
		case d := <-e.inbox:
			if e.deliver(d) {
				e.publish()
			}
		}
	}
}

func (e *Engine) shutdown() {
	for s := range e.handles {
		e.release(s)
	}
	e.mu.Lock()
	e.closed = true
	for w := range e.watchers {
		delete(e.watchers, w)
		close(w.c)
	}
	e.mu.Unlock()
}

func (e *Engine) openIndex() {
	e.state.Lists.OwnedStatus = StatusLoading
	e.state.Lists.SharedStatus = StatusLoading
	e.state.Lists.Error = ""
	owned, shared, err := e.index.Subscribe(e.ctx, e.store)
	if err != nil {
		e.log.Warn("index subscription failed", zap.Error(err))
		e.state.Lists.OwnedStatus = StatusError
		e.state.Lists.SharedStatus = StatusError
		e.state.Lists.Error = err.Error()
		return
	}
	e.adopt(streamOwned, owned)
	e.adopt(streamShared, shared)
}

func (e *Engine) openNotes() {
	e.state.Notes = NotesView{Status: StatusLoading}
	q := services.Query{
		Collection: models.CollectionNotes,
		Contains:   &services.ArrayContains{Field: NoteMemberField, Value: e.session.UID},
	}
	if err := e.open(streamNotes, q); err != nil {
		e.log.Warn("notes subscription failed", zap.Error(err))
		e.state.Notes = NotesView{Status: StatusError, Error: err.Error()}
	}
}

func (e *Engine) reload() error {
	var reopened []string
	lists := e.state.Lists
	switch {
	case lists.OwnedStatus == StatusError && lists.SharedStatus == StatusError:
		e.release(streamOwned)
		e.release(streamShared)
		e.openIndex()
		reopened = append(reopened, "owned", "shared")
	case lists.OwnedStatus == StatusError:
		e.state.Lists.OwnedStatus = StatusLoading
		if err := e.open(streamOwned, e.index.OwnedQuery()); err != nil {
			e.state.Lists.OwnedStatus = StatusError
			e.state.Lists.Error = err.Error()
		}
		reopened = append(reopened, "owned")
	case lists.SharedStatus == StatusError:
		e.state.Lists.SharedStatus = StatusLoading
		if err := e.open(streamShared, e.index.SharedQuery()); err != nil {
			e.state.Lists.SharedStatus = StatusError
			e.state.Lists.Error = err.Error()
		}
		reopened = append(reopened, "shared")
	}
	if e.state.Notes.Status == StatusError {
		e.release(streamNotes)
		e.openNotes()
		reopened = append(reopened, "notes")
	}
	if len(reopened) > 0 {
		e.log.Info("reopened subscriptions", zap.Strings("streams", reopened))
	}
	return nil
}

func (e *Engine) focus(ref models.ListRef) error {
	l, ok := e.index.View().Lookup(ref)
	switch {
	case !ok && !e.state.Lists.Ready():
		return fmt.Errorf("%w: lists are still loading", models.ErrTransient)
	case !ok || !l.VisibleTo(e.session.UID):
		return fmt.Errorf("list %s: %w", ref, models.ErrNotFound)
	}
	if cur, ok := e.sel.Ref(); ok && cur == ref && e.state.Focus != nil && e.state.Focus.Status != StatusError {
		return nil
	}

	if e.sel.Focus(ref) {
		e.release(streamFocus)
	}
	fv := &FocusView{Ref: ref, List: &l, Status: StatusLoading}
	e.state.Mode = Focused
	e.state.Focus = fv

	if err := e.open(streamFocus, services.CollectionQuery(ref.NotesCollection())); err != nil {
		e.log.Warn("focus subscription failed", zap.Stringer("list", ref), zap.Error(err))
		fv.Status = StatusError
		fv.Error = err.Error()
		return err
	}
	return nil
}

func (e *Engine) browse() {
	if e.sel.Browse() {
		e.release(streamFocus)
	}
	e.state.Mode = Browsing
	e.state.Focus = nil
}

func (e *Engine) open(s stream, q services.Query) error {
	sub, err := e.store.Subscribe(e.ctx, q)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q, err)
	}
	e.adopt(s, sub)
	return nil
}

// adopt registers sub as the live subscription of s and starts forwarding its
// events into the loop.
func (e *Engine) adopt(s stream, sub services.Subscription) {
	e.gen++
	h := &handle{stream: s, gen: e.gen, sub: sub}
	e.handles[s] = h
	e.pumps.Add(1)
	go e.forward(h)
	e.log.Debug("subscribed", zap.Stringer("stream", s), zap.Uint64("gen", h.gen))
}

func (e *Engine) release(s stream) {
	h, ok := e.handles[s]
	if !ok {
		return
	}
	delete(e.handles, s)
	h.sub.Stop()
	e.log.Debug("unsubscribed", zap.Stringer("stream", s), zap.Uint64("gen", h.gen))
}

func (e *Engine) forward(h *handle) {
	defer e.pumps.Done()
	for ev := range h.sub.Events() {
		select {
		case e.inbox <- delivery{stream: h.stream, gen: h.gen, ev: ev}:
		case <-e.ctx.Done():
			return
		}
	}
}

// deliver applies one subscription event. It reports whether state changed.
func (e *Engine) deliver(d delivery) bool {
	h, ok := e.handles[d.stream]
	if !ok || h.gen != d.gen {
		e.log.Debug("dropping event from released subscription",
			zap.Stringer("stream", d.stream), zap.Uint64("gen", d.gen))
		return false
	}
	if d.ev.Err != nil {
		e.fail(d.stream, d.ev.Err)
		return true
	}

	snap := d.ev.Snapshot
	switch d.stream {
	case streamOwned:
		e.index.ApplyOwned(snap)
		e.state.Lists.OwnedStatus = StatusReady
		e.syncLists()
	case streamShared:
		e.index.ApplyShared(snap)
		e.state.Lists.SharedStatus = StatusReady
		e.syncLists()
	case streamNotes:
		notes := make([]models.StandaloneNote, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			notes = append(notes, models.StandaloneNoteFromDocument(doc.ID, doc.Fields))
		}
		models.SortStandaloneNotes(notes)
		e.state.Notes = NotesView{Notes: notes, Status: StatusReady}
	case streamFocus:
		notes := make([]models.Note, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			notes = append(notes, models.NoteFromDocument(doc.ID, doc.Fields))
		}
		models.SortNotes(notes)
		e.state.Focus.Notes = notes
		e.state.Focus.Status = StatusReady
		e.state.Focus.Error = ""
	}
	return true
}

// syncLists publishes the index and keeps the focused list current. A focused
// list missing from both loaded sets has been deleted or unshared, so the
// engine goes back to browsing.
func (e *Engine) syncLists() {
	view := e.index.View()
	e.state.Lists.View = view
	if e.state.Lists.OwnedStatus != StatusError && e.state.Lists.SharedStatus != StatusError {
		e.state.Lists.Error = ""
	}

	if e.state.Focus == nil {
		return
	}
	if l, ok := view.Lookup(e.state.Focus.Ref); ok {
		e.state.Focus.List = &l
		return
	}
	if e.state.Lists.Ready() {
		e.log.Info("focused list is gone, returning to browsing", zap.Stringer("list", e.state.Focus.Ref))
		e.browse()
	}
}

// fail handles a terminal subscription error: the subscription is released and
// its view is emptied and marked failed. Nothing is retried here.
func (e *Engine) fail(s stream, err error) {
	e.release(s)
	e.log.Warn("subscription ended with error", zap.Stringer("stream", s), zap.Error(err))
	msg := err.Error()

	switch s {
	case streamOwned:
		e.index.ResetOwned()
		e.state.Lists.OwnedStatus = StatusError
		e.state.Lists.Error = msg
		e.state.Lists.View = e.index.View()
	case streamShared:
		e.index.ResetShared()
		e.state.Lists.SharedStatus = StatusError
		e.state.Lists.Error = msg
		e.state.Lists.View = e.index.View()
	case streamNotes:
		e.state.Notes = NotesView{Status: StatusError, Error: msg}
	case streamFocus:
		if e.state.Focus != nil {
			e.state.Focus.Notes = nil
			e.state.Focus.Status = StatusError
			e.state.Focus.Error = msg
		}
	}
}

func (e *Engine) publish() {
	e.state.Version++
	s := e.state.clone()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = s
	for w := range e.watchers {
		w.offer(s)
	}
}
