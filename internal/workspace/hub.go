package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/ytakahashi/listsync/internal/models"
	"github.com/ytakahashi/listsync/internal/services"
	"go.uber.org/zap"
)

// DefaultIdleTimeout is how long a workspace nobody holds stays open.
const DefaultIdleTimeout = 5 * time.Minute

type entry struct {
	ws   *Workspace
	refs int
}

// Hub shares one open workspace per user between the requests and streams of
// a long-running server. A workspace held by at least one client never
// expires; once the last client releases it, it is closed after the idle
// timeout unless acquired again.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc
	store  services.Store
	log    *zap.Logger
	idle   time.Duration

	mu            sync.Mutex
	spaces        *ttlcache.Cache[string, *entry]
	stopEvictions func()
	janitor       sync.WaitGroup
}

type HubOption func(*Hub)

func WithIdleTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.idle = d }
}

func NewHub(store services.Store, log *zap.Logger, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		ctx:    ctx,
		cancel: cancel,
		store:  store,
		log:    log,
		idle:   DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.spaces = ttlcache.New[string, *entry](
		ttlcache.WithTTL[string, *entry](h.idle),
		ttlcache.WithDisableTouchOnHit[string, *entry](),
	)
	// Evicted entries are unreachable from Acquire, so nobody holds them.
	h.stopEvictions = h.spaces.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, i *ttlcache.Item[string, *entry]) {
		i.Value().ws.Close()
		h.log.Info("workspace closed", zap.String("uid", i.Key()), zap.Int("reason", int(reason)))
	})

	h.janitor.Add(1)
	go func() {
		defer h.janitor.Done()
		h.spaces.Start()
	}()
	return h
}

// Acquire returns the user's workspace, opening it on first use, together
// with the func that gives it back. A non-empty email in session replaces the
// one the workspace was opened with.
func (h *Hub) Acquire(session models.Session) (*Workspace, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var e *entry
	if item := h.spaces.Get(session.UID); item != nil {
		e = item.Value()
		if session.Email != "" {
			e.ws.refresh(session.Email)
		}
	} else {
		// Drops an expired entry the janitor has not collected yet.
		h.spaces.Delete(session.UID)
		w, err := Open(h.ctx, session, h.store, h.log)
		if err != nil {
			return nil, nil, err
		}
		e = &entry{ws: w}
		h.log.Info("workspace opened", zap.String("uid", session.UID))
	}
	e.refs++
	h.spaces.Set(session.UID, e, ttlcache.NoTTL)

	var once sync.Once
	release := func() {
		once.Do(func() { h.release(session.UID, e) })
	}
	return e.ws, release, nil
}

func (h *Hub) release(uid string, e *entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.refs--
	if e.refs > 0 {
		return
	}
	if item := h.spaces.Get(uid); item != nil && item.Value() == e {
		h.spaces.Set(uid, e, ttlcache.DefaultTTL)
	}
}

// Len reports how many workspaces are open.
func (h *Hub) Len() int {
	return h.spaces.Len()
}

// Close closes every workspace.
func (h *Hub) Close() {
	h.spaces.Stop()
	h.janitor.Wait()

	h.mu.Lock()
	h.spaces.DeleteAll()
	h.mu.Unlock()
	h.stopEvictions()
	h.cancel()
}
