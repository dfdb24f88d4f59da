package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coedit/coedit/internal/store"
)

const (
	DefaultFlushInterval    = 30 * time.Second
	DefaultRetiredCacheSize = 128
)

type RegistryConfig struct {
	Coordinator      Config
	Store            store.SnapshotStore
	FlushInterval    time.Duration
	RetiredCacheSize int
}

// Registry maps documentID -> live coordinator, with explicit
// creation and teardown. Each entry serializes independently; there
// is never a lock held across all documents while editing.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Coordinator
	retired  *lru.Cache[string, Snapshot]
	cfg      RegistryConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.RetiredCacheSize <= 0 {
		cfg.RetiredCacheSize = DefaultRetiredCacheSize
	}
	retired, _ := lru.New[string, Snapshot](cfg.RetiredCacheSize)
	r := &Registry{
		sessions: make(map[string]*Coordinator),
		retired:  retired,
		cfg:      cfg,
		quit:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// Open returns the live coordinator for docID, creating one if
// needed: seeded from the retired cache when the session closed
// recently, otherwise from the snapshot store, otherwise empty at
// revision 0.
func (r *Registry) Open(ctx context.Context, docID string) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.sessions[docID]; ok {
		return c, nil
	}

	seed, ok := r.retired.Get(docID)
	if !ok {
		snap, err := r.cfg.Store.Load(ctx, docID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			seed = Snapshot{}
		case err != nil:
			return nil, err
		default:
			seed = Snapshot{Content: snap.Content, Revision: snap.Revision}
		}
	}

	cfg := r.cfg.Coordinator
	cfg.OnIdle = r.onIdle(cfg.OnIdle)
	c := New(docID, seed, cfg)
	r.sessions[docID] = c
	return c, nil
}

// Get returns the live coordinator or ErrSessionNotFound; it never
// creates one. Callers holding no session must re-join via Open.
func (r *Registry) Get(docID string) (*Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.sessions[docID]; ok {
		return c, nil
	}
	return nil, ErrSessionNotFound
}

// onIdle retires a session whose last participant left: the handle
// is dropped, the final snapshot parked for quick rejoin and flushed
// to the store off the coordinator loop.
func (r *Registry) onIdle(next IdleFunc) IdleFunc {
	return func(docID string, final Snapshot) {
		r.mu.Lock()
		c, ok := r.sessions[docID]
		if ok {
			delete(r.sessions, docID)
			r.retired.Add(docID, final)
		}
		r.mu.Unlock()

		if ok {
			go func() {
				c.Stop()
				r.flush(docID, final)
			}()
		}
		if next != nil {
			next(docID, final)
		}
	}
}

func (r *Registry) flush(docID string, snap Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := r.cfg.Store.Save(ctx, store.Snapshot{
		DocID:    docID,
		Content:  snap.Content,
		Revision: snap.Revision,
		SavedAt:  time.Now(),
	})
	if err != nil {
		log.Printf("registry: flush %s: %v", docID, err)
	}
}

// flushLoop periodically snapshots every live session for
// durability, outside the editing hot path.
func (r *Registry) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flushAll()
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) flushAll() {
	r.mu.Lock()
	live := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		live = append(live, c)
	}
	r.mu.Unlock()

	for _, c := range live {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snap, err := c.Snapshot(ctx)
		cancel()
		if err != nil {
			continue
		}
		r.flush(c.DocID(), snap)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops the flush loop and every live session, flushing each
// final snapshot.
func (r *Registry) Close() {
	close(r.quit)
	r.wg.Wait()

	r.mu.Lock()
	live := make(map[string]*Coordinator, len(r.sessions))
	for id, c := range r.sessions {
		live[id] = c
	}
	r.sessions = make(map[string]*Coordinator)
	r.mu.Unlock()

	for id, c := range live {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snap, err := c.Snapshot(ctx)
		cancel()
		c.Stop()
		if err == nil {
			r.flush(id, snap)
		}
	}
}
