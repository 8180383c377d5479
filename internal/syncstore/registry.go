package syncstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
	"golang.org/x/sync/singleflight"
)

// DefaultIdleTimeout is how long an unreferenced view is kept for reuse.
const DefaultIdleTimeout = 5 * time.Minute

// RegistryOptions are applied to every Store a Registry opens.
type RegistryOptions struct {
	Seeds   SeedProvider
	Logger  *slog.Logger
	Metrics Recorder
	Clock   func() time.Time

	// Strategies and Orders override the defaults per collection.
	Strategies map[string]Strategy
	Orders     map[string]record.Order
	Decorators map[string]Decorator

	// IdleTimeout bounds how long a view nobody holds stays open. Zero means
	// DefaultIdleTimeout; a negative value closes views on last release.
	IdleTimeout time.Duration
}

type view struct {
	key   string
	store *Store
	refs  int
	idle  time.Time
	// retired views are no longer handed out and close on last release.
	retired bool
}

// Registry keeps one Store per (collection, filter) view so that servers
// hosting many clients share mirrors instead of opening one per request.
//
// Every Get must be paired with a Release of the returned Store. A view
// whose change subscription was lost is replaced on the next Get.
type Registry struct {
	gw    gateway.Gateway
	opts  RegistryOptions
	group singleflight.Group

	mu      sync.Mutex
	byKey   map[string]*view
	byStore map[*Store]*view
	closed  bool
}

// NewRegistry creates an empty registry over gw.
func NewRegistry(gw gateway.Gateway, opts RegistryOptions) *Registry {
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		gw:      gw,
		opts:    opts,
		byKey:   make(map[string]*view),
		byStore: make(map[*Store]*view),
	}
}

// ViewKey identifies a (collection, filter) view.
func ViewKey(collection string, filter record.Filter) string {
	if len(filter) == 0 {
		return collection
	}
	return collection + "?" + filter.Key()
}

// Get returns the Store for the view, opening it on first use, and takes a
// reference on it. Concurrent callers asking for the same view share a
// single Open.
func (r *Registry) Get(ctx context.Context, collection string, filter record.Filter) (*Store, error) {
	key := ViewKey(collection, filter)

	for attempt := 0; attempt < 3; attempt++ {
		s, err := r.acquire(key, attempt == 0)
		if err != nil || s != nil {
			return s, err
		}

		_, err, _ = r.group.Do(key, func() (any, error) {
			r.mu.Lock()
			_, exists := r.byKey[key]
			r.mu.Unlock()
			if exists {
				return nil, nil
			}

			s, err := Open(ctx, r.gw, r.options(collection, filter))
			if err != nil {
				return nil, err
			}

			r.mu.Lock()
			defer r.mu.Unlock()
			if r.closed {
				s.Close()
				return nil, ErrClosed
			}
			v := &view{key: key, store: s, idle: r.now()}
			r.byKey[key] = v
			r.byStore[s] = v
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: view %s keeps changing", ErrClosed, key)
}

// acquire takes a reference on the registered view for key. With replace
// set, a view whose subscription was lost is retired instead and nil is
// returned so the caller opens a fresh one.
func (r *Registry) acquire(key string, replace bool) (*Store, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	stale := r.sweepLocked()

	v, ok := r.byKey[key]
	var s *Store
	switch {
	case !ok:
	case replace && v.store.Lost():
		r.opts.loggerOrDiscard().Info("replacing view after lost subscription", "view", key)
		delete(r.byKey, key)
		v.retired = true
		if v.refs == 0 {
			delete(r.byStore, v.store)
			stale = append(stale, v.store)
		}
	default:
		v.refs++
		s = v.store
	}
	r.mu.Unlock()

	for _, st := range stale {
		st.Close()
	}
	return s, nil
}

// sweepLocked unregisters views left unreferenced past the idle timeout and
// returns their stores for closing outside the lock.
func (r *Registry) sweepLocked() []*Store {
	if r.opts.IdleTimeout < 0 {
		return nil
	}
	var out []*Store
	now := r.now()
	for key, v := range r.byKey {
		if v.refs > 0 || now.Sub(v.idle) < r.opts.IdleTimeout {
			continue
		}
		delete(r.byKey, key)
		delete(r.byStore, v.store)
		out = append(out, v.store)
	}
	return out
}

// Views returns the keys of every view that Get would hand out.
func (r *Registry) Views() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}

// Release drops a reference taken by Get. An unreferenced view stays open
// for IdleTimeout; a retired one closes immediately.
func (r *Registry) Release(s *Store) {
	if s == nil {
		return
	}
	r.mu.Lock()
	v, ok := r.byStore[s]
	if !ok {
		r.mu.Unlock()
		return
	}
	if v.refs > 0 {
		v.refs--
	}
	closeNow := v.refs == 0 && (v.retired || r.opts.IdleTimeout < 0)
	if closeNow {
		delete(r.byStore, s)
		if !v.retired {
			delete(r.byKey, v.key)
		}
	} else if v.refs == 0 {
		v.idle = r.now()
	}
	r.mu.Unlock()

	if closeNow {
		s.Close()
	}
}

// Close closes every Store, including ones still referenced. Later Get
// calls return ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	stores := r.byStore
	r.byKey = make(map[string]*view)
	r.byStore = make(map[*Store]*view)
	r.mu.Unlock()

	for s := range stores {
		s.Close()
	}
}

func (r *Registry) now() time.Time {
	if r.opts.Clock != nil {
		return r.opts.Clock()
	}
	return time.Now()
}

func (o RegistryOptions) loggerOrDiscard() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (r *Registry) options(collection string, filter record.Filter) Options {
	return Options{
		Collection: collection,
		Filter:     filter,
		Order:      r.opts.Orders[collection],
		Strategy:   r.opts.Strategies[collection],
		Seeds:      r.opts.Seeds,
		Decorate:   r.opts.Decorators[collection],
		Logger:     r.opts.Logger,
		Metrics:    r.opts.Metrics,
		Clock:      r.opts.Clock,
	}
}
