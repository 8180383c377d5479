package syncstore

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
)

// Store is an in-memory, ordered, de-duplicated mirror of one remote
// collection (optionally filtered). It applies its own successful writes
// immediately and reconciles change events pushed by the gateway.
//
// A Store is safe for concurrent use. It is the sole mutator of its snapshot.
type Store struct {
	gw         gateway.Gateway
	collection string
	filter     record.Filter
	order      record.Order
	seeds      SeedProvider
	decorate   Decorator
	logger     *slog.Logger
	metrics    Recorder
	clock      func() time.Time

	mu         sync.Mutex
	records    []record.Record
	err        error
	strategy   Strategy
	live       bool
	lost       bool
	closed     bool
	fetchSeq   uint64
	appliedSeq uint64
	sub        gateway.Subscription
	watchers   map[int]chan struct{}
	nextWatch  int

	cancel context.CancelFunc
	done   chan struct{}
}

// Open constructs a Store: it runs the bulk fetch (installing seed data if
// the fetch fails and seeds exist), then subscribes to change events.
//
// Fetch and subscription failures do not fail Open. The former is exposed
// by Err, the latter by Live. Only invalid options return an error.
func Open(ctx context.Context, gw gateway.Gateway, opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	strategy, _ := ParseStrategy(string(opts.Strategy))

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var metrics Recorder = nopRecorder{}
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Store{
		gw:         gw,
		collection: opts.Collection,
		filter:     opts.Filter,
		order:      opts.Order.OrDefault(),
		seeds:      opts.Seeds,
		decorate:   opts.Decorate,
		logger:     logger.With("collection", opts.Collection),
		metrics:    metrics,
		clock:      clock,
		strategy:   strategy,
		watchers:   make(map[int]chan struct{}),
		done:       make(chan struct{}),
	}

	if err := s.refetch(ctx); err != nil {
		s.installSeeds(ctx)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	sub := s.subscribe(ctx)
	if sub == nil {
		close(s.done)
		return s, nil
	}

	s.mu.Lock()
	s.sub = sub
	s.live = true
	s.mu.Unlock()

	go s.run(loopCtx, sub)
	return s, nil
}

// Collection returns the tracked collection name.
func (s *Store) Collection() string {
	return s.collection
}

// Filter returns a copy of the store's filter.
func (s *Store) Filter() record.Filter {
	if s.filter == nil {
		return nil
	}
	out := make(record.Filter, len(s.filter))
	for k, v := range s.filter {
		out[k] = v
	}
	return out
}

// Strategy returns the strategy in effect, which may have degraded from
// filtered to refetch when the gateway cannot filter subscriptions.
func (s *Store) Strategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// List returns a copy of the current snapshot. It never blocks on the
// gateway and is never nil.
func (s *Store) List() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// Get returns a copy of the record with id, if present.
func (s *Store) Get(id string) (record.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.records[i].Clone(), true
	}
	return record.Record{}, false
}

// Err returns the last fetch failure, or nil when the snapshot reflects a
// successful fetch or installed seed data.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Live reports whether change events are being received.
func (s *Store) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Lost reports whether the store had a change subscription and it ended.
// A lost store is never re-subscribed; its owner replaces it.
func (s *Store) Lost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Watch returns a channel that receives a value whenever the snapshot or
// the store's status changes. Notifications coalesce: a slow reader sees
// one pending signal, not one per change. The channel is closed by cancel
// or by Close.
func (s *Store) Watch() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if w, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(w)
			}
		})
	}
}

// Add inserts payload through the gateway and prepends the persisted record
// unless a change event already delivered it.
func (s *Store) Add(ctx context.Context, payload record.Fields) (record.Record, error) {
	if s.isClosed() {
		return record.Record{}, ErrClosed
	}
	if err := record.ValidatePayload(payload); err != nil {
		return record.Record{}, s.mutationError("insert", "", err)
	}

	start := time.Now()
	rec, err := s.gw.Insert(ctx, s.collection, payload)
	s.metrics.ObserveCall(s.collection, "insert", err, time.Since(start))
	if err != nil {
		return record.Record{}, s.mutationError("insert", "", err)
	}

	decorated := []record.Record{rec.Clone()}
	s.runDecorator(ctx, decorated)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rec, nil
	}
	added := s.indexOf(rec.ID) < 0
	if added {
		s.records = slices.Insert(s.records, 0, decorated[0])
	}
	s.mu.Unlock()

	if added {
		s.changed()
	}
	return decorated[0].Clone(), nil
}

// Update sends a partial update and, on success, merges fields into the
// local record immediately.
func (s *Store) Update(ctx context.Context, id string, fields record.Fields) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := record.ValidatePayload(fields); err != nil {
		return s.mutationError("update", id, err)
	}

	start := time.Now()
	err := s.gw.Update(ctx, s.collection, id, fields)
	s.metrics.ObserveCall(s.collection, "update", err, time.Since(start))
	if err != nil {
		return s.mutationError("update", id, err)
	}

	s.mu.Lock()
	applied := false
	if i := s.indexOf(id); i >= 0 && !s.closed {
		rec := &s.records[i]
		rec.Fields = rec.Fields.Clone().Merge(fields)
		rec.UpdatedAt = s.clock()
		applied = true
	}
	s.mu.Unlock()

	if applied {
		s.changed()
	}
	return nil
}

// Remove deletes id through the gateway and drops it locally on success.
func (s *Store) Remove(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}

	start := time.Now()
	err := s.gw.Delete(ctx, s.collection, id)
	s.metrics.ObserveCall(s.collection, "delete", err, time.Since(start))
	if err != nil {
		return s.mutationError("delete", id, err)
	}

	s.mu.Lock()
	removed := !s.closed && s.removeLocked(id)
	s.mu.Unlock()

	if removed {
		s.changed()
	}
	return nil
}

// Refetch re-runs the bulk fetch and replaces the snapshot wholesale. On
// failure the snapshot is kept and Err reports the failure.
func (s *Store) Refetch(ctx context.Context) error {
	return s.refetch(ctx)
}

// Close unsubscribes, stops reconciliation and closes every Watch channel.
// Gateway calls still in flight complete, but their results are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.live = false
	sub := s.sub
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	<-s.done

	s.mu.Lock()
	for id, w := range s.watchers {
		delete(s.watchers, id)
		close(w)
	}
	s.mu.Unlock()
}

func (s *Store) refetch(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.fetchSeq++
	seq := s.fetchSeq
	s.mu.Unlock()

	start := time.Now()
	recs, err := s.gw.Query(ctx, s.collection, s.filter, s.order)
	s.metrics.ObserveCall(s.collection, "query", err, time.Since(start))
	if err != nil {
		opErr := &OpError{Kind: KindFetchFailure, Collection: s.collection, Op: "query", Err: err}
		s.logger.Error("bulk fetch failed", "op", "query", "error", err)

		s.mu.Lock()
		stale := s.closed || seq <= s.appliedSeq
		if !stale {
			s.err = opErr
		}
		s.mu.Unlock()
		if !stale {
			s.changed()
		}
		return opErr
	}

	recs = dedupe(recs)
	s.runDecorator(ctx, recs)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if seq <= s.appliedSeq {
		s.mu.Unlock()
		s.logger.Debug("discarding superseded fetch", "seq", seq)
		return nil
	}
	s.appliedSeq = seq
	s.records = recs
	s.err = nil
	s.mu.Unlock()

	s.changed()
	return nil
}

func (s *Store) installSeeds(ctx context.Context) {
	if s.seeds == nil {
		return
	}
	seeds, err := s.seeds.Seed(ctx, s.collection)
	if err != nil {
		s.logger.Warn("seed provider failed", "error", err)
		return
	}

	recs := make([]record.Record, 0, len(seeds))
	for _, r := range seeds {
		if s.filter.Matches(r) {
			recs = append(recs, r)
		}
	}
	if len(recs) == 0 {
		return
	}
	record.SortRecords(recs, s.order)
	recs = dedupe(recs)
	s.runDecorator(ctx, recs)

	s.mu.Lock()
	if s.closed || s.appliedSeq > 0 {
		s.mu.Unlock()
		return
	}
	s.records = recs
	s.err = nil
	s.mu.Unlock()

	s.logger.Info("installed seed records after fetch failure", "count", len(recs))
	s.changed()
}

func (s *Store) subscribe(ctx context.Context) gateway.Subscription {
	filter := s.filter
	if s.strategy == StrategyRefetch {
		filter = nil
	}

	sub, err := s.gw.Subscribe(ctx, s.collection, filter)
	if errors.Is(err, gateway.ErrFilterUnsupported) && len(filter) > 0 {
		s.logger.Warn("gateway cannot filter subscriptions, refetching on every event")
		s.mu.Lock()
		s.strategy = StrategyRefetch
		s.mu.Unlock()
		sub, err = s.gw.Subscribe(ctx, s.collection, nil)
	}
	if err != nil {
		opErr := &OpError{Kind: KindSubscriptionUnavailable, Collection: s.collection, Op: "subscribe", Err: err}
		s.logger.Warn("live updates unavailable, continuing fetch-only", "error", opErr)
		return nil
	}
	return sub
}

func (s *Store) run(ctx context.Context, sub gateway.Subscription) {
	defer close(s.done)

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.subscriptionLost()
				return
			}
			if s.Strategy() == StrategyRefetch {
				open := drain(events)
				s.metrics.ObserveEvent(s.collection, ev.Kind, true)
				_ = s.refetch(ctx)
				if !open {
					s.subscriptionLost()
					return
				}
				continue
			}
			s.apply(ctx, ev)
		}
	}
}

func (s *Store) subscriptionLost() {
	s.mu.Lock()
	closed := s.closed
	s.live = false
	s.lost = true
	s.mu.Unlock()
	if closed {
		return
	}
	s.logger.Warn("change subscription lost; snapshot will no longer receive live updates")
	s.changed()
}

// apply reconciles one change event. Every branch is idempotent per id so
// duplicated or reordered delivery cannot corrupt the snapshot.
func (s *Store) apply(ctx context.Context, ev record.ChangeEvent) {
	if !ev.Valid() || (ev.Collection != "" && ev.Collection != s.collection) {
		s.logger.Debug("ignoring change event", "kind", ev.Kind, "event_collection", ev.Collection)
		s.metrics.ObserveEvent(s.collection, ev.Kind, false)
		return
	}

	var applied bool
	switch ev.Kind {
	case record.EventInsert:
		if !s.filter.Matches(*ev.Record) {
			break
		}
		if _, present := s.Get(ev.Record.ID); present {
			break
		}
		recs := []record.Record{ev.Record.Clone()}
		s.runDecorator(ctx, recs)

		s.mu.Lock()
		if !s.closed && s.indexOf(recs[0].ID) < 0 {
			s.records = slices.Insert(s.records, 0, recs[0])
			applied = true
		}
		s.mu.Unlock()

	case record.EventUpdate:
		s.mu.Lock()
		if i := s.indexOf(ev.Record.ID); i >= 0 && !s.closed {
			if s.filter.Matches(*ev.Record) {
				next := ev.Record.Clone()
				next.Local = s.records[i].Local
				s.records[i] = next
			} else {
				s.records = slices.Delete(s.records, i, i+1)
			}
			applied = true
		}
		s.mu.Unlock()

	case record.EventDelete:
		s.mu.Lock()
		applied = !s.closed && s.removeLocked(ev.TargetID())
		s.mu.Unlock()
	}

	s.metrics.ObserveEvent(s.collection, ev.Kind, applied)
	if applied {
		s.changed()
	}
}

func (s *Store) runDecorator(ctx context.Context, recs []record.Record) {
	if s.decorate == nil || len(recs) == 0 {
		return
	}
	if err := s.decorate(ctx, recs); err != nil {
		s.logger.Warn("decorating records failed", "count", len(recs), "error", err)
	}
}

func (s *Store) mutationError(op, id string, err error) error {
	s.logger.Error("gateway mutation failed", "op", op, "id", id, "error", err)
	return &OpError{Kind: KindMutationFailure, Collection: s.collection, Op: op, ID: id, Err: err}
}

// changed publishes the snapshot size and wakes every watcher.
func (s *Store) changed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.SetSnapshotSize(s.collection, len(s.records))
	for _, w := range s.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// indexOf requires s.mu.
func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.records, func(r record.Record) bool { return r.ID == id })
}

// removeLocked requires s.mu.
func (s *Store) removeLocked(id string) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.records = slices.Delete(s.records, i, i+1)
	return true
}

// drain discards events already queued behind the one being handled so a
// burst triggers a single refetch. It reports false if the stream closed.
func drain(events <-chan record.ChangeEvent) bool {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

// dedupe returns cloned records keeping the first occurrence of each id.
func dedupe(recs []record.Record) []record.Record {
	seen := make(map[string]struct{}, len(recs))
	out := make([]record.Record, 0, len(recs))
	for _, r := range recs {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r.Clone())
	}
	return out
}
