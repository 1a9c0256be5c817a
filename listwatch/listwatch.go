// Package listwatch turns an OADA list resource into a reactive stream of
// per-item Added/Changed/Removed events, backed by the store's native
// change feed rather than polling (spec §1-§2).
//
// Construction is two phases. New opens the list and its change feed but
// dispatches nothing. Register listeners with On/OnSeq, then call Start to
// run the initial snapshot pass and launch the goroutine that drives itself
// from then on: it folds each incoming change batch into a change tree,
// runs the items selector over it, classifies what happened to each
// matched pointer, and dispatches the result to registered listeners —
// synchronously, so a listener is always fully handled (or has failed)
// before the resume cursor advances past its batch (spec §4.1, invariant 1).
package listwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/oadalist/idgen"
	"github.com/hazyhaar/oadalist/listwatch/internal/changetree"
	"github.com/hazyhaar/oadalist/listwatch/internal/emitter"
	"github.com/hazyhaar/oadalist/listwatch/internal/metadata"
	"github.com/hazyhaar/oadalist/listwatch/internal/selector"
	"github.com/hazyhaar/oadalist/oadaclient"
)

// ListWatch watches one list resource. Zero value is not usable; construct
// with New.
type ListWatch struct {
	id     string
	path   string
	conn   oadaclient.Conn
	items  selector.Selector
	name   string
	resume bool

	assertItem func(json.RawMessage) error
	logger     *slog.Logger
	idGen      idgen.Generator

	meta *metadata.Manager // nil when resume is disabled
	bus  *emitter.Bus[EventKind, *Event]

	ch          <-chan oadaclient.ChangeBatch
	snapshot    json.RawMessage
	snapshotRev int64

	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}
	running atomic.Bool // set once Start actually launches run's goroutine
	started sync.Once
	stopped sync.Once

	batches        int64
	added          int64
	changed        int64
	removed        int64
	listenerErrors int64
	rev            int64
}

// Stats is a point-in-time snapshot of a ListWatch's activity counters.
type Stats struct {
	Rev              int64
	BatchesProcessed int64
	ItemsAdded       int64
	ItemsChanged     int64
	ItemsRemoved     int64
	ListenerErrors   int64
}

// New constructs a ListWatch against path over conn, running steps 1-3 of
// the initialization protocol from spec §4.1 synchronously: it ensures the
// list exists, loads or creates resume metadata, and opens the change
// feed. It does not yet dispatch anything — call Start once listeners are
// registered (spec §4.1 steps 4-5 run from there). This mirrors
// watch.New/OnChange's split in the teacher: construction and "start
// producing events" are separate calls, so a caller can never lose an
// event to a race between construction and its own On/OnSeq calls.
// ctx bounds only this setup; the watch's own lifetime runs until Stop is
// called, independent of ctx.
func New(ctx context.Context, path string, conn oadaclient.Conn, opts ...Option) (*ListWatch, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	sel, err := selector.Compile(o.itemsPath)
	if err != nil {
		return nil, fmt.Errorf("listwatch: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	lw := &ListWatch{
		id:         idgen.Prefixed("lw_", idgen.Default)(),
		path:       path,
		conn:       conn,
		items:      sel,
		name:       o.name,
		resume:     o.resume,
		assertItem: o.assertItem,
		logger:     o.logger,
		idGen:      o.idGen,
		bus:        emitter.New[EventKind, *Event](),
		ctx:        runCtx,
		cancel:     cancel,
		runDone:    make(chan struct{}),
	}

	if err := lw.construct(ctx, o); err != nil {
		cancel()
		return nil, err
	}
	return lw, nil
}

// construct implements steps 1-3 of spec §4.1's initialization protocol and
// keeps the list body fetched here as the snapshot Start uses for step 4.
func (lw *ListWatch) construct(ctx context.Context, o *options) error {
	head, err := lw.conn.Head(ctx, lw.path)
	if err != nil {
		return fmt.Errorf("listwatch: head %s: %w", lw.path, err)
	}
	switch head.Status {
	case http.StatusOK:
		// already exists, nothing to materialize
	case http.StatusForbidden, http.StatusNotFound:
		empty, _ := json.Marshal(map[string]any{})
		if _, err := lw.conn.Put(ctx, lw.path, empty, o.tree); err != nil {
			return fmt.Errorf("listwatch: materialize %s: %w", lw.path, err)
		}
	default:
		return fmt.Errorf("listwatch: head %s: unexpected status %d", lw.path, head.Status)
	}

	get, err := lw.conn.Get(ctx, lw.path, nil)
	if err != nil {
		return fmt.Errorf("listwatch: get %s: %w", lw.path, err)
	}
	currentRev := headerRev(get.Headers)

	existed := false
	startRev := int64(0)
	if lw.resume {
		lw.meta = metadata.New(lw.conn, lw.path, lw.name, o.persistInterval, lw.logger)
		existed, err = lw.meta.Init(ctx, o.onNewList, currentRev)
		if err != nil {
			return fmt.Errorf("listwatch: init metadata: %w", err)
		}
		startRev = lw.meta.Rev()
	} else {
		startRev = currentRev
	}

	ch, err := lw.conn.Watch(lw.ctx, lw.path, startRev)
	if err != nil {
		return fmt.Errorf("listwatch: watch %s: %w", lw.path, err)
	}

	lw.ch = ch
	if !existed && o.onNewList == metadata.OnNewListNew {
		lw.snapshot = get.Data
		lw.snapshotRev = currentRev
	}
	return nil
}

// Start begins dispatching: it runs the initial "existing items" snapshot
// pass (if one is pending) and launches the goroutine that consumes the
// change feed for the rest of the watch's lifetime (spec §4.1 steps 4-5).
// Register every listener you need before calling Start — events are
// never buffered or replayed for a listener registered afterward. Calling
// Start more than once has no additional effect.
func (lw *ListWatch) Start() {
	lw.started.Do(func() {
		if lw.meta != nil {
			lw.meta.Start(lw.ctx)
		}
		lw.running.Store(true)
		go lw.run(lw.ch, lw.snapshot, lw.snapshotRev)
	})
}

// headerRev extracts the store's X-OADA-Rev response header, defaulting to
// 0 when absent (a list with no writes since creation).
func headerRev(headers map[string]string) int64 {
	v, ok := headers[http.CanonicalHeaderKey("X-OADA-Rev")]
	if !ok {
		return 0
	}
	var rev int64
	fmt.Sscanf(v, "%d", &rev)
	return rev
}

// emitInitialSnapshot treats the list's current body as a Tree with no
// sidecar changes, so classify's ordinary rules produce exactly one
// ItemAdded per matched pointer carrying an _id link, and nothing for
// pointers that don't (spec §4.1 step 4).
func (lw *ListWatch) emitInitialSnapshot(rootBody json.RawMessage, rev int64) error {
	var root any
	if err := json.Unmarshal(rootBody, &root); err != nil {
		return err
	}
	tree := &changetree.Tree{Rev: rev, Root: root}
	matches, err := lw.items.Match(tree)
	if err != nil {
		return err
	}
	for _, m := range matches {
		lw.classify(tree, m)
	}
	return nil
}

// run is the single goroutine driving batch -> tree -> selector ->
// classifier -> emitter -> metadata for the lifetime of the watch. If
// snapshot is non-nil it is processed first, announcing every
// currently-existing matched item as ItemAdded (spec §4.1 step 4).
func (lw *ListWatch) run(ch <-chan oadaclient.ChangeBatch, snapshot json.RawMessage, snapshotRev int64) {
	defer close(lw.runDone)

	if snapshot != nil {
		if err := lw.emitInitialSnapshot(snapshot, snapshotRev); err != nil {
			lw.fatal(fmt.Errorf("listwatch: initial snapshot: %w", err))
			lw.cancel()
			return
		}
	}

	for {
		select {
		case <-lw.ctx.Done():
			return
		case batch, ok := <-ch:
			if !ok {
				if lw.ctx.Err() == nil {
					lw.fatal(&ErrChangeFeedTerminated{})
					lw.cancel()
				}
				return
			}
			if isListDeleted(batch) {
				lw.fatal(ErrListDeleted)
				lw.cancel()
				return
			}
			if err := lw.processBatch(batch); err != nil {
				lw.fatal(err)
				lw.cancel()
				return
			}
		}
	}
}

// isListDeleted reports whether batch is the terminal "list itself was
// deleted" change (spec §4.6): a root delete of "" carrying a null body.
func isListDeleted(batch oadaclient.ChangeBatch) bool {
	if batch.Root.Type != oadaclient.ChangeTypeDelete {
		return false
	}
	return len(batch.Root.Body) == 0 || string(batch.Root.Body) == "null"
}

// processBatch folds one change batch and dispatches whatever it
// classifies to. A batch at or before the already-recorded rev is
// discarded before it reaches the tree builder — invariant 6 (resume
// idempotence) must hold even if a reconnecting Conn ever redelivers a
// batch the cursor has already advanced past.
func (lw *ListWatch) processBatch(batch oadaclient.ChangeBatch) error {
	if lw.meta != nil && batch.Rev <= lw.meta.Rev() {
		lw.logger.Debug("listwatch: discarding stale batch", "rev", batch.Rev, "recorded_rev", lw.meta.Rev())
		return nil
	}

	tree, err := changetree.Build(batch)
	if err != nil {
		return err
	}
	matches, err := lw.items.Match(tree)
	if err != nil {
		return err
	}
	for _, m := range matches {
		lw.classify(tree, m)
	}
	atomic.AddInt64(&lw.batches, 1)
	atomic.StoreInt64(&lw.rev, batch.Rev)
	if lw.meta != nil {
		lw.meta.SetRev(batch.Rev)
	}
	return nil
}

// fatal delivers a terminal EventError to any error listeners and logs the
// failure. The watch does not recover from a fatal condition; the caller
// must construct a new ListWatch to resume (resume state on disk lets it
// pick up where this one left off).
func (lw *ListWatch) fatal(err error) {
	evt := &Event{Kind: EventError, Err: err}
	lw.bus.Emit(lw.ctx, EventError, evt, func(id string, lerr error) {
		lw.logger.Warn("listwatch: error listener itself failed", "listener", id, "error", lerr)
	})
	lw.logger.Error("listwatch: watch terminated", "id", lw.id, "path", lw.path, "error", err)
}

func (lw *ListWatch) itemFetcher(pointer string) itemFetcher {
	return func(ctx context.Context) (json.RawMessage, error) {
		get, err := lw.conn.Get(ctx, lw.path+pointer, nil)
		if err != nil {
			return nil, fmt.Errorf("listwatch: get item %s: %w", pointer, err)
		}
		if lw.assertItem != nil {
			if err := lw.assertItem(get.Data); err != nil {
				return nil, &ErrItemAssertionFailed{Pointer: pointer, Cause: err}
			}
		}
		return get.Data, nil
	}
}

func (lw *ListWatch) recordStat(kind EventKind) {
	switch kind {
	case ItemAdded:
		atomic.AddInt64(&lw.added, 1)
	case ItemChanged:
		atomic.AddInt64(&lw.changed, 1)
	case ItemRemoved:
		atomic.AddInt64(&lw.removed, 1)
	}
}

func (lw *ListWatch) recordListenerError() {
	atomic.AddInt64(&lw.listenerErrors, 1)
}

// ID returns the identifier minted for this ListWatch instance, useful for
// correlating its log lines across a process running several watches.
func (lw *ListWatch) ID() string { return lw.id }

// Path returns the watched list's path.
func (lw *ListWatch) Path() string { return lw.path }

// Stats returns a snapshot of this watch's activity counters.
func (lw *ListWatch) Stats() Stats {
	return Stats{
		Rev:              atomic.LoadInt64(&lw.rev),
		BatchesProcessed: atomic.LoadInt64(&lw.batches),
		ItemsAdded:       atomic.LoadInt64(&lw.added),
		ItemsChanged:     atomic.LoadInt64(&lw.changed),
		ItemsRemoved:     atomic.LoadInt64(&lw.removed),
		ListenerErrors:   atomic.LoadInt64(&lw.listenerErrors),
	}
}

// On registers cb for kind, invoked synchronously and in registration
// order on the watch's single processing goroutine. Returns a
// subscription id usable with Off.
func (lw *ListWatch) On(kind EventKind, cb func(context.Context, *Event) error) string {
	id := lw.idGen()
	lw.bus.On(id, kind, false, cb)
	return id
}

// Once registers cb for kind; it is invoked at most once and then
// automatically unregistered.
func (lw *ListWatch) Once(kind EventKind, cb func(context.Context, *Event) error) string {
	id := lw.idGen()
	lw.bus.On(id, kind, true, cb)
	return id
}

// OnSeq registers an async-sequence listener for kind: events of that kind
// are sent on the returned channel instead of invoking a callback. The
// channel is unbuffered, so a slow consumer applies backpressure all the
// way back into the watch's processing goroutine.
func (lw *ListWatch) OnSeq(kind EventKind) (id string, events <-chan *Event) {
	id = lw.idGen()
	return id, lw.bus.OnSeq(id, kind, false)
}

// OnceSeq is OnSeq for a channel that closes itself after its first event.
func (lw *ListWatch) OnceSeq(kind EventKind) (id string, events <-chan *Event) {
	id = lw.idGen()
	return id, lw.bus.OnSeq(id, kind, true)
}

// Off unregisters a listener previously returned by On, Once, OnSeq, or
// OnceSeq, closing its channel if it has one.
func (lw *ListWatch) Off(id string) { lw.bus.Off(id) }

// WaitUntil blocks until the resume cursor has advanced to at least rev, ctx
// is done, or the watch itself stops first — in which case it returns
// ErrStopped rather than a bare context error, since the caller's ctx is
// still live. It requires resume to be enabled.
func (lw *ListWatch) WaitUntil(ctx context.Context, rev int64) error {
	if lw.meta == nil {
		return fmt.Errorf("listwatch: WaitUntil requires WithResume(true)")
	}

	merged, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lw.ctx.Done():
			cancel()
		case <-merged.Done():
		}
	}()

	if err := lw.meta.WaitUntil(merged, rev); err != nil {
		if lw.ctx.Err() != nil && ctx.Err() == nil {
			return ErrStopped
		}
		return err
	}
	return nil
}

// Stop halts the watch's processing goroutine, closes every registered
// listener's channel, and — if resume is enabled — flushes a dirty resume
// cursor one last time. Concurrent and repeated calls collapse to a single
// teardown; all callers return once it completes.
func (lw *ListWatch) Stop(ctx context.Context) error {
	var err error
	lw.stopped.Do(func() {
		lw.cancel()
		if lw.running.Load() {
			<-lw.runDone
		}
		lw.bus.Close()
		// The metadata loop only runs once Start has launched it; an
		// unstarted watch has never moved its cursor, so there is nothing
		// to flush and no loop to wait for.
		if lw.meta != nil && lw.running.Load() {
			err = lw.meta.Stop(ctx)
		}
	})
	return err
}
