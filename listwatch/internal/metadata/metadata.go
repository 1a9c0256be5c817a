// Package metadata owns the resume cursor and per-pointer error log a
// ListWatch persists under <list>/_meta/oada-list-lib/<name> (spec §4.5).
//
// Design Note (spec §9): "persistent cursor using fire-and-forget writes"
// is redesigned as the small state machine described there — Clean,
// Dirty(rev), Writing(rev), back to Clean or a newer Dirty(rev') — debounced
// by persistInterval, with an explicit Stop() flush. Grounded on
// watch.Watcher's debounce-timer loop and trace.RemoteStore's periodic
// flush of a batched channel (both hazyhaar/chrc), generalized from
// "batch of trace entries" / "SQLite version token" to "single rev int64".
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/oadalist/oadaclient"
)

// OnNewList controls what the recorded rev is initialized to when no prior
// metadata exists (spec §4.1 / Open Question in §9, resolved so that
// "Handled" seeds the rev from the X-OADA-Rev of the list's initial fetch).
type OnNewList int

const (
	// OnNewListNew starts the recorded rev at 0: every currently-existing
	// item will be re-announced as ItemAdded by the coordinator's initial
	// snapshot pass.
	OnNewListNew OnNewList = iota
	// OnNewListHandled starts the recorded rev at the list's current rev,
	// treating pre-existing items as already handled by the caller.
	OnNewListHandled
)

// state is the writer's internal Clean/Dirty/Writing state machine.
type state int

const (
	stateClean state = iota
	stateDirty
	stateWriting
)

// doc is the wire shape of the metadata resource.
type doc struct {
	Rev    int64                        `json:"rev"`
	Errors map[string]map[string]string `json:"errors,omitempty"`
}

// Manager owns the resume cursor for exactly one ListWatch. Two ListWatch
// instances over the same list must use distinct names (spec §5, shared
// resource policy) — nothing here enforces that; it is a caller contract.
type Manager struct {
	conn            oadaclient.Conn
	listPath        string
	name            string
	persistInterval time.Duration
	logger          *slog.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	rev   int64
	state state

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Path returns the metadata resource's absolute path.
func Path(listPath, name string) string {
	return listPath + "/_meta/oada-list-lib/" + name
}

// New creates a Manager. Call Init before Start.
func New(conn oadaclient.Conn, listPath, name string, persistInterval time.Duration, logger *slog.Logger) *Manager {
	if persistInterval <= 0 {
		persistInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		conn:            conn,
		listPath:        listPath,
		name:            name,
		persistInterval: persistInterval,
		logger:          logger,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Init loads existing metadata or creates it. It returns existed=true if a
// prior metadata document was found, so the coordinator can decide whether
// to run the initial "starting items" snapshot pass (spec §4.1 step 4).
func (m *Manager) Init(ctx context.Context, onNewList OnNewList, currentListRev int64) (existed bool, err error) {
	path := Path(m.listPath, m.name)

	head, err := m.conn.Head(ctx, path)
	if err != nil {
		return false, fmt.Errorf("metadata: head %s: %w", path, err)
	}
	if head.Status == 200 {
		get, err := m.conn.Get(ctx, path, nil)
		if err != nil {
			return false, fmt.Errorf("metadata: get %s: %w", path, err)
		}
		var d doc
		if err := json.Unmarshal(get.Data, &d); err != nil {
			return false, fmt.Errorf("metadata: decode %s: %w", path, err)
		}
		m.mu.Lock()
		m.rev = d.Rev
		m.mu.Unlock()
		return true, nil
	}

	// Not present: create the resource, link it under _meta, seed rev.
	empty, _ := json.Marshal(doc{Rev: 0})
	created, err := m.conn.Post(ctx, "/resources", empty, "application/json")
	if err != nil {
		return false, fmt.Errorf("metadata: create resource: %w", err)
	}
	link, _ := json.Marshal(map[string]string{"_id": created.ID})
	if _, err := m.conn.Put(ctx, path, link, nil); err != nil {
		return false, fmt.Errorf("metadata: link %s: %w", path, err)
	}

	initial := int64(0)
	if onNewList == OnNewListHandled {
		initial = currentListRev
	}
	m.mu.Lock()
	m.rev = initial
	m.mu.Unlock()

	if initial != 0 {
		if err := m.flush(ctx); err != nil {
			m.logger.Warn("metadata: initial rev flush failed", "path", path, "error", err)
		}
	}
	return false, nil
}

// Rev returns the last rev recorded (persisted or pending persistence).
func (m *Manager) Rev() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rev
}

// SetRev advances the resume cursor and marks it dirty for the next
// debounce tick. Panics if rev < current rev — cursor monotonicity
// (invariant 1) is a caller contract enforced defensively here because a
// regression would silently violate resume idempotence (invariant 6).
func (m *Manager) SetRev(rev int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rev < m.rev {
		panic(fmt.Sprintf("metadata: rev must be non-decreasing: have %d, got %d", m.rev, rev))
	}
	if rev == m.rev {
		return
	}
	m.rev = rev
	if m.state == stateClean {
		m.state = stateDirty
	}
	m.cond.Broadcast()
}

// WaitUntil blocks until the recorded rev is >= target or ctx is done.
// Grounded on watch.Watcher.WaitForVersion (hazyhaar/chrc).
func (m *Manager) WaitUntil(ctx context.Context, target int64) error {
	if m.Rev() >= target {
		return nil
	}
	done := ctx.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.rev < target {
		ch := make(chan struct{})
		go func() {
			select {
			case <-done:
				m.cond.Broadcast()
			case <-ch:
			}
		}()
		m.cond.Wait()
		close(ch)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Start runs the debounced writer loop until Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			dirty := m.state == stateDirty
			m.mu.Unlock()
			if !dirty {
				continue
			}
			if err := m.flush(ctx); err != nil {
				m.logger.Warn("metadata: rev flush failed, will retry", "error", err)
			}
		}
	}
}

// flush writes the current rev to the store. On failure the state stays
// (or returns to) Dirty so the next tick retries — spec §7, "transient
// transport error on metadata write... non-fatal".
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	rev := m.rev
	m.state = stateWriting
	m.mu.Unlock()

	body, _ := json.Marshal(doc{Rev: rev})
	_, err := m.conn.Put(ctx, Path(m.listPath, m.name), body, nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if m.state == stateWriting {
			m.state = stateDirty
		}
		return err
	}
	// A newer SetRev may have arrived while writing; only relax to Clean
	// if nothing has moved the cursor further since flush started.
	if m.state == stateWriting {
		if m.rev != rev {
			m.state = stateDirty
		} else {
			m.state = stateClean
		}
	}
	return nil
}

// SetErrored records a listener error for pointer at listRev, via a single
// deep-merge PUT (spec §4.5). The PUT is synchronous; the coordinator
// calls this and moves on regardless of its outcome, logging failures
// itself, so a failed write never holds the cursor back.
func (m *Manager) SetErrored(ctx context.Context, pointer string, listRev int64, cause error) error {
	body, _ := json.Marshal(map[string]any{
		"errors": map[string]any{
			pointer: map[string]string{
				fmt.Sprintf("%d", listRev): cause.Error(),
			},
		},
	})
	_, err := m.conn.Put(ctx, Path(m.listPath, m.name), body, nil)
	if err != nil {
		return fmt.Errorf("metadata: set errored %s@%d: %w", pointer, listRev, err)
	}
	return nil
}

// Stop aborts the debounce loop, performs one final flush if dirty, and
// waits for the loop goroutine to exit.
func (m *Manager) Stop(ctx context.Context) error {
	var flushErr error
	m.once.Do(func() {
		close(m.stopCh)
		<-m.doneCh
		m.mu.Lock()
		dirty := m.state != stateClean
		m.mu.Unlock()
		if dirty {
			flushErr = m.flush(ctx)
		}
	})
	return flushErr
}
