package listwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hazyhaar/oadalist/oadaclient"
)

// EventKind is the closed set of events a ListWatch emits (spec §4.1).
type EventKind int

const (
	ItemAdded EventKind = iota
	ItemChanged
	ItemRemoved
	// ItemAny fires for every ItemAdded and ItemChanged (never
	// ItemRemoved) as a convenience aggregate, in that order.
	ItemAny
	// EventError surfaces an internal failure of the change feed itself.
	// It fires at most once per ListWatch and is fatal to the watch.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case ItemAdded:
		return "ItemAdded"
	case ItemChanged:
		return "ItemChanged"
	case ItemRemoved:
		return "ItemRemoved"
	case ItemAny:
		return "ItemAny"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ItemChange carries the extra fields ItemEvent gains for a Changed event
// (spec §3, ItemChange entity): the item's own rev, and the raw sub-change
// re-rooted so its Path is relative to the item rather than the list.
type ItemChange struct {
	Rev    int64
	Change oadaclient.Change
}

// itemFetcher performs the lazy GET behind Event.Item, exactly once,
// memoized per Event instance (spec §4.4 "not across events" — a fresh
// Event is built per matched pointer per batch, so there is nothing to
// share across events by construction).
type itemFetcher func(ctx context.Context) (json.RawMessage, error)

// Event is the payload delivered to listeners. Kind reflects the event's
// true classification (ItemAdded or ItemChanged) even when delivered
// through the ItemAny aggregate — ItemAny controls which registrations
// receive the event, not what the event reports about itself.
type Event struct {
	Kind    EventKind
	ListRev int64
	Pointer string

	// Change is populated only when Kind == ItemChanged.
	Change *ItemChange

	// Err is populated only when Kind == EventError.
	Err error

	fetch    itemFetcher
	fetchMu  sync.Mutex
	fetched  bool
	item     json.RawMessage
	itemErr  error
}

// Item performs the lazy GET at <list-path>/<pointer> the first time it is
// called for this Event, running AssertItem on the result, and returns the
// cached outcome on subsequent calls. If no listener ever calls Item, no
// GET occurs (spec invariant 5, "lazy item fidelity").
func (e *Event) Item(ctx context.Context) (json.RawMessage, error) {
	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()
	if e.fetched {
		return e.item, e.itemErr
	}
	e.fetched = true
	if e.fetch == nil {
		e.itemErr = fmt.Errorf("listwatch: no item fetch available for %s event", e.Kind)
		return nil, e.itemErr
	}
	e.item, e.itemErr = e.fetch(ctx)
	return e.item, e.itemErr
}
