package listwatch

import (
	"encoding/json"
	"strings"

	"github.com/hazyhaar/oadalist/listwatch/internal/changetree"
	"github.com/hazyhaar/oadalist/listwatch/internal/selector"
)

// classify applies the event classification table from spec §4.4 to one
// matched pointer and dispatches whatever events it produces. The three
// cases are mutually exclusive by construction: a pointer's sidecar is
// either empty or not, and a value is either Absent or not, so a single
// matched pointer never yields both an ItemAdded and an ItemRemoved, and
// only yields ItemChanged when its sidecar actually holds tagged changes.
func (lw *ListWatch) classify(tree *changetree.Tree, m selector.Match) {
	changes := tree.ChangesAt(m.Pointer)

	switch {
	case m.Value == changetree.Absent:
		lw.dispatchItem(ItemRemoved, m.Pointer, tree.Rev, nil)

	case len(changes) == 0:
		if !hasIDLink(m.Value) {
			return
		}
		lw.dispatchItem(ItemAdded, m.Pointer, tree.Rev, nil)

	default:
		for _, c := range changes {
			ic := &ItemChange{
				Rev:    extractRev(c.Body),
				Change: c,
			}
			ic.Change.Path = strings.TrimPrefix(c.Path, m.Pointer)
			lw.dispatchItem(ItemChanged, m.Pointer, tree.Rev, ic)
		}
	}
}

// hasIDLink reports whether v is a link object carrying a non-empty _id,
// the shape a freshly-added list item takes (spec §4.4).
func hasIDLink(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	id, ok := m["_id"].(string)
	return ok && id != ""
}

type revBody struct {
	Meta *struct {
		Rev *int64 `json:"_rev"`
	} `json:"_meta"`
	Rev int64 `json:"_rev"`
}

// extractRev reads a change's own rev, preferring _meta._rev over a
// top-level _rev (spec §3, ItemChange.Rev). A pointer distinguishes
// "_meta._rev is present and 0" from "_meta carries no _rev key at all",
// which the zero value alone cannot.
func extractRev(body json.RawMessage) int64 {
	var rb revBody
	_ = json.Unmarshal(body, &rb)
	if rb.Meta != nil && rb.Meta.Rev != nil {
		return *rb.Meta.Rev
	}
	return rb.Rev
}

// dispatchItem builds the Event for one classified item occurrence and
// emits it under kind, then again under ItemAny for ItemAdded and
// ItemChanged (never ItemRemoved) — spec §4.4's aggregate mirroring rule.
func (lw *ListWatch) dispatchItem(kind EventKind, pointer string, listRev int64, change *ItemChange) {
	evt := &Event{
		Kind:    kind,
		ListRev: listRev,
		Pointer: pointer,
		Change:  change,
		fetch:   lw.itemFetcher(pointer),
	}
	lw.recordStat(kind)
	lw.emit(kind, evt, pointer, listRev)
	if kind == ItemAdded || kind == ItemChanged {
		lw.emit(ItemAny, evt, pointer, listRev)
	}
}

func (lw *ListWatch) emit(kind EventKind, evt *Event, pointer string, listRev int64) {
	lw.bus.Emit(lw.ctx, kind, evt, func(id string, err error) {
		lw.recordListenerError()
		lw.logger.Warn("listwatch: listener error", "listener", id, "kind", kind, "pointer", pointer, "error", err)
		if lw.meta != nil {
			if serr := lw.meta.SetErrored(lw.ctx, pointer, listRev, err); serr != nil {
				lw.logger.Warn("listwatch: failed to record listener error", "pointer", pointer, "error", serr)
			}
		}
	})
}
