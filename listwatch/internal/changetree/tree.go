// Package changetree folds a change batch into one JSON value shaped like
// the watched list at that revision, with a parallel sidecar recording
// which raw sub-changes touched each pointer.
//
// Design Note (spec §9): "dynamic duck-typed tree/list" is redesigned here
// as an explicit JSON value (map[string]any / []any / scalars) plus a
// side-channel keyed by JSON Pointer, instead of tagging hidden fields onto
// the JSON nodes themselves.
//
// Grounded on dbsync.filter.go's clause-by-clause application over a
// table whitelist (hazyhaar/chrc), generalized from "apply one WHERE
// clause per table" to "apply one sub-change per pointer".
package changetree

import (
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/oadalist/oadaclient"
)

// Absent is the sentinel value a node takes when a delete change wrote a
// null leaf there. It is never serialized; it exists only inside a built
// Tree to let the classifier distinguish "this pointer's value is
// JSON null" (impossible for a list item, since items are links or
// sub-objects) from "this pointer was just deleted".
type absentType struct{}

// String makes Absent readable in test failure output and %v logging.
func (absentType) String() string { return "<absent>" }

var Absent = absentType{}

// Tree is the folded result of one change batch: a JSON value annotated
// with, for every pointer touched by the batch, the ordered list of raw
// sub-changes responsible.
type Tree struct {
	Rev     int64
	Root    any
	sidecar map[string][]oadaclient.Change
}

// Get returns the value at pointer ("" for the root) and whether that
// pointer exists in the tree at all (a map key set to Absent still exists).
func (t *Tree) Get(pointer string) (any, bool) {
	if pointer == "" {
		return t.Root, true
	}
	segs, err := splitPointer(pointer)
	if err != nil {
		return nil, false
	}
	cur := t.Root
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// ChangesAt returns the raw sub-changes tagged onto pointer, in the order
// they were applied. Returns nil if no sub-change touched pointer directly
// (the root change always tags "").
func (t *Tree) ChangesAt(pointer string) []oadaclient.Change {
	return t.sidecar[pointer]
}

// Build folds a batch into a Tree. The root change is always applied
// first (its Path must be ""), then each child in order.
func Build(batch oadaclient.ChangeBatch) (*Tree, error) {
	if batch.Root.Path != "" {
		return nil, fmt.Errorf("changetree: batch root path must be empty, got %q", batch.Root.Path)
	}
	if err := validateChangeType(batch.Root.Type); err != nil {
		return nil, err
	}

	rootVal, err := decodeChange(batch.Root)
	if err != nil {
		return nil, fmt.Errorf("changetree: decode root: %w", err)
	}

	t := &Tree{
		Rev:     batch.Rev,
		Root:    rootVal,
		sidecar: map[string][]oadaclient.Change{"": {batch.Root}},
	}

	for _, child := range batch.Children {
		if err := validateChangeType(child.Type); err != nil {
			return nil, err
		}
		val, err := decodeChange(child)
		if err != nil {
			return nil, fmt.Errorf("changetree: decode change at %q: %w", child.Path, err)
		}
		if err := t.mergeAt(child.Path, val); err != nil {
			return nil, fmt.Errorf("changetree: merge at %q: %w", child.Path, err)
		}
		t.sidecar[child.Path] = append(t.sidecar[child.Path], child)
	}

	return t, nil
}

func validateChangeType(typ string) error {
	if typ != oadaclient.ChangeTypeMerge && typ != oadaclient.ChangeTypeDelete {
		return &ErrUnknownChangeType{Type: typ}
	}
	return nil
}

// ErrUnknownChangeType is returned when a change carries a type other than
// "merge" or "delete". Fatal per spec §7: batches are assumed valid
// upstream, so this indicates the transport adapter itself is broken.
type ErrUnknownChangeType struct{ Type string }

func (e *ErrUnknownChangeType) Error() string {
	return fmt.Sprintf("changetree: unknown change type %q", e.Type)
}

// decodeChange unmarshals a change's body and, for a delete, rewrites
// every null leaf to Absent.
func decodeChange(c oadaclient.Change) (any, error) {
	if len(c.Body) == 0 || string(c.Body) == "null" {
		if c.Type == oadaclient.ChangeTypeDelete {
			return Absent, nil
		}
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(c.Body, &v); err != nil {
		return nil, err
	}
	if c.Type == oadaclient.ChangeTypeDelete {
		v = translateAbsent(v)
	}
	return v, nil
}

// translateAbsent recursively replaces JSON null with Absent.
func translateAbsent(v any) any {
	switch x := v.(type) {
	case nil:
		return Absent
	case map[string]any:
		for k, vv := range x {
			x[k] = translateAbsent(vv)
		}
		return x
	default:
		return v
	}
}

// mergeAt deep-merges val into the tree at pointer, creating intermediate
// objects as needed. Deep merge is a deep object assign: objects merge
// key-by-key recursively, arrays and scalars (including Absent) replace
// the destination wholesale.
func (t *Tree) mergeAt(pointer string, val any) error {
	if pointer == "" {
		t.Root = deepMerge(t.Root, val)
		return nil
	}
	segs, err := splitPointer(pointer)
	if err != nil {
		return err
	}

	rootMap, ok := t.Root.(map[string]any)
	if !ok {
		if t.Root == nil || t.Root == Absent {
			rootMap = map[string]any{}
			t.Root = rootMap
		} else {
			return fmt.Errorf("cannot descend into non-object root")
		}
	}

	cur := rootMap
	for i, seg := range segs {
		last := i == len(segs)-1
		if last {
			cur[seg] = deepMerge(cur[seg], val)
			return nil
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return nil
}

// deepMerge implements the "deep object assign" from spec §4.2: when both
// sides are objects, merge recursively; otherwise src replaces dst wholesale.
func deepMerge(dst, src any) any {
	dstMap, dstOK := dst.(map[string]any)
	srcMap, srcOK := src.(map[string]any)
	if dstOK && srcOK {
		for k, v := range srcMap {
			dstMap[k] = deepMerge(dstMap[k], v)
		}
		return dstMap
	}
	return src
}
