// Package selector compiles and applies the items selector (spec §3
// ItemsPath, §4.3 Item matcher): a JSONPath expression identifying which
// nodes inside a built change tree are "items" for eventing purposes.
//
// Grounded on dbsync.filter.go's WHERE-clause validation
// (hazyhaar/chrc): both compile a small, deliberately restricted
// predicate language rather than embedding a general-purpose engine.
// mainstream Go JSONPath implementations (RFC 9535, e.g.
// github.com/PaesslerAG/jsonpath or github.com/ohler55/ojg) do not expose
// the JavaScript-only "@property" binding the spec's default expression
// depends on, so there is no third-party engine to defer to here — see
// DESIGN.md for the fuller justification of this stdlib-regexp choice.
package selector

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hazyhaar/oadalist/listwatch/internal/changetree"
)

// Match is one (value, pointer) pair produced by a Selector.
type Match struct {
	Pointer string
	Value   any
}

// Selector enumerates the item pointers a built Tree contains.
type Selector interface {
	// Match returns every matching (value, pointer) pair, pointers sorted
	// so that emission order is deterministic across a process restart
	// even though Go map iteration order is not (spec invariant 2 requires
	// pointers satisfy the selector; it does not mandate a particular
	// order beyond "document order of the item matcher's output", which
	// for direct-children selectors we take to be key-sorted order).
	Match(tree *changetree.Tree) ([]Match, error)
}

// underscorePrefixed reports whether pointer contains any path component
// beginning with "_" — such pointers must never be selected (spec §3).
func underscorePrefixed(pointer string) bool {
	for _, seg := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		if strings.HasPrefix(seg, "_") {
			return true
		}
	}
	return false
}

// directChildren selects every direct child of the tree root whose key
// does not match excludeRE (nil means "match all"), or does match
// includeRE (mutually exclusive with excludeRE — Compile only ever sets
// one of the two).
type directChildren struct {
	excludeRE *regexp.Regexp
	includeRE *regexp.Regexp
}

func (s *directChildren) Match(tree *changetree.Tree) ([]Match, error) {
	root, ok := tree.Get("")
	if !ok {
		return nil, nil
	}
	m, ok := root.(map[string]any)
	if !ok {
		return nil, nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Match
	for _, k := range keys {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if s.excludeRE != nil && s.excludeRE.MatchString(k) {
			continue
		}
		if s.includeRE != nil && !s.includeRE.MatchString(k) {
			continue
		}
		ptr := "/" + escapeToken(k)
		if underscorePrefixed(ptr) {
			continue
		}
		out = append(out, Match{Pointer: ptr, Value: m[k]})
	}
	return out, nil
}

func escapeToken(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	s = strings.ReplaceAll(s, "/", "~1")
	return s
}

var (
	// wildcardRE matches the bare "$.*" or "$[*]" forms: every non-"_"
	// direct child.
	wildcardRE = regexp.MustCompile(`^\$(\.\*|\[\*\])$`)

	// propertyFilterRE matches "$[?(!@property.match(/RE/))]" (exclude,
	// the spec's default) or "$[?(@property.match(/RE/))]" (include).
	propertyFilterRE = regexp.MustCompile(`^\$\[\?\((!)?@property\.match\(/(.*)/\)\)\]$`)
)

// Default is the spec's default ItemsPath: direct children whose key does
// not start with "_" — "$[?(!@property.match(/^_/))]".
const Default = `$[?(!@property.match(/^_/))]`

// Compile parses a JSONPath expression into a Selector. Only the forms
// listwatch's items selector actually needs are recognized: a bare
// wildcard over direct children, or a property-name regex filter
// (negated or not). Any other expression is a fatal construction error,
// mirroring "unknown change type" in spec §7 — the library does not carry
// a general JSONPath evaluator, so an unsupported expression must fail
// loudly at Construct time rather than silently matching nothing.
func Compile(expr string) (Selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = Default
	}

	if wildcardRE.MatchString(expr) {
		return &directChildren{}, nil
	}

	if m := propertyFilterRE.FindStringSubmatch(expr); m != nil {
		re, err := regexp.Compile(m[2])
		if err != nil {
			return nil, fmt.Errorf("selector: invalid property regex %q: %w", m[2], err)
		}
		if m[1] == "!" {
			return &directChildren{excludeRE: re}, nil
		}
		return &directChildren{includeRE: re}, nil
	}

	return nil, fmt.Errorf("selector: unsupported items path %q (supported: %q, %q)", expr, `$.*`, Default)
}
