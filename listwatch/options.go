package listwatch

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hazyhaar/oadalist/idgen"
	"github.com/hazyhaar/oadalist/listwatch/internal/metadata"
)

// options collects every construction-time setting (spec §4.1).
// defaultOptions plus applying every Option produces the fully-resolved
// configuration; New resolves it before Construct's initialization protocol
// runs.
type options struct {
	itemsPath       string
	tree            json.RawMessage
	name            string
	resume          bool
	persistInterval time.Duration
	assertItem      func(json.RawMessage) error
	onNewList       metadata.OnNewList
	logger          *slog.Logger
	idGen           idgen.Generator
}

func defaultOptions() *options {
	return &options{
		itemsPath:       "",
		name:            "default",
		resume:          true,
		persistInterval: time.Second,
		onNewList:       metadata.OnNewListNew,
		logger:          slog.Default(),
		idGen:           idgen.Prefixed("sub_", idgen.Default),
	}
}

// Option configures a ListWatch at construction time.
type Option func(*options)

// WithItemsPath sets the JSONPath expression selecting item pointers within
// the watched list (spec §3 ItemsPath). Defaults to selector.Default:
// every direct child whose key does not begin with "_".
func WithItemsPath(expr string) Option {
	return func(o *options) { o.itemsPath = expr }
}

// WithTree supplies a tree spec used to materialize missing intermediate
// resources when the watched path does not yet exist (spec §4.1 step 1).
func WithTree(tree json.RawMessage) Option {
	return func(o *options) { o.tree = tree }
}

// WithName sets the metadata name distinguishing this ListWatch's resume
// cursor from any other watch over the same list (spec §4.5). Required
// whenever more than one ListWatch shares a list.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithResume controls whether a persistent resume cursor is kept under
// _meta at all. When false, the watch always starts from the store's
// current tip and records no cursor (spec §4.1 step 3).
func WithResume(resume bool) Option {
	return func(o *options) { o.resume = resume }
}

// WithPersistInterval sets the debounce interval for cursor writes (spec
// §4.5). Defaults to one second.
func WithPersistInterval(d time.Duration) Option {
	return func(o *options) { o.persistInterval = d }
}

// WithAssertItem installs a predicate run against a fetched item body the
// first time Event.Item is called for it (spec §4.1). A non-nil return
// value is wrapped in ErrItemAssertionFailed and returned from Item instead
// of the item body.
func WithAssertItem(fn func(json.RawMessage) error) Option {
	return func(o *options) { o.assertItem = fn }
}

// WithOnNewList controls how the resume cursor is seeded the first time a
// ListWatch is constructed against a list with no prior metadata (spec
// §4.1 step 4 / §9 Open Question, resolved in SPEC_FULL.md).
func WithOnNewList(v metadata.OnNewList) Option {
	return func(o *options) { o.onNewList = v }
}

// WithLogger installs a *slog.Logger for internal diagnostics. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithIDGenerator overrides the generator used to mint listener
// subscription ids. Defaults to a "sub_"-prefixed idgen.Default.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(o *options) {
		if gen != nil {
			o.idGen = gen
		}
	}
}
