// Package binding combines reference extraction, validation and
// substitution into a per-widget resolution pipeline on top of the
// parameter store.
package binding

import (
	"errors"
	"reflect"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/mvolkert/dashbind/params"
	"github.com/mvolkert/dashbind/resolve"
)

// Binder resolves one widget's raw configuration tree against the
// parameter store. The base tree is treated as immutable; every resolution
// pass rebuilds a fresh tree unless the short-circuit applies.
//
// Resolution is cached by store version: as long as no parameter changed,
// Resolve returns the previous result without rebuilding the tree.
type Binder struct {
	widgetID string
	base     interface{}
	refs     []string
	store    *params.Store

	mu          sync.Mutex
	haveCache   bool
	cachedAt    uint64
	cached      interface{}
	cachedCheck resolve.Validation

	onResolved func(interface{})
}

// Option configures a Binder during construction.
type Option func(*Binder)

// WithOnResolved registers a callback invoked whenever a resolution pass
// produces a tree that structurally differs from the previous one.
func WithOnResolved(fn func(resolved interface{})) Option {
	return func(b *Binder) {
		b.onResolved = fn
	}
}

// New builds a binder for the widget's base configuration. References are
// extracted once because the base tree never changes; a new base requires
// a new binder.
func New(widgetID string, base interface{}, store *params.Store, opts ...Option) (*Binder, error) {
	if store == nil {
		return nil, errors.New("parameter store must not be nil")
	}
	b := &Binder{
		widgetID: widgetID,
		base:     base,
		refs:     resolve.ExtractReferences(base),
		store:    store,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// WidgetID returns the widget this binder resolves for.
func (b *Binder) WidgetID() string {
	return b.widgetID
}

// References returns the parameter names the base configuration mentions.
func (b *Binder) References() []string {
	out := make([]string, len(b.refs))
	copy(out, b.refs)
	return out
}

// HasParameterizedValues reports whether the base configuration contains
// any reference, independent of whether it currently resolves.
func (b *Binder) HasParameterizedValues() bool {
	return len(b.refs) > 0
}

// Resolve returns the resolved configuration together with the validation
// result of the current pass.
//
// When the widget has no bound parameter values the base tree is returned
// as-is, by reference, so callers can use cheap identity comparison to skip
// downstream work.
func (b *Binder) Resolve() (interface{}, resolve.Validation) {
	version := b.store.Version()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.haveCache && b.cachedAt == version {
		return b.cached, b.cachedCheck
	}

	values := b.store.ValuesForWidget(b.widgetID)
	var resolved interface{}
	if len(values) == 0 {
		resolved = b.base
	} else {
		resolved = resolve.Substitute(b.base, values)
	}
	check := resolve.ValidateReferences(b.base, b.store.Names())

	changed := !b.haveCache || !reflect.DeepEqual(resolved, b.cached)
	b.haveCache = true
	b.cachedAt = version
	b.cached = resolved
	b.cachedCheck = check

	if changed && b.onResolved != nil {
		b.onResolved(resolved)
	}
	return resolved, check
}

// QueryBinder applies the same resolution to a widget's backend query and
// serializes the result for the data fetch layer.
type QueryBinder struct {
	*Binder
}

// NewQuery builds the query-binding variant for a widget.
func NewQuery(widgetID string, query interface{}, store *params.Store, opts ...Option) (*QueryBinder, error) {
	binder, err := New(widgetID, query, store, opts...)
	if err != nil {
		return nil, err
	}
	return &QueryBinder{Binder: binder}, nil
}

// ResolveJSON resolves the query and returns it as JSON bytes ready to be
// sent to the backend.
func (q *QueryBinder) ResolveJSON() ([]byte, resolve.Validation, error) {
	resolved, check := q.Resolve()
	payload, err := json.Marshal(resolved)
	if err != nil {
		return nil, check, err
	}
	return payload, check, nil
}
