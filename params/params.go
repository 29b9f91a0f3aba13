// Package params implements the dashboard parameter store: a registry of
// typed parameter values keyed by name, with a binding index describing
// which widgets each parameter feeds.
package params

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mvolkert/dashbind/config"
)

// State exposes the current state of a parameter for external inspection.
type State struct {
	Name        string
	Label       string
	Description string
	Kind        config.ValueKind
	Value       interface{}
	Set         bool
	Derived     bool
	UpdatedAt   *time.Time
	Source      config.ModuleReference
}

type parameter struct {
	cfg     config.ParameterConfig
	value   interface{}
	set     bool
	update  time.Time
	program *vm.Program
}

// Store is the process-wide parameter registry. The binding layer only
// reads from it; writes arrive from the embedding UI or the status server.
type Store struct {
	mu      sync.RWMutex
	params  map[string]*parameter
	order   []string
	derived []string

	version atomic.Uint64
	changes chan struct{}
	logger  zerolog.Logger
}

// NewStore builds a store from the configured parameters. Defaults are
// converted and applied immediately; derived parameters are compiled and
// evaluated once so dependents observe a consistent initial state.
func NewStore(cfgs []config.ParameterConfig, logger zerolog.Logger) (*Store, error) {
	store := &Store{
		params:  make(map[string]*parameter, len(cfgs)),
		order:   make([]string, 0, len(cfgs)),
		changes: make(chan struct{}, 1),
		logger:  logger,
	}
	for _, cfg := range cfgs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("parameter name must not be empty")
		}
		if _, ok := store.params[cfg.Name]; ok {
			return nil, fmt.Errorf("duplicate parameter %q", cfg.Name)
		}
		if cfg.Type == "" {
			return nil, fmt.Errorf("parameter %s missing type", cfg.Name)
		}
		p := &parameter{cfg: cfg}
		if cfg.Expression != "" {
			if cfg.Default != nil {
				return nil, fmt.Errorf("parameter %s: default and expression are mutually exclusive", cfg.Name)
			}
			program, err := compileExpression(cfg.Expression)
			if err != nil {
				return nil, fmt.Errorf("parameter %s expression: %w", cfg.Name, err)
			}
			p.program = program
			store.derived = append(store.derived, cfg.Name)
		} else if cfg.Default != nil {
			converted, err := convertValue(cfg.Type, cfg.Default)
			if err != nil {
				return nil, fmt.Errorf("parameter %s default: %w", cfg.Name, err)
			}
			p.value = converted
			p.set = true
		}
		store.params[cfg.Name] = p
		store.order = append(store.order, cfg.Name)
	}
	store.mu.Lock()
	store.recomputeDerived(time.Now())
	store.mu.Unlock()
	return store, nil
}

func compileExpression(source string) (*vm.Program, error) {
	return expr.Compile(source, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
}

// Names returns every known parameter name in configuration order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Set converts and stores a new value for the named parameter, recomputes
// derived parameters and notifies change watchers. Derived parameters
// reject direct writes.
func (s *Store) Set(name string, value interface{}) error {
	s.mu.Lock()
	p, ok := s.params[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown parameter %q", name)
	}
	if p.program != nil {
		s.mu.Unlock()
		return fmt.Errorf("parameter %s is derived and cannot be set directly", name)
	}
	converted, err := convertValue(p.cfg.Type, value)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("parameter %s: %w", name, err)
	}
	now := time.Now()
	p.value = converted
	p.set = true
	p.update = now
	s.recomputeDerived(now)
	s.mu.Unlock()

	s.bump()
	return nil
}

// Clear removes the current value of the named parameter so it no longer
// resolves during substitution.
func (s *Store) Clear(name string) error {
	s.mu.Lock()
	p, ok := s.params[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown parameter %q", name)
	}
	if p.program != nil {
		s.mu.Unlock()
		return fmt.Errorf("parameter %s is derived and cannot be cleared directly", name)
	}
	now := time.Now()
	p.value = nil
	p.set = false
	p.update = now
	s.recomputeDerived(now)
	s.mu.Unlock()

	s.bump()
	return nil
}

// recomputeDerived evaluates derived parameters in configuration order so
// later expressions observe the values of earlier ones. Callers hold the
// write lock.
func (s *Store) recomputeDerived(now time.Time) {
	if len(s.derived) == 0 {
		return
	}
	for _, name := range s.derived {
		p := s.params[name]
		env := make(map[string]interface{}, len(s.params))
		for id, other := range s.params {
			if other.set {
				env[id] = other.value
			}
		}
		result, err := vm.Run(p.program, env)
		if err != nil {
			s.logger.Debug().Err(err).Str("parameter", name).Msg("derived parameter evaluation failed")
			p.value = nil
			p.set = false
			p.update = now
			continue
		}
		converted, err := convertValue(p.cfg.Type, result)
		if err != nil {
			s.logger.Debug().Err(err).Str("parameter", name).Msg("derived parameter conversion failed")
			p.value = nil
			p.set = false
			p.update = now
			continue
		}
		p.value = converted
		p.set = true
		p.update = now
	}
}

func (s *Store) bump() {
	s.version.Add(1)
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Version returns a counter incremented on every successful write. Binders
// use it to detect whether a cached resolution is still current.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Changes returns a coalesced notification channel that receives a signal
// after one or more writes.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

// Values returns every currently set parameter value.
func (s *Store) Values() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.params))
	for name, p := range s.params {
		if p.set {
			out[name] = cloneValue(p.value)
		}
	}
	return out
}

// ValuesForWidget returns the set values of every parameter bound to the
// widget. Parameters without an explicit widget list are bound to all
// widgets.
func (s *Store) ValuesForWidget(widgetID string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{})
	for name, p := range s.params {
		if !p.set {
			continue
		}
		if !boundTo(p.cfg.Widgets, widgetID) {
			continue
		}
		out[name] = cloneValue(p.value)
	}
	return out
}

// WidgetsFor lists the widgets the named parameter is bound to; nil means
// every widget.
func (s *Store) WidgetsFor(name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[name]
	if !ok {
		return nil, fmt.Errorf("unknown parameter %q", name)
	}
	if len(p.cfg.Widgets) == 0 {
		return nil, nil
	}
	out := make([]string, len(p.cfg.Widgets))
	copy(out, p.cfg.Widgets)
	return out, nil
}

func boundTo(widgets []string, widgetID string) bool {
	if len(widgets) == 0 {
		return true
	}
	for _, id := range widgets {
		if id == widgetID {
			return true
		}
	}
	return false
}

// State returns the current state of a single parameter.
func (s *Store) State(name string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[name]
	if !ok {
		return State{}, fmt.Errorf("unknown parameter %q", name)
	}
	return p.state(), nil
}

// States returns the state of every parameter sorted by name.
func (s *Store) States() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.params))
	for name := range s.params {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]State, 0, len(names))
	for _, name := range names {
		out = append(out, s.params[name].state())
	}
	return out
}

func (p *parameter) state() State {
	var updated *time.Time
	if !p.update.IsZero() {
		ts := p.update
		updated = &ts
	}
	return State{
		Name:        p.cfg.Name,
		Label:       p.cfg.Label,
		Description: p.cfg.Description,
		Kind:        p.cfg.Type,
		Value:       cloneValue(p.value),
		Set:         p.set,
		Derived:     p.program != nil,
		UpdatedAt:   updated,
		Source:      p.cfg.Source,
	}
}

func convertValue(kind config.ValueKind, value interface{}) (interface{}, error) {
	switch kind {
	case config.ValueKindString:
		switch v := value.(type) {
		case string:
			return v, nil
		default:
			return nil, fmt.Errorf("expected string value, got %T", value)
		}
	case config.ValueKindNumber:
		return convertFloatValue(value)
	case config.ValueKindInteger:
		return convertIntegerValue(value)
	case config.ValueKindDecimal:
		return convertDecimalValue(value)
	case config.ValueKindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case int:
			return v != 0, nil
		case int64:
			return v != 0, nil
		case float64:
			return v != 0, nil
		default:
			return nil, fmt.Errorf("expected bool-compatible value, got %T", value)
		}
	case config.ValueKindDate:
		return convertDateValue(value)
	case config.ValueKindArray:
		switch v := value.(type) {
		case []interface{}:
			return cloneValue(v), nil
		case []string:
			out := make([]interface{}, len(v))
			for i, item := range v {
				out[i] = item
			}
			return out, nil
		default:
			return nil, fmt.Errorf("expected array value, got %T", value)
		}
	default:
		return nil, fmt.Errorf("unsupported value kind %q", kind)
	}
}

func convertFloatValue(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid float value %v", v)
		}
		return v, nil
	case float32:
		return convertFloatValue(float64(v))
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse float from string: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected number-compatible value, got %T", value)
	}
}

func convertIntegerValue(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid float value %v", v)
		}
		return int64(v), nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse integer from string: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected integer-compatible value, got %T", value)
	}
}

func convertDecimalValue(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("invalid float value %v", v)
		}
		return decimal.RequireFromString(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case string:
		dec, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse decimal from string: %w", err)
		}
		return dec, nil
	default:
		return decimal.Zero, fmt.Errorf("expected decimal-compatible value, got %T", value)
	}
}

func convertDateValue(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		if v == "" {
			return time.Time{}, fmt.Errorf("date string is empty")
		}
		layouts := []string{time.RFC3339, "2006-01-02", time.RFC3339Nano}
		for _, layout := range layouts {
			parsed, err := time.Parse(layout, v)
			if err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("parse date value %q: unsupported format", v)
	default:
		return time.Time{}, fmt.Errorf("expected date-compatible value, got %T", value)
	}
}

func cloneValue(value interface{}) interface{} {
	switch v := value.(type) {
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
