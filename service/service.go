// Package service orchestrates the dashboard runtime: it owns the
// parameter store, per-widget binders and fetchers, reacts to parameter
// changes and drives interval auto-refresh.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mvolkert/dashbind/binding"
	"github.com/mvolkert/dashbind/config"
	"github.com/mvolkert/dashbind/fetch"
	"github.com/mvolkert/dashbind/params"
	"github.com/mvolkert/dashbind/resolve"
	"github.com/mvolkert/dashbind/telemetry"
)

// Option configures the service during construction.
type Option func(*settings)

type settings struct {
	sourceFactory fetch.SourceFactory
	collector     telemetry.Collector
}

// WithSourceFactory overrides how the backend transport is created.
func WithSourceFactory(factory fetch.SourceFactory) Option {
	return func(s *settings) {
		if factory != nil {
			s.sourceFactory = factory
		}
	}
}

// WithTelemetry installs a telemetry collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *settings) {
		if collector != nil {
			s.collector = collector
		}
	}
}

type widgetRuntime struct {
	cfg     config.WidgetConfig
	options *binding.Binder
	query   *binding.QueryBinder
	fetcher *fetch.Fetcher

	mu            sync.Mutex
	resolvedQuery interface{}
	diagnosis     string
}

// Service wires parameters, binders and fetchers for one dashboard.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     *params.Store
	schemas   *config.SchemaSet
	states    *fetch.StateStore
	source    fetch.Source
	widgets   []*widgetRuntime
	byID      map[string]*widgetRuntime
	collector telemetry.Collector

	closeOnce sync.Once
	status    *statusServer
}

// New builds a service from the configuration.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	applied := settings{
		sourceFactory: fetch.NewHTTPSourceFactory(),
		collector:     telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&applied)
		}
	}

	schemas, err := config.CompileSchemas(cfg.Schemas)
	if err != nil {
		return nil, err
	}
	store, err := params.NewStore(cfg.Parameters, logger)
	if err != nil {
		return nil, err
	}
	source, err := applied.sourceFactory(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("create backend source: %w", err)
	}

	svc := &Service{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		schemas:   schemas,
		states:    fetch.NewStateStore(),
		source:    source,
		byID:      make(map[string]*widgetRuntime, len(cfg.Widgets)),
		collector: applied.collector,
	}

	for _, widgetCfg := range cfg.Widgets {
		runtime, err := svc.buildWidget(widgetCfg)
		if err != nil {
			source.Close()
			return nil, err
		}
		svc.widgets = append(svc.widgets, runtime)
		svc.byID[widgetCfg.ID] = runtime
	}
	svc.resolveAll()
	return svc, nil
}

func (s *Service) buildWidget(cfg config.WidgetConfig) (*widgetRuntime, error) {
	var options map[string]interface{}
	if cfg.Options != nil {
		options = cfg.Options
	} else {
		options = map[string]interface{}{}
	}
	optionsBinder, err := binding.New(cfg.ID, options, s.store)
	if err != nil {
		return nil, fmt.Errorf("widget %s: %w", cfg.ID, err)
	}
	var query map[string]interface{}
	if cfg.Query != nil {
		query = cfg.Query
	} else {
		query = map[string]interface{}{}
	}
	queryBinder, err := binding.NewQuery(cfg.ID, query, s.store)
	if err != nil {
		return nil, fmt.Errorf("widget %s: %w", cfg.ID, err)
	}
	fetcher, err := fetch.NewFetcher(cfg, queryBinder, s.source, s.states, s.collector)
	if err != nil {
		return nil, err
	}
	return &widgetRuntime{
		cfg:     cfg,
		options: optionsBinder,
		query:   queryBinder,
		fetcher: fetcher,
	}, nil
}

// Validate checks a configuration without starting a runtime: structural
// validation, schema compilation, parameter defaults and derived
// expressions.
func Validate(cfg *config.Config, logger zerolog.Logger) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := config.CompileSchemas(cfg.Schemas); err != nil {
		return err
	}
	if _, err := params.NewStore(cfg.Parameters, logger); err != nil {
		return err
	}
	return nil
}

// resolveAll recomputes every widget's resolved options and query, runs
// schema validation and remembers the resolved query so parameter changes
// can be narrowed to affected widgets.
func (s *Service) resolveAll() []*widgetRuntime {
	var affected []*widgetRuntime
	for _, runtime := range s.widgets {
		resolvedOptions, _ := runtime.options.Resolve()
		diagnosis := ""
		if err := s.schemas.Validate(runtime.cfg.Kind, resolvedOptions); err != nil {
			diagnosis = err.Error()
			s.logger.Warn().Err(err).Str("widget", runtime.cfg.ID).Msg("resolved options failed schema validation")
		}

		resolvedQuery, _ := runtime.query.Resolve()

		runtime.mu.Lock()
		queryChanged := !reflect.DeepEqual(resolvedQuery, runtime.resolvedQuery)
		runtime.resolvedQuery = resolvedQuery
		runtime.diagnosis = diagnosis
		runtime.mu.Unlock()

		if queryChanged {
			affected = append(affected, runtime)
		}
	}
	return affected
}

// Run performs the initial batch load and then serves auto-refresh ticks
// and parameter-change notifications until the context is cancelled.
// Tickers are stopped before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.RefreshAll(ctx)

	ticks := make(chan time.Duration)
	var wg sync.WaitGroup
	tickCtx, cancelTicks := context.WithCancel(ctx)
	defer func() {
		cancelTicks()
		wg.Wait()
	}()

	for _, interval := range s.refreshIntervals() {
		interval := interval
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-tickCtx.Done():
					return
				case <-ticker.C:
					select {
					case ticks <- interval:
					case <-tickCtx.Done():
						return
					}
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case interval := <-ticks:
			s.refreshInterval(ctx, interval)
		case <-s.store.Changes():
			s.onParameterChange(ctx)
		}
	}
}

// refreshIntervals returns the distinct non-zero widget refresh intervals.
func (s *Service) refreshIntervals() []time.Duration {
	seen := make(map[time.Duration]struct{})
	for _, runtime := range s.widgets {
		interval := runtime.fetcher.Interval()
		if interval <= 0 {
			continue
		}
		seen[interval] = struct{}{}
	}
	intervals := make([]time.Duration, 0, len(seen))
	for interval := range seen {
		intervals = append(intervals, interval)
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	return intervals
}

// refreshInterval refreshes exactly the widgets whose configured interval
// matches the tick interval.
func (s *Service) refreshInterval(ctx context.Context, interval time.Duration) {
	var due []*fetch.Fetcher
	for _, runtime := range s.widgets {
		if runtime.fetcher.Interval() == interval {
			due = append(due, runtime.fetcher)
		}
	}
	fetch.LoadAll(ctx, due, s.fetchSlots(), s.logger)
}

// onParameterChange re-resolves every widget and refetches those whose
// resolved query actually changed.
func (s *Service) onParameterChange(ctx context.Context) {
	affected := s.resolveAll()
	if len(affected) == 0 {
		return
	}
	fetchers := make([]*fetch.Fetcher, 0, len(affected))
	ids := make([]string, 0, len(affected))
	for _, runtime := range affected {
		fetchers = append(fetchers, runtime.fetcher)
		ids = append(ids, runtime.cfg.ID)
	}
	s.logger.Debug().Strs("widgets", ids).Msg("parameter change triggered refetch")
	fetch.LoadAll(ctx, fetchers, s.fetchSlots(), s.logger)
}

func (s *Service) fetchSlots() int {
	if s.cfg.FetchSlots > 0 {
		return s.cfg.FetchSlots
	}
	return len(s.widgets)
}

// RefreshAll fetches every widget once, settle-all.
func (s *Service) RefreshAll(ctx context.Context) {
	fetchers := make([]*fetch.Fetcher, 0, len(s.widgets))
	for _, runtime := range s.widgets {
		fetchers = append(fetchers, runtime.fetcher)
	}
	fetch.LoadAll(ctx, fetchers, s.fetchSlots(), s.logger)
}

// Refresh fetches a single widget on demand.
func (s *Service) Refresh(ctx context.Context, widgetID string) error {
	runtime, ok := s.byID[widgetID]
	if !ok {
		return fmt.Errorf("unknown widget %q", widgetID)
	}
	return runtime.fetcher.Perform(ctx, s.logger)
}

// SetParameter writes a parameter value. The store notifies the run loop,
// which re-resolves and refetches affected widgets.
func (s *Service) SetParameter(name string, value interface{}) error {
	return s.store.Set(name, value)
}

// ClearParameter removes a parameter value.
func (s *Service) ClearParameter(name string) error {
	return s.store.Clear(name)
}

// ParameterStates exposes the current parameter states.
func (s *Service) ParameterStates() []params.State {
	return s.store.States()
}

// SetWidgetDisabled toggles a widget's fetcher.
func (s *Service) SetWidgetDisabled(widgetID string, disabled bool) error {
	runtime, ok := s.byID[widgetID]
	if !ok {
		return fmt.Errorf("unknown widget %q", widgetID)
	}
	runtime.fetcher.SetDisabled(disabled)
	return nil
}

// WidgetView combines a widget's resolved configuration, validation state
// and fetch state for external inspection.
type WidgetView struct {
	ID                     string
	Title                  string
	Kind                   string
	Endpoint               string
	Interval               time.Duration
	Disabled               bool
	HasParameterizedValues bool
	References             []string
	Missing                []string
	Diagnosis              string
	Options                interface{}
	Fetch                  fetch.State
	LastRun                time.Time
	LastDuration           time.Duration
	Source                 config.ModuleReference
}

// WidgetStates returns a view of every widget sorted by ID.
func (s *Service) WidgetStates() []WidgetView {
	views := make([]WidgetView, 0, len(s.widgets))
	for _, runtime := range s.widgets {
		views = append(views, s.widgetView(runtime))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// WidgetState returns the view of a single widget.
func (s *Service) WidgetState(widgetID string) (WidgetView, error) {
	runtime, ok := s.byID[widgetID]
	if !ok {
		return WidgetView{}, fmt.Errorf("unknown widget %q", widgetID)
	}
	return s.widgetView(runtime), nil
}

func (s *Service) widgetView(runtime *widgetRuntime) WidgetView {
	resolvedOptions, optionsCheck := runtime.options.Resolve()
	_, queryCheck := runtime.query.Resolve()
	missing := mergeMissing(optionsCheck, queryCheck)

	runtime.mu.Lock()
	diagnosis := runtime.diagnosis
	runtime.mu.Unlock()

	status := runtime.fetcher.Status()
	state, _ := s.states.Get(runtime.cfg.ID)

	refs := mergeReferences(runtime.options.References(), runtime.query.References())
	return WidgetView{
		ID:                     runtime.cfg.ID,
		Title:                  runtime.cfg.Title,
		Kind:                   runtime.cfg.Kind,
		Endpoint:               runtime.cfg.Endpoint,
		Interval:               status.Interval,
		Disabled:               status.Disabled,
		HasParameterizedValues: runtime.options.HasParameterizedValues() || runtime.query.HasParameterizedValues(),
		References:             refs,
		Missing:                missing,
		Diagnosis:              diagnosis,
		Options:                resolvedOptions,
		Fetch:                  state,
		LastRun:                status.LastRun,
		LastDuration:           status.LastDuration,
		Source:                 runtime.cfg.Source,
	}
}

func mergeReferences(groups ...[]string) []string {
	seen := make(map[string]struct{})
	for _, group := range groups {
		for _, ref := range group {
			seen[ref] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

func mergeMissing(checks ...resolve.Validation) []string {
	seen := make(map[string]struct{})
	for _, check := range checks {
		for _, name := range check.Missing {
			seen[name] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close releases the backend transport and stops the status server.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.status != nil {
			s.status.close()
		}
		err = s.source.Close()
	})
	return err
}
