// Package fetch retrieves widget data from the backend and tracks
// per-widget loading, error and data state.
package fetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/tidwall/gjson"

	"github.com/mvolkert/dashbind/binding"
	"github.com/mvolkert/dashbind/config"
	"github.com/mvolkert/dashbind/telemetry"
)

// FetcherStatus captures diagnostic information about a widget fetcher.
type FetcherStatus struct {
	ID           string
	Endpoint     string
	Interval     time.Duration
	Disabled     bool
	LastRun      time.Time
	LastDuration time.Duration
	Source       config.ModuleReference
}

// Fetcher loads data for one widget: it resolves the widget's query
// against the parameter store, posts it to the backend and records the
// outcome in the shared state store.
type Fetcher struct {
	id       string
	endpoint string
	dataPath string
	interval time.Duration
	source   config.ModuleReference

	query     *binding.QueryBinder
	transport Source
	states    *StateStore
	collector telemetry.Collector

	disabled atomic.Bool

	mu           sync.Mutex
	lastRun      time.Time
	lastDuration time.Duration
}

// NewFetcher wires a widget configuration to its query binder, transport
// and state store.
func NewFetcher(cfg config.WidgetConfig, query *binding.QueryBinder, transport Source, states *StateStore, collector telemetry.Collector) (*Fetcher, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("widget id must not be empty")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("widget %s missing endpoint", cfg.ID)
	}
	if query == nil {
		return nil, fmt.Errorf("widget %s: query binder must not be nil", cfg.ID)
	}
	if transport == nil {
		return nil, fmt.Errorf("widget %s: source must not be nil", cfg.ID)
	}
	if states == nil {
		return nil, fmt.Errorf("widget %s: state store must not be nil", cfg.ID)
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	f := &Fetcher{
		id:        cfg.ID,
		endpoint:  cfg.Endpoint,
		dataPath:  cfg.DataPath,
		interval:  cfg.Refresh.Duration,
		source:    cfg.Source,
		query:     query,
		transport: transport,
		states:    states,
		collector: collector,
	}
	f.disabled.Store(cfg.Disable)
	return f, nil
}

// ID returns the widget identifier.
func (f *Fetcher) ID() string { return f.id }

// Interval returns the configured auto-refresh interval; zero disables
// auto-refresh for this widget.
func (f *Fetcher) Interval() time.Duration { return f.interval }

// SetDisabled toggles the fetcher. Disabled fetchers skip every refresh.
func (f *Fetcher) SetDisabled(disabled bool) {
	f.disabled.Store(disabled)
}

// Disabled reports whether the fetcher is currently disabled.
func (f *Fetcher) Disabled() bool {
	return f.disabled.Load()
}

// Perform runs one fetch attempt. A failure is recorded in the state store
// and returned; previously cached data stays in place.
func (f *Fetcher) Perform(ctx context.Context, logger zerolog.Logger) error {
	if f.disabled.Load() {
		return nil
	}
	seq := f.states.Begin(f.id)
	start := time.Now()
	f.collector.IncRefresh(f.id)

	payload, check, err := f.query.ResolveJSON()
	if err != nil {
		err = fmt.Errorf("serialize query: %w", err)
	}
	f.collector.SetUnresolvedReferences(f.id, len(check.Missing))
	if err == nil && len(check.Missing) > 0 {
		logger.Debug().Str("widget", f.id).Strs("missing", check.Missing).Msg("query references unresolved parameters")
	}

	var data interface{}
	if err == nil {
		var body []byte
		body, err = f.transport.Fetch(ctx, f.endpoint, payload)
		if err == nil {
			data, err = f.decode(body)
		}
	}

	duration := time.Since(start)
	f.collector.ObserveFetchDuration(f.id, duration)
	f.mu.Lock()
	f.lastRun = start
	f.lastDuration = duration
	f.mu.Unlock()

	applied := f.states.Complete(f.id, seq, data, err)
	if !applied {
		logger.Debug().Str("widget", f.id).Uint64("seq", seq).Msg("stale fetch response dropped")
		return nil
	}
	if err != nil {
		f.collector.IncFetchError(f.id)
		logger.Error().Err(err).Str("widget", f.id).Msg("widget fetch failed")
		return err
	}
	logger.Debug().Str("widget", f.id).Dur("duration", duration).Msg("widget fetch completed")
	return nil
}

// decode parses the backend response, optionally narrowing it to the
// configured data path.
func (f *Fetcher) decode(body []byte) (interface{}, error) {
	raw := body
	if f.dataPath != "" {
		result := gjson.GetBytes(body, f.dataPath)
		if !result.Exists() {
			return nil, fmt.Errorf("data path %q not found in response", f.dataPath)
		}
		raw = []byte(result.Raw)
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return data, nil
}

// Status returns diagnostic information about the fetcher.
func (f *Fetcher) Status() FetcherStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FetcherStatus{
		ID:           f.id,
		Endpoint:     f.endpoint,
		Interval:     f.interval,
		Disabled:     f.disabled.Load(),
		LastRun:      f.lastRun,
		LastDuration: f.lastDuration,
		Source:       f.source,
	}
}

// LoadAll fans one fetch per fetcher out across a bounded pool and waits
// for every attempt to settle. One widget's failure never aborts the
// others; per-widget outcomes live in the state store.
func LoadAll(ctx context.Context, fetchers []*Fetcher, slots int, logger zerolog.Logger) {
	if len(fetchers) == 0 {
		return
	}
	if slots <= 0 {
		slots = len(fetchers)
	}
	p := pool.New().WithMaxGoroutines(slots)
	for _, fetcher := range fetchers {
		fetcher := fetcher
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			_ = fetcher.Perform(ctx, logger)
		})
	}
	p.Wait()
}
