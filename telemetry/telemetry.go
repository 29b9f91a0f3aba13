package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with fetch and resolution paths.
type Collector interface {
	IncRefresh(widget string)
	IncFetchError(widget string)
	ObserveFetchDuration(widget string, d time.Duration)
	SetUnresolvedReferences(widget string, count int)
	IncHotReload(file string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncRefresh(string)                         {}
func (noopCollector) IncFetchError(string)                      {}
func (noopCollector) ObserveFetchDuration(string, time.Duration) {}
func (noopCollector) SetUnresolvedReferences(string, int)       {}
func (noopCollector) IncHotReload(string)                       {}

// PrometheusCollector exposes runtime counters via Prometheus.
type PrometheusCollector struct {
	refreshes     *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	unresolved    *prometheus.GaugeVec
	hotReloads    *prometheus.CounterVec
}

var (
	refreshCounter        *prometheus.CounterVec
	refreshCounterLock    sync.Mutex
	fetchErrorCounter     *prometheus.CounterVec
	fetchErrorCounterLock sync.Mutex
	fetchDurationHist     *prometheus.HistogramVec
	fetchDurationHistLock sync.Mutex
	unresolvedGauge       *prometheus.GaugeVec
	unresolvedGaugeLock   sync.Mutex
	hotReloadCounter      *prometheus.CounterVec
	hotReloadCounterLock  sync.Mutex
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	refreshCounterLock.Lock()
	if refreshCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashbind_widget_refresh_total",
			Help: "Number of fetch attempts started per widget.",
		}, []string{"widget"})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			refreshCounterLock.Unlock()
			return nil, err
		}
		refreshCounter = registered
	}
	refreshCounterLock.Unlock()

	fetchErrorCounterLock.Lock()
	if fetchErrorCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashbind_widget_fetch_errors_total",
			Help: "Number of failed fetch attempts per widget.",
		}, []string{"widget"})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			fetchErrorCounterLock.Unlock()
			return nil, err
		}
		fetchErrorCounter = registered
	}
	fetchErrorCounterLock.Unlock()

	fetchDurationHistLock.Lock()
	if fetchDurationHist == nil {
		hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashbind_widget_fetch_duration_seconds",
			Help:    "Duration of widget fetch attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"widget"})
		if err := reg.Register(hist); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
					hist = existing
				} else {
					fetchDurationHistLock.Unlock()
					return nil, err
				}
			} else {
				fetchDurationHistLock.Unlock()
				return nil, err
			}
		}
		fetchDurationHist = hist
	}
	fetchDurationHistLock.Unlock()

	unresolvedGaugeLock.Lock()
	if unresolvedGauge == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashbind_widget_unresolved_references",
			Help: "Number of parameter references the last resolution pass could not resolve per widget.",
		}, []string{"widget"})
		if err := reg.Register(gauge); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
					gauge = existing
				} else {
					unresolvedGaugeLock.Unlock()
					return nil, err
				}
			} else {
				unresolvedGaugeLock.Unlock()
				return nil, err
			}
		}
		unresolvedGauge = gauge
	}
	unresolvedGaugeLock.Unlock()

	hotReloadCounterLock.Lock()
	if hotReloadCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashbind_config_hot_reload_total",
			Help: "Number of hot reload operations triggered per configuration source file.",
		}, []string{"file"})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			hotReloadCounterLock.Unlock()
			return nil, err
		}
		hotReloadCounter = registered
	}
	hotReloadCounterLock.Unlock()

	return &PrometheusCollector{
		refreshes:     refreshCounter,
		fetchErrors:   fetchErrorCounter,
		fetchDuration: fetchDurationHist,
		unresolved:    unresolvedGauge,
		hotReloads:    hotReloadCounter,
	}, nil
}

func registerCounter(reg prometheus.Registerer, counter *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func (c *PrometheusCollector) IncRefresh(widget string) {
	c.refreshes.WithLabelValues(widget).Inc()
}

func (c *PrometheusCollector) IncFetchError(widget string) {
	c.fetchErrors.WithLabelValues(widget).Inc()
}

func (c *PrometheusCollector) ObserveFetchDuration(widget string, d time.Duration) {
	c.fetchDuration.WithLabelValues(widget).Observe(d.Seconds())
}

func (c *PrometheusCollector) SetUnresolvedReferences(widget string, count int) {
	c.unresolved.WithLabelValues(widget).Set(float64(count))
}

func (c *PrometheusCollector) IncHotReload(file string) {
	c.hotReloads.WithLabelValues(file).Inc()
}
