// Package engine manages the dashboard service lifecycle: it loads the
// configuration, builds the service runtime and handles hot reloads when
// the configuration files change on disk.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mvolkert/dashbind/config"
	"github.com/mvolkert/dashbind/internal/logging"
	"github.com/mvolkert/dashbind/internal/reload"
	"github.com/mvolkert/dashbind/service"
	"github.com/mvolkert/dashbind/telemetry"
)

// ReloadFunc represents a function that reloads the engine configuration.
type ReloadFunc func(ctx context.Context) error

// Engine orchestrates the service lifecycle, including configuration
// reloads and cleanup.
type Engine struct {
	mu sync.Mutex

	config     *config.Config
	configPath string

	collector telemetry.Collector

	serviceOptions []service.Option

	customLogger bool
	baseLogger   zerolog.Logger

	statusEnabled bool
	statusAddr    string

	watcher  *reload.Watcher
	reloadCh chan reloadRequest

	current *runtimeState
	running bool
}

type runtimeState struct {
	cfg     *config.Config
	logger  zerolog.Logger
	cleanup func()
	srv     *service.Service
}

type reloadRequest struct {
	done  chan error
	files []string
}

// New constructs an engine with the supplied options.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}

	if !cfg.telemetryProvided {
		collector, err := newTelemetryCollector(cfg.config.Telemetry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			cfg.telemetry = telemetry.Noop()
		} else {
			cfg.telemetry = collector
		}
	}

	serviceOpts := []service.Option{service.WithTelemetry(cfg.telemetry)}
	if cfg.sourceFactory != nil {
		serviceOpts = append(serviceOpts, service.WithSourceFactory(cfg.sourceFactory))
	}
	if len(cfg.serviceOptions) > 0 {
		serviceOpts = append(serviceOpts, cfg.serviceOptions...)
	}

	eng := &Engine{
		config:         cfg.config,
		configPath:     cfg.configPath,
		collector:      cfg.telemetry,
		serviceOptions: serviceOpts,
		customLogger:   cfg.customLogger,
		baseLogger:     cfg.logger,
		statusEnabled:  cfg.enableStatus,
		statusAddr:     listenAddress(cfg.statusHost, cfg.statusPort),
	}

	runtime, err := eng.buildRuntime(cfg.config)
	if err != nil {
		return nil, err
	}
	eng.current = runtime

	if cfg.configPath != "" {
		eng.reloadCh = make(chan reloadRequest)
	}

	if err := eng.initWatcher(cfg.config); err != nil {
		runtime.srv.Close()
		runtime.cleanup()
		return nil, err
	}

	if cfg.registerReload != nil {
		cfg.registerReload(eng.Reload)
	}

	return eng, nil
}

// Service exposes the currently running service instance.
func (e *Engine) Service() *service.Service {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	return e.current.srv
}

// Run executes the engine until the context is cancelled or the service
// stops with an error.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.current == nil {
		e.mu.Unlock()
		return errors.New("engine not initialized")
	}
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	current := e.current
	watcher := e.watcher
	reloadCh := e.reloadCh
	e.mu.Unlock()

	var ticker *time.Ticker
	if watcher != nil {
		ticker = time.NewTicker(time.Second)
		defer ticker.Stop()
	}

	defer func() {
		e.mu.Lock()
		e.running = false
		if e.current == current {
			e.current = nil
		}
		e.mu.Unlock()
	}()

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func(s *service.Service) {
			errCh <- s.Run(runCtx)
		}(current.srv)

		var pending *reloadRequest
		var nextConfig *config.Config

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				current.srv.Close()
				current.cleanup()
				if err != nil && err != context.Canceled && err != context.DeadlineExceeded {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				current.srv.Close()
				current.cleanup()
				return err
			case req := <-reloadCh:
				cfg, err := e.loadConfig()
				if err != nil {
					if req.done != nil {
						req.done <- err
					}
					continue
				}
				if err := service.Validate(cfg, current.logger); err != nil {
					current.logger.Error().Err(err).Msg("reloaded configuration invalid")
					if req.done != nil {
						req.done <- err
					}
					continue
				}
				pending = &req
				nextConfig = cfg
				break loop
			case <-tickChannel(ticker):
				changes, err := watcher.Check()
				if err != nil {
					current.logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				cfg, err := e.loadConfig()
				if err != nil {
					current.logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				if err := service.Validate(cfg, current.logger); err != nil {
					current.logger.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				pending = &reloadRequest{files: changes}
				nextConfig = cfg
				break loop
			}
		}

		cancelRun()
		if err := <-errCh; err != nil && err != context.Canceled && err != context.DeadlineExceeded {
			current.logger.Error().Err(err).Msg("service stopped during reload")
		}
		current.srv.Close()
		current.cleanup()

		runtime, err := e.buildRuntime(nextConfig)
		if err != nil {
			if pending != nil && pending.done != nil {
				pending.done <- err
			}
			return err
		}

		e.mu.Lock()
		e.current = runtime
		current = runtime
		e.config = nextConfig
		if err := e.initWatcher(nextConfig); err != nil {
			current.logger.Error().Err(err).Msg("failed to update configuration watcher")
		} else {
			watcher = e.watcher
		}
		if ticker != nil {
			ticker.Stop()
			ticker = nil
		}
		if watcher != nil {
			ticker = time.NewTicker(time.Second)
		}
		e.mu.Unlock()

		if pending != nil {
			if pending.done != nil {
				pending.done <- nil
			}
			for _, file := range pending.files {
				e.collector.IncHotReload(file)
			}
		}
	}
}

// Reload rebuilds the engine using the latest configuration from disk.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	running := e.running
	reloadCh := e.reloadCh
	e.mu.Unlock()

	if !running {
		cfg, err := e.loadConfig()
		if err != nil {
			return err
		}
		if err := service.Validate(cfg, zerolog.Nop()); err != nil {
			return err
		}
		return e.swapRuntime(cfg)
	}

	if reloadCh == nil {
		return errors.New("reload not supported without configuration path")
	}

	req := reloadRequest{done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case reloadCh <- req:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

// Close releases resources managed by the engine.
func (e *Engine) Close() {
	e.mu.Lock()
	current := e.current
	e.current = nil
	e.mu.Unlock()

	if current != nil {
		current.srv.Close()
		current.cleanup()
	}
}

func (e *Engine) swapRuntime(cfg *config.Config) error {
	runtime, err := e.buildRuntime(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.current
	e.current = runtime
	e.config = cfg
	err = e.initWatcher(cfg)
	e.mu.Unlock()
	if err != nil {
		runtime.srv.Close()
		runtime.cleanup()
		return err
	}

	if old != nil {
		old.srv.Close()
		old.cleanup()
	}
	return nil
}

func (e *Engine) buildRuntime(cfg *config.Config) (*runtimeState, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	runtime := &runtimeState{cfg: cfg, cleanup: func() {}}
	if e.customLogger {
		runtime.logger = e.baseLogger
	} else {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return nil, err
		}
		runtime.logger = logger
		runtime.cleanup = cleanup
	}
	log.Logger = runtime.logger

	srv, err := service.New(cfg, runtime.logger, e.serviceOptions...)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}
	if e.statusEnabled {
		if err := srv.EnableStatusServer(e.statusAddr); err != nil {
			srv.Close()
			runtime.cleanup()
			return nil, err
		}
	}
	runtime.srv = srv
	return runtime, nil
}

func (e *Engine) loadConfig() (*config.Config, error) {
	if e.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *Engine) initWatcher(cfg *config.Config) error {
	if e.configPath == "" || !cfg.HotReload {
		e.watcher = nil
		return nil
	}
	if e.watcher == nil {
		watcher, err := reload.NewWatcher(e.configPath, cfg)
		if err != nil {
			return err
		}
		e.watcher = watcher
		return nil
	}
	return e.watcher.Update(e.configPath, cfg)
}

func listenAddress(host string, port int) string {
	if port <= 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func tickChannel(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
