package engine

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mvolkert/dashbind/config"
	"github.com/mvolkert/dashbind/fetch"
	"github.com/mvolkert/dashbind/service"
	"github.com/mvolkert/dashbind/telemetry"
)

// Option configures the engine during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	sourceFactory     fetch.SourceFactory
	serviceOptions    []service.Option
	statusHost        string
	statusPort        int
	enableStatus      bool
}

// WithLogger provides a custom logger instance for the engine.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithConfigPath configures the engine to load configuration data from the provided path.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithSourceFactory overrides how the backend transport is created.
func WithSourceFactory(factory fetch.SourceFactory) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.sourceFactory = factory
		return nil
	}
}

// WithServiceOptions appends additional service options.
func WithServiceOptions(opts ...service.Option) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.serviceOptions = append(cfg.serviceOptions, opts...)
		return nil
	}
}

// WithStatusServer enables the embedded status server on the specified host and port.
func WithStatusServer(host string, port int) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if port < 0 {
			return fmt.Errorf("status server port must be non-negative")
		}
		cfg.enableStatus = true
		cfg.statusHost = host
		cfg.statusPort = port
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}
