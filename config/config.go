package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ValueKind describes the primitive type stored inside a parameter.
type ValueKind string

const (
	// ValueKindString represents plain UTF-8 strings.
	ValueKindString ValueKind = "string"
	// ValueKindNumber represents floating point numbers.
	ValueKindNumber ValueKind = "number"
	// ValueKindInteger represents signed integer values.
	ValueKindInteger ValueKind = "integer"
	// ValueKindDecimal represents arbitrary precision decimal numbers.
	ValueKindDecimal ValueKind = "decimal"
	// ValueKindBool represents boolean values.
	ValueKindBool ValueKind = "bool"
	// ValueKindDate represents calendar date values.
	ValueKindDate ValueKind = "date"
	// ValueKindArray represents lists of arbitrary JSON values.
	ValueKindArray ValueKind = "array"
)

// ModuleReference captures metadata about the configuration source that defined an entry.
type ModuleReference struct {
	File        string `json:"file,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModuleInclude describes a referenced configuration module.
type ModuleInclude struct {
	Path        string
	Name        string
	Description string
}

// UnmarshalYAML allows module includes to be declared either as scalar strings or structured objects.
func (m *ModuleInclude) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("module include node is nil")
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var path string
		if err := value.Decode(&path); err != nil {
			return fmt.Errorf("decode module path: %w", err)
		}
		m.Path = strings.TrimSpace(path)
		return nil
	case yaml.MappingNode:
		type rawModule struct {
			Path        string `yaml:"path"`
			Name        string `yaml:"name"`
			Description string `yaml:"description"`
		}
		var raw rawModule
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode module include: %w", err)
		}
		if raw.Path == "" {
			return errors.New("module include missing path")
		}
		m.Path = raw.Path
		m.Name = raw.Name
		m.Description = raw.Description
		return nil
	default:
		return fmt.Errorf("unsupported module include node kind %d", value.Kind)
	}
}

// ParameterConfig declares a dashboard parameter.
//
// A parameter either carries a default value set at load time and updated by
// the embedding UI, or an expression recomputed from sibling parameters on
// every store write. Widgets lists the widget IDs the parameter is bound to;
// an empty list binds it to every widget on the dashboard.
type ParameterConfig struct {
	Name        string          `yaml:"name"`
	Type        ValueKind       `yaml:"type"`
	Default     interface{}     `yaml:"default,omitempty"`
	Expression  string          `yaml:"expression,omitempty"`
	Widgets     []string        `yaml:"widgets,omitempty"`
	Label       string          `yaml:"label,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Source      ModuleReference `yaml:"-"`
}

// WidgetConfig declares a single dashboard widget.
//
// Options is the raw display configuration and Query the raw backend query;
// both may contain {{parameter}} references. DataPath optionally selects a
// sub-tree of the backend response using gjson path syntax.
type WidgetConfig struct {
	ID       string                 `yaml:"id"`
	Title    string                 `yaml:"title,omitempty"`
	Kind     string                 `yaml:"kind,omitempty"`
	Endpoint string                 `yaml:"endpoint"`
	Options  map[string]interface{} `yaml:"options,omitempty"`
	Query    map[string]interface{} `yaml:"query,omitempty"`
	DataPath string                 `yaml:"data_path,omitempty"`
	Refresh  Duration               `yaml:"refresh,omitempty"`
	Disable  bool                   `yaml:"disable,omitempty"`
	Source   ModuleReference        `yaml:"-"`
}

// SchemaConfig attaches a CUE schema to a widget kind. Resolved widget
// options are validated against the schema after every substitution pass.
type SchemaConfig struct {
	Kind   string          `yaml:"kind"`
	CUE    string          `yaml:"cue"`
	Source ModuleReference `yaml:"-"`
}

// BackendConfig describes how to reach the widget data backend.
type BackendConfig struct {
	BaseURL string            `yaml:"base_url"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// Config is the root configuration structure for the engine.
type Config struct {
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Backend     BackendConfig     `yaml:"backend"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Modules     []ModuleInclude   `yaml:"modules,omitempty"`
	Parameters  []ParameterConfig `yaml:"parameters"`
	Widgets     []WidgetConfig    `yaml:"widgets"`
	Schemas     []SchemaConfig    `yaml:"schemas,omitempty"`
	FetchSlots  int               `yaml:"fetch_slots,omitempty"`
	HotReload   bool              `yaml:"hot_reload,omitempty"`
	Source      ModuleReference   `yaml:"-"`
}

// Load reads the configuration file from disk and merges any referenced
// modules. Module paths are resolved relative to the including file and may
// contribute parameters, widgets and schemas; scalar settings always come
// from the root file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	visited := make(map[string]struct{})
	cfg, err := loadFile(abs, visited)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	annotateSources(&cfg, ModuleReference{File: path, Name: cfg.Name, Description: cfg.Description})

	for _, include := range cfg.Modules {
		if include.Path == "" {
			return nil, fmt.Errorf("config %s: module include missing path", path)
		}
		modulePath := include.Path
		if !filepath.IsAbs(modulePath) {
			modulePath = filepath.Join(filepath.Dir(path), modulePath)
		}
		module, err := loadFile(modulePath, visited)
		if err != nil {
			return nil, err
		}
		mergeModule(&cfg, module, include)
	}
	return &cfg, nil
}

func annotateSources(cfg *Config, ref ModuleReference) {
	cfg.Source = ref
	for i := range cfg.Parameters {
		cfg.Parameters[i].Source = ref
	}
	for i := range cfg.Widgets {
		cfg.Widgets[i].Source = ref
	}
	for i := range cfg.Schemas {
		cfg.Schemas[i].Source = ref
	}
}

func mergeModule(dst *Config, module *Config, include ModuleInclude) {
	ref := module.Source
	if include.Name != "" {
		ref.Name = include.Name
	}
	if include.Description != "" {
		ref.Description = include.Description
	}
	for _, param := range module.Parameters {
		param.Source = ref
		dst.Parameters = append(dst.Parameters, param)
	}
	for _, widget := range module.Widgets {
		widget.Source = ref
		dst.Widgets = append(dst.Widgets, widget)
	}
	for _, schema := range module.Schemas {
		schema.Source = ref
		dst.Schemas = append(dst.Schemas, schema)
	}
}

// SourceFiles lists every file that contributed to the configuration.
func SourceFiles(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	seen := make(map[string]struct{})
	add := func(ref ModuleReference) {
		if ref.File == "" {
			return
		}
		seen[ref.File] = struct{}{}
	}
	add(cfg.Source)
	for _, param := range cfg.Parameters {
		add(param.Source)
	}
	for _, widget := range cfg.Widgets {
		add(widget.Source)
	}
	for _, schema := range cfg.Schemas {
		add(schema.Source)
	}
	files := make([]string, 0, len(seen))
	for file := range seen {
		files = append(files, file)
	}
	sort.Strings(files)
	return files
}

// FetchTimeout returns the configured backend request timeout.
func (c *BackendConfig) FetchTimeout() time.Duration {
	if c == nil || c.Timeout.Duration <= 0 {
		return 10 * time.Second
	}
	return c.Timeout.Duration
}

// Validate performs structural checks that do not require a running engine.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend base_url is required")
	}
	names := make(map[string]struct{}, len(c.Parameters))
	for _, param := range c.Parameters {
		if param.Name == "" {
			return errors.New("parameter name must not be empty")
		}
		if strings.Contains(param.Name, ".") {
			return fmt.Errorf("parameter %s: name must not contain dots", param.Name)
		}
		if _, ok := names[param.Name]; ok {
			return fmt.Errorf("duplicate parameter %q", param.Name)
		}
		if param.Type == "" {
			return fmt.Errorf("parameter %s missing type", param.Name)
		}
		switch param.Type {
		case ValueKindString, ValueKindNumber, ValueKindInteger, ValueKindDecimal, ValueKindBool, ValueKindDate, ValueKindArray:
		default:
			return fmt.Errorf("parameter %s: unsupported type %q", param.Name, param.Type)
		}
		names[param.Name] = struct{}{}
	}
	widgets := make(map[string]struct{}, len(c.Widgets))
	for _, widget := range c.Widgets {
		if widget.ID == "" {
			return errors.New("widget id must not be empty")
		}
		if _, ok := widgets[widget.ID]; ok {
			return fmt.Errorf("duplicate widget id %q", widget.ID)
		}
		if widget.Endpoint == "" {
			return fmt.Errorf("widget %s missing endpoint", widget.ID)
		}
		widgets[widget.ID] = struct{}{}
	}
	for _, param := range c.Parameters {
		for _, widgetID := range param.Widgets {
			if _, ok := widgets[widgetID]; !ok {
				return fmt.Errorf("parameter %s bound to unknown widget %q", param.Name, widgetID)
			}
		}
	}
	kinds := make(map[string]struct{}, len(c.Schemas))
	for _, schema := range c.Schemas {
		if schema.Kind == "" {
			return errors.New("schema kind must not be empty")
		}
		if schema.CUE == "" {
			return fmt.Errorf("schema %s: cue source must not be empty", schema.Kind)
		}
		if _, ok := kinds[schema.Kind]; ok {
			return fmt.Errorf("duplicate schema for kind %q", schema.Kind)
		}
		kinds[schema.Kind] = struct{}{}
	}
	return nil
}
