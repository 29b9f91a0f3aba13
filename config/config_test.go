package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshal(t *testing.T) {
	var doc struct {
		Refresh Duration `yaml:"refresh"`
	}
	if err := yaml.Unmarshal([]byte("refresh: 30s\n"), &doc); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if doc.Refresh.Duration != 30*time.Second {
		t.Fatalf("refresh = %v, want 30s", doc.Refresh.Duration)
	}

	if err := yaml.Unmarshal([]byte("refresh: nonsense\n"), &doc); err == nil {
		t.Fatal("expected error for malformed duration")
	}

	doc.Refresh = Duration{}
	if err := yaml.Unmarshal([]byte("refresh: \"\"\n"), &doc); err != nil {
		t.Fatalf("unmarshal empty duration error = %v", err)
	}
	if doc.Refresh.Duration != 0 {
		t.Fatalf("empty refresh = %v, want 0", doc.Refresh.Duration)
	}
}

func TestModuleIncludeScalarAndMapping(t *testing.T) {
	var doc struct {
		Modules []ModuleInclude `yaml:"modules"`
	}
	raw := `
modules:
  - widgets/site.yaml
  - path: widgets/alerts.yaml
    name: alerts
    description: alert widgets
`
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if len(doc.Modules) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(doc.Modules))
	}
	if doc.Modules[0].Path != "widgets/site.yaml" {
		t.Fatalf("scalar module path = %q", doc.Modules[0].Path)
	}
	if doc.Modules[1].Path != "widgets/alerts.yaml" || doc.Modules[1].Name != "alerts" {
		t.Fatalf("mapping module = %+v", doc.Modules[1])
	}

	if err := yaml.Unmarshal([]byte("modules:\n  - name: missing-path\n"), &doc); err == nil {
		t.Fatal("expected error for include without path")
	}
}

func TestLoadMergesModules(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "dashboard.yaml")
	module := filepath.Join(dir, "widgets.yaml")

	writeFile(t, root, `
name: operations
backend:
  base_url: http://backend.local
  timeout: 5s
parameters:
  - name: site
    type: string
    default: Site-001
modules:
  - path: widgets.yaml
    name: extra
`)
	writeFile(t, module, `
widgets:
  - id: enrollment
    endpoint: /widgets/enrollment
    refresh: 30s
    query:
      site: "{{site}}"
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Name != "operations" {
		t.Fatalf("name = %q", cfg.Name)
	}
	if cfg.Backend.FetchTimeout() != 5*time.Second {
		t.Fatalf("timeout = %v, want 5s", cfg.Backend.FetchTimeout())
	}
	if len(cfg.Parameters) != 1 || len(cfg.Widgets) != 1 {
		t.Fatalf("merged %d parameters and %d widgets", len(cfg.Parameters), len(cfg.Widgets))
	}
	widget := cfg.Widgets[0]
	if widget.ID != "enrollment" || widget.Refresh.Duration != 30*time.Second {
		t.Fatalf("widget = %+v", widget)
	}
	if widget.Source.File != module {
		t.Fatalf("widget source = %q, want %q", widget.Source.File, module)
	}
	if widget.Source.Name != "extra" {
		t.Fatalf("widget source name = %q, want include override", widget.Source.Name)
	}
	if cfg.Parameters[0].Source.File != root {
		t.Fatalf("parameter source = %q, want %q", cfg.Parameters[0].Source.File, root)
	}

	files := SourceFiles(cfg)
	want := []string{root, module}
	if filepath.Base(root) > filepath.Base(module) {
		want = []string{module, root}
	}
	if !reflect.DeepEqual(files, want) {
		t.Fatalf("SourceFiles() = %v, want %v", files, want)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.yaml")
	second := filepath.Join(dir, "b.yaml")
	writeFile(t, first, "modules:\n  - b.yaml\n")
	writeFile(t, second, "modules:\n  - a.yaml\n")

	_, err := Load(first)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error = %v, want include cycle", err)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Backend: BackendConfig{BaseURL: "http://backend.local"},
			Parameters: []ParameterConfig{
				{Name: "site", Type: ValueKindString, Default: "Site-001", Widgets: []string{"enrollment"}},
			},
			Widgets: []WidgetConfig{
				{ID: "enrollment", Endpoint: "/widgets/enrollment"},
			},
			Schemas: []SchemaConfig{
				{Kind: "table", CUE: "limit: int\n"},
			},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing backend", func(c *Config) { c.Backend.BaseURL = "" }, "base_url"},
		{"empty parameter name", func(c *Config) { c.Parameters[0].Name = "" }, "name must not be empty"},
		{"dotted parameter name", func(c *Config) { c.Parameters[0].Name = "a.b" }, "must not contain dots"},
		{"duplicate parameter", func(c *Config) { c.Parameters = append(c.Parameters, c.Parameters[0]) }, "duplicate parameter"},
		{"missing type", func(c *Config) { c.Parameters[0].Type = "" }, "missing type"},
		{"unknown type", func(c *Config) { c.Parameters[0].Type = "uuid" }, "unsupported type"},
		{"empty widget id", func(c *Config) { c.Widgets[0].ID = "" }, "widget id"},
		{"duplicate widget", func(c *Config) { c.Widgets = append(c.Widgets, c.Widgets[0]) }, "duplicate widget"},
		{"missing endpoint", func(c *Config) { c.Widgets[0].Endpoint = "" }, "missing endpoint"},
		{"unknown binding", func(c *Config) { c.Parameters[0].Widgets = []string{"nope"} }, "unknown widget"},
		{"empty schema kind", func(c *Config) { c.Schemas[0].Kind = "" }, "schema kind"},
		{"empty schema source", func(c *Config) { c.Schemas[0].CUE = "" }, "cue source"},
		{"duplicate schema", func(c *Config) { c.Schemas = append(c.Schemas, c.Schemas[0]) }, "duplicate schema"},
	}
	for _, tc := range cases {
		cfg := valid()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error = %v, want substring %q", tc.name, err, tc.want)
		}
	}
}

func TestSchemaSetValidate(t *testing.T) {
	set, err := CompileSchemas([]SchemaConfig{
		{Kind: "table", CUE: "limit: int & <=100\ncolumns?: [...string]\n"},
	})
	if err != nil {
		t.Fatalf("CompileSchemas() error = %v", err)
	}

	if err := set.Validate("table", map[string]interface{}{"limit": 25}); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
	if err := set.Validate("table", map[string]interface{}{"limit": 500}); err == nil {
		t.Fatal("expected out-of-range limit to fail")
	}
	if err := set.Validate("chart", map[string]interface{}{"anything": true}); err != nil {
		t.Fatalf("kind without schema should pass, got %v", err)
	}
	if kinds := set.Kinds(); len(kinds) != 1 || kinds[0] != "table" {
		t.Fatalf("Kinds() = %v", kinds)
	}

	if _, err := CompileSchemas([]SchemaConfig{{Kind: "broken", CUE: "limit: int &"}}); err == nil {
		t.Fatal("expected compile error for malformed schema")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
