package binding

import (
	"reflect"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/mvolkert/dashbind/config"
	"github.com/mvolkert/dashbind/params"
	"github.com/mvolkert/dashbind/resolve"
)

func newStore(t *testing.T, cfgs []config.ParameterConfig) *params.Store {
	t.Helper()
	store, err := params.NewStore(cfgs, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func baseConfig() map[string]interface{} {
	return map[string]interface{}{
		"filter": map[string]interface{}{
			"field": "site",
			"value": "{{selectedSite}}",
		},
	}
}

func TestResolveSubstitutesBoundValues(t *testing.T) {
	store := newStore(t, []config.ParameterConfig{
		{Name: "selectedSite", Type: config.ValueKindString, Default: "Site-001"},
	})
	binder, err := New("enrollment", baseConfig(), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resolved, check := binder.Resolve()
	want := map[string]interface{}{
		"filter": map[string]interface{}{"field": "site", "value": "Site-001"},
	}
	if !reflect.DeepEqual(resolved, want) {
		t.Fatalf("resolved = %v, want %v", resolved, want)
	}
	if !check.Valid {
		t.Fatalf("validation = %+v, want valid", check)
	}
	if !binder.HasParameterizedValues() {
		t.Fatalf("HasParameterizedValues must be true")
	}
}

func TestResolveShortCircuitsWithoutBoundValues(t *testing.T) {
	store := newStore(t, nil)
	base := baseConfig()
	binder, err := New("enrollment", base, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resolved, check := binder.Resolve()
	if got, want := reflect.ValueOf(resolved).Pointer(), reflect.ValueOf(base).Pointer(); got != want {
		t.Fatalf("short-circuit must return the base tree by reference")
	}
	if check.Valid {
		t.Fatalf("validation = %+v, want missing selectedSite", check)
	}
	if !reflect.DeepEqual(check.Missing, []string{"selectedSite"}) {
		t.Fatalf("Missing = %v", check.Missing)
	}
	if !binder.HasParameterizedValues() {
		t.Fatalf("HasParameterizedValues must be true even when unresolved")
	}
}

func TestResolveCachesByStoreVersion(t *testing.T) {
	store := newStore(t, []config.ParameterConfig{
		{Name: "selectedSite", Type: config.ValueKindString, Default: "Site-001"},
	})
	binder, err := New("enrollment", baseConfig(), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, _ := binder.Resolve()
	second, _ := binder.Resolve()
	if got, want := reflect.ValueOf(second).Pointer(), reflect.ValueOf(first).Pointer(); got != want {
		t.Fatalf("unchanged store must return the cached tree")
	}

	if err := store.Set("selectedSite", "Site-002"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	third, _ := binder.Resolve()
	value := third.(map[string]interface{})["filter"].(map[string]interface{})["value"]
	if value != "Site-002" {
		t.Fatalf("resolved value = %v, want Site-002", value)
	}
}

func TestOnResolvedCallbackFiresOnChange(t *testing.T) {
	store := newStore(t, []config.ParameterConfig{
		{Name: "selectedSite", Type: config.ValueKindString, Default: "Site-001"},
	})
	var calls []interface{}
	binder, err := New("enrollment", baseConfig(), store, WithOnResolved(func(resolved interface{}) {
		calls = append(calls, resolved)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	binder.Resolve()
	binder.Resolve()
	if len(calls) != 1 {
		t.Fatalf("callback calls = %d, want 1", len(calls))
	}

	if err := store.Set("selectedSite", "Site-002"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	binder.Resolve()
	if len(calls) != 2 {
		t.Fatalf("callback calls = %d, want 2 after change", len(calls))
	}
}

func TestResolveLeavesUnknownReferenceVerbatim(t *testing.T) {
	store := newStore(t, []config.ParameterConfig{
		{Name: "known", Type: config.ValueKindString, Default: "x"},
	})
	base := map[string]interface{}{
		"a": "{{known}}",
		"b": "{{unknown}}",
	}
	binder, err := New("w", base, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resolved, check := binder.Resolve()
	tree := resolved.(map[string]interface{})
	if tree["a"] != "x" || tree["b"] != "{{unknown}}" {
		t.Fatalf("resolved = %v", tree)
	}
	if check.Valid || !reflect.DeepEqual(check.Missing, []string{"unknown"}) {
		t.Fatalf("validation = %+v", check)
	}
}

func TestQueryBinderResolvesJSON(t *testing.T) {
	store := newStore(t, []config.ParameterConfig{
		{Name: "selectedSite", Type: config.ValueKindString, Default: "Site-001"},
		{Name: "limit", Type: config.ValueKindInteger, Default: 25},
	})
	query := map[string]interface{}{
		"filters": []interface{}{
			map[string]interface{}{"field": "site", "value": "{{selectedSite}}"},
		},
		"limit": "{{limit}}",
	}
	binder, err := NewQuery("enrollment", query, store)
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}

	payload, check, err := binder.ResolveJSON()
	if err != nil {
		t.Fatalf("ResolveJSON: %v", err)
	}
	if !check.Valid {
		t.Fatalf("validation = %+v", check)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded["limit"] != float64(25) {
		t.Fatalf("limit = %v, want 25 with native type", decoded["limit"])
	}
	filters := decoded["filters"].([]interface{})
	if filters[0].(map[string]interface{})["value"] != "Site-001" {
		t.Fatalf("filters = %v", filters)
	}
}

func TestValidationMatchesExtractedReferences(t *testing.T) {
	store := newStore(t, []config.ParameterConfig{
		{Name: "present", Type: config.ValueKindString, Default: "v"},
	})
	base := map[string]interface{}{"a": "{{present}}", "b": "{{absent}}"}
	binder, err := New("w", base, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, check := binder.Resolve()
	expected := resolve.ValidateReferences(base, store.Names())
	if !reflect.DeepEqual(check, expected) {
		t.Fatalf("binder validation %+v differs from resolve.ValidateReferences %+v", check, expected)
	}
}
