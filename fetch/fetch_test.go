package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mvolkert/dashbind/binding"
	"github.com/mvolkert/dashbind/config"
	"github.com/mvolkert/dashbind/params"
)

type stubSource struct {
	mu      sync.Mutex
	handler func(endpoint string, query []byte) ([]byte, error)
	queries map[string][][]byte
}

func newStubSource(handler func(endpoint string, query []byte) ([]byte, error)) *stubSource {
	return &stubSource{handler: handler, queries: make(map[string][][]byte)}
}

func (s *stubSource) Fetch(_ context.Context, endpoint string, query []byte) ([]byte, error) {
	s.mu.Lock()
	s.queries[endpoint] = append(s.queries[endpoint], query)
	s.mu.Unlock()
	return s.handler(endpoint, query)
}

func (s *stubSource) Close() error { return nil }

func newFetcher(t *testing.T, cfg config.WidgetConfig, source Source, states *StateStore) *Fetcher {
	t.Helper()
	store, err := params.NewStore([]config.ParameterConfig{
		{Name: "site", Type: config.ValueKindString, Default: "Site-001"},
	}, zerolog.Nop())
	require.NoError(t, err)

	query := cfg.Query
	if query == nil {
		query = map[string]interface{}{"site": "{{site}}"}
	}
	binder, err := binding.NewQuery(cfg.ID, query, store)
	require.NoError(t, err)

	fetcher, err := NewFetcher(cfg, binder, source, states, nil)
	require.NoError(t, err)
	return fetcher
}

func TestPerformRecordsDataAndResolvedQuery(t *testing.T) {
	source := newStubSource(func(endpoint string, query []byte) ([]byte, error) {
		return []byte(`{"rows": [1, 2, 3]}`), nil
	})
	states := NewStateStore()
	fetcher := newFetcher(t, config.WidgetConfig{ID: "enrollment", Endpoint: "/widgets/enrollment"}, source, states)

	require.NoError(t, fetcher.Perform(context.Background(), zerolog.Nop()))

	state, ok := states.Get("enrollment")
	require.True(t, ok)
	require.False(t, state.Loading)
	require.Empty(t, state.Error)
	require.Equal(t, map[string]interface{}{"rows": []interface{}{float64(1), float64(2), float64(3)}}, state.Data)
	require.False(t, state.LastUpdated.IsZero())

	require.Len(t, source.queries["/widgets/enrollment"], 1)
	require.JSONEq(t, `{"site": "Site-001"}`, string(source.queries["/widgets/enrollment"][0]))
}

func TestPerformKeepsStaleDataOnError(t *testing.T) {
	var fail bool
	source := newStubSource(func(endpoint string, query []byte) ([]byte, error) {
		if fail {
			return nil, errors.New("backend unavailable")
		}
		return []byte(`{"rows": []}`), nil
	})
	states := NewStateStore()
	fetcher := newFetcher(t, config.WidgetConfig{ID: "enrollment", Endpoint: "/data"}, source, states)

	require.NoError(t, fetcher.Perform(context.Background(), zerolog.Nop()))
	fail = true
	require.Error(t, fetcher.Perform(context.Background(), zerolog.Nop()))

	state, ok := states.Get("enrollment")
	require.True(t, ok)
	require.False(t, state.Loading)
	require.Contains(t, state.Error, "backend unavailable")
	require.Equal(t, map[string]interface{}{"rows": []interface{}{}}, state.Data)
}

func TestPerformExtractsDataPath(t *testing.T) {
	source := newStubSource(func(endpoint string, query []byte) ([]byte, error) {
		return []byte(`{"meta": {"total": 2}, "data": {"rows": ["a", "b"]}}`), nil
	})
	states := NewStateStore()
	fetcher := newFetcher(t, config.WidgetConfig{ID: "w", Endpoint: "/data", DataPath: "data.rows"}, source, states)

	require.NoError(t, fetcher.Perform(context.Background(), zerolog.Nop()))

	state, _ := states.Get("w")
	require.Equal(t, []interface{}{"a", "b"}, state.Data)
}

func TestPerformFailsOnMissingDataPath(t *testing.T) {
	source := newStubSource(func(endpoint string, query []byte) ([]byte, error) {
		return []byte(`{"other": 1}`), nil
	})
	states := NewStateStore()
	fetcher := newFetcher(t, config.WidgetConfig{ID: "w", Endpoint: "/data", DataPath: "data.rows"}, source, states)

	require.Error(t, fetcher.Perform(context.Background(), zerolog.Nop()))
	state, _ := states.Get("w")
	require.Contains(t, state.Error, "data path")
}

func TestDisabledFetcherSkips(t *testing.T) {
	source := newStubSource(func(endpoint string, query []byte) ([]byte, error) {
		return []byte(`{}`), nil
	})
	states := NewStateStore()
	fetcher := newFetcher(t, config.WidgetConfig{ID: "w", Endpoint: "/data", Disable: true}, source, states)

	require.NoError(t, fetcher.Perform(context.Background(), zerolog.Nop()))
	_, ok := states.Get("w")
	require.False(t, ok)

	fetcher.SetDisabled(false)
	require.NoError(t, fetcher.Perform(context.Background(), zerolog.Nop()))
	_, ok = states.Get("w")
	require.True(t, ok)
}

func TestLoadAllIsolatesFailures(t *testing.T) {
	source := newStubSource(func(endpoint string, query []byte) ([]byte, error) {
		if endpoint == "/widgets/2" {
			return nil, errors.New("boom")
		}
		return []byte(`{"ok": true}`), nil
	})
	states := NewStateStore()
	fetchers := []*Fetcher{
		newFetcher(t, config.WidgetConfig{ID: "w1", Endpoint: "/widgets/1"}, source, states),
		newFetcher(t, config.WidgetConfig{ID: "w2", Endpoint: "/widgets/2"}, source, states),
		newFetcher(t, config.WidgetConfig{ID: "w3", Endpoint: "/widgets/3"}, source, states),
	}

	LoadAll(context.Background(), fetchers, 2, zerolog.Nop())

	for _, id := range []string{"w1", "w3"} {
		state, ok := states.Get(id)
		require.True(t, ok, id)
		require.Empty(t, state.Error, id)
		require.NotNil(t, state.Data, id)
	}
	state, ok := states.Get("w2")
	require.True(t, ok)
	require.Contains(t, state.Error, "boom")
	require.Nil(t, state.Data)
}

func TestStateStoreDropsStaleResponses(t *testing.T) {
	states := NewStateStore()

	first := states.Begin("w")
	second := states.Begin("w")

	require.True(t, states.Complete("w", second, "new", nil))
	require.False(t, states.Complete("w", first, "old", nil))

	state, _ := states.Get("w")
	require.Equal(t, "new", state.Data)
	require.False(t, state.Loading)
}

func TestStateStoreLoadingWhileNewerInFlight(t *testing.T) {
	states := NewStateStore()

	first := states.Begin("w")
	_ = states.Begin("w")

	require.True(t, states.Complete("w", first, "first", nil))
	state, _ := states.Get("w")
	require.True(t, state.Loading, "newer attempt still in flight")
	require.Equal(t, "first", state.Data)
}
