package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/mvolkert/dashbind/config"
)

// Source retrieves widget data from a backend. Implementations must be
// safe for concurrent use because batch loads fan out across widgets.
type Source interface {
	Fetch(ctx context.Context, endpoint string, query []byte) ([]byte, error)
	Close() error
}

// SourceFactory constructs a Source from the backend configuration.
//
// Factories allow alternative transports (or test doubles) to be wired
// into the service without coupling it to concrete types.
type SourceFactory func(cfg config.BackendConfig) (Source, error)

type httpSource struct {
	base    string
	headers map[string]string
	client  *http.Client
}

// NewHTTPSourceFactory returns a factory that creates HTTP sources posting
// JSON queries to the configured backend. Every request carries a fresh
// X-Request-ID for correlation with backend logs.
func NewHTTPSourceFactory() SourceFactory {
	return func(cfg config.BackendConfig) (Source, error) {
		if cfg.BaseURL == "" {
			return nil, errors.New("backend base_url is required")
		}
		return &httpSource{
			base:    cfg.BaseURL,
			headers: cfg.Headers,
			client:  &http.Client{Timeout: cfg.FetchTimeout()},
		}, nil
	}
}

func (s *httpSource) Fetch(ctx context.Context, endpoint string, query []byte) ([]byte, error) {
	url := s.base + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: backend returned %s", endpoint, resp.Status)
	}
	return body, nil
}

func (s *httpSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
