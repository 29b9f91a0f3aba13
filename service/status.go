package service

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// statusServer exposes the runtime state over HTTP: dashboards read
// parameter and widget state from it, and parameter UI controls write
// values back through it.
type statusServer struct {
	svc      *Service
	listener net.Listener
	server   *http.Server
}

// EnableStatusServer starts the status endpoint on the given address.
func (s *Service) EnableStatusServer(listen string) error {
	if s.status != nil {
		return errors.New("status server already enabled")
	}
	if listen == "" {
		listen = ":18080"
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}

	status := &statusServer{svc: s, listener: ln}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", status.handleState)
	mux.HandleFunc("POST /api/parameters/{name}", status.handleParameterUpdate)
	mux.HandleFunc("POST /api/widgets/{id}/refresh", status.handleWidgetRefresh)
	mux.HandleFunc("POST /api/widgets/{id}/disable", status.handleWidgetDisable)

	status.server = &http.Server{Handler: mux}
	go func() {
		if err := status.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("status server stopped")
		}
	}()

	s.status = status
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("status server enabled")
	return nil
}

// StatusAddress returns the bound address of the status server, or an
// empty string when it is not enabled.
func (s *Service) StatusAddress() string {
	if s.status == nil || s.status.listener == nil {
		return ""
	}
	return s.status.listener.Addr().String()
}

func (st *statusServer) close() {
	if st.server != nil {
		st.server.Close()
	}
}

type statusParameter struct {
	Name        string      `json:"name"`
	Label       string      `json:"label,omitempty"`
	Description string      `json:"description,omitempty"`
	Kind        string      `json:"kind"`
	Value       interface{} `json:"value,omitempty"`
	Set         bool        `json:"set"`
	Derived     bool        `json:"derived,omitempty"`
	UpdatedAt   *time.Time  `json:"updated_at,omitempty"`
}

type statusWidget struct {
	ID            string      `json:"id"`
	Title         string      `json:"title,omitempty"`
	Kind          string      `json:"kind,omitempty"`
	Endpoint      string      `json:"endpoint"`
	Interval      string      `json:"interval,omitempty"`
	Disabled      bool        `json:"disabled,omitempty"`
	Parameterized bool        `json:"parameterized"`
	References    []string    `json:"references,omitempty"`
	Missing       []string    `json:"missing,omitempty"`
	Diagnosis     string      `json:"diagnosis,omitempty"`
	Options       interface{} `json:"options,omitempty"`
	Loading       bool        `json:"loading"`
	Error         string      `json:"error,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	LastUpdated   *time.Time  `json:"last_updated,omitempty"`
}

type statusDocument struct {
	Name       string            `json:"name,omitempty"`
	Parameters []statusParameter `json:"parameters"`
	Widgets    []statusWidget    `json:"widgets"`
}

func (st *statusServer) handleState(w http.ResponseWriter, r *http.Request) {
	doc := statusDocument{Name: st.svc.cfg.Name}
	for _, state := range st.svc.ParameterStates() {
		doc.Parameters = append(doc.Parameters, statusParameter{
			Name:        state.Name,
			Label:       state.Label,
			Description: state.Description,
			Kind:        string(state.Kind),
			Value:       state.Value,
			Set:         state.Set,
			Derived:     state.Derived,
			UpdatedAt:   state.UpdatedAt,
		})
	}
	for _, view := range st.svc.WidgetStates() {
		widget := statusWidget{
			ID:            view.ID,
			Title:         view.Title,
			Kind:          view.Kind,
			Endpoint:      view.Endpoint,
			Disabled:      view.Disabled,
			Parameterized: view.HasParameterizedValues,
			References:    view.References,
			Missing:       view.Missing,
			Diagnosis:     view.Diagnosis,
			Options:       view.Options,
			Loading:       view.Fetch.Loading,
			Error:         view.Fetch.Error,
			Data:          view.Fetch.Data,
		}
		if view.Interval > 0 {
			widget.Interval = view.Interval.String()
		}
		if !view.Fetch.LastUpdated.IsZero() {
			ts := view.Fetch.LastUpdated
			widget.LastUpdated = &ts
		}
		doc.Widgets = append(doc.Widgets, widget)
	}
	writeJSON(w, http.StatusOK, doc)
}

type parameterUpdateRequest struct {
	Value interface{} `json:"value"`
	Clear bool        `json:"clear,omitempty"`
}

func (st *statusServer) handleParameterUpdate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req parameterUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	var err error
	if req.Clear {
		err = st.svc.ClearParameter(name)
	} else {
		err = st.svc.SetParameter(name, req.Value)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	state, err := st.svc.store.State(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, statusParameter{
		Name:      state.Name,
		Kind:      string(state.Kind),
		Value:     state.Value,
		Set:       state.Set,
		Derived:   state.Derived,
		UpdatedAt: state.UpdatedAt,
	})
}

func (st *statusServer) handleWidgetRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := st.svc.WidgetState(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := st.svc.Refresh(r.Context(), id); err != nil {
		// The fetch outcome is already recorded in the widget state; the
		// refresh request itself succeeded.
		st.svc.logger.Debug().Err(err).Str("widget", id).Msg("manual refresh returned error")
	}
	state, _ := st.svc.WidgetState(id)
	writeJSON(w, http.StatusOK, statusWidget{
		ID:          state.ID,
		Endpoint:    state.Endpoint,
		Loading:     state.Fetch.Loading,
		Error:       state.Fetch.Error,
		Data:        state.Fetch.Data,
		Diagnosis:   state.Diagnosis,
		LastUpdated: lastUpdated(state),
	})
}

type widgetDisableRequest struct {
	Disabled bool `json:"disabled"`
}

func (st *statusServer) handleWidgetDisable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req widgetDisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := st.svc.SetWidgetDisabled(id, req.Disabled); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func lastUpdated(view WidgetView) *time.Time {
	if view.Fetch.LastUpdated.IsZero() {
		return nil
	}
	ts := view.Fetch.LastUpdated
	return &ts
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Headers are already written; nothing sensible left to do.
		_ = err
	}
}
