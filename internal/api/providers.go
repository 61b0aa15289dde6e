package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-pubsub/internal/history"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// ProviderInfo describes one provider in API responses.
type ProviderInfo struct {
	Name     string                 `json:"name"`
	State    pubsub.ConnectionState `json:"state"`
	ClientID string                 `json:"client_id,omitempty"`
	Clients  []string               `json:"clients"`
	Filters  []string               `json:"filters"`
}

// providerDiagnostics is implemented by providers that expose their
// connections and filters, such as *pubsub.MQTTProvider.
type providerDiagnostics interface {
	ClientID() string
	Clients() []string
	Filters() []string
}

// healthReporter is implemented by providers that accept host health
// signals they cannot observe themselves.
type healthReporter interface {
	RecordNetworkStatus(online bool)
	RecordKeepAlive(healthy bool)
}

// HealthRequest is the body of PUT /api/v1/providers/{name}/network.
// Omitted fields leave that signal unchanged.
type HealthRequest struct {
	Online    *bool `json:"online"`
	KeepAlive *bool `json:"keep_alive,omitempty"`
}

func describeProvider(p pubsub.Provider) ProviderInfo {
	info := ProviderInfo{
		Name:    p.Name(),
		State:   p.State(),
		Clients: []string{},
		Filters: []string{},
	}
	if d, ok := p.(providerDiagnostics); ok {
		info.ClientID = d.ClientID()
		if clients := d.Clients(); clients != nil {
			info.Clients = clients
		}
		if filters := d.Filters(); filters != nil {
			info.Filters = filters
		}
	}
	return info
}

// handleListProviders returns every provider with its current state.
func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	providers := s.pubsub.Providers()
	out := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, describeProvider(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": out,
		"count":     len(out),
	})
}

// handleGetProvider returns a single provider.
func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.pubsub.Provider(chi.URLParam(r, "name"))
	if err != nil {
		writePubSubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, describeProvider(p))
}

// handleProviderNetwork records host network and keep-alive health reported
// by an external watcher such as a NetworkManager dispatcher hook.
// Responds with the provider as it looks afterwards.
func (s *Server) handleProviderNetwork(w http.ResponseWriter, r *http.Request) {
	p, err := s.pubsub.Provider(chi.URLParam(r, "name"))
	if err != nil {
		writePubSubError(w, err)
		return
	}
	reporter, ok := p.(healthReporter)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "provider does not accept health signals")
		return
	}

	var req HealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Online == nil && req.KeepAlive == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "online or keep_alive is required")
		return
	}

	attrs := []any{"provider", p.Name()}
	if req.Online != nil {
		reporter.RecordNetworkStatus(*req.Online)
		attrs = append(attrs, "online", *req.Online)
	}
	if req.KeepAlive != nil {
		reporter.RecordKeepAlive(*req.KeepAlive)
		attrs = append(attrs, "keep_alive", *req.KeepAlive)
	}
	s.logger.Info("host health reported", attrs...)
	writeJSON(w, http.StatusOK, describeProvider(p))
}

// handleProviderHistory returns recent state transitions, newest first.
//
// Query parameters:
//   - limit: maximum entries (default 50, capped at 1000)
func (s *Server) handleProviderHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "state history is not enabled")
		return
	}

	name := chi.URLParam(r, "name")
	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.Recent(r.Context(), name, limit)
	if err != nil {
		if errors.Is(err, history.ErrInvalidProvider) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("reading state history failed", "provider", name, "error", err)
		writeInternalError(w, "failed to read state history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": name,
		"entries":  entries,
		"count":    len(entries),
	})
}
