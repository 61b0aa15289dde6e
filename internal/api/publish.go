package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// PublishRequest is the body of POST /api/v1/publish.
type PublishRequest struct {
	// Provider selects one provider. Empty publishes through every provider.
	Provider string `json:"provider,omitempty"`

	// ClientID selects the connection within the provider.
	ClientID string `json:"client_id,omitempty"`

	Topics  []string        `json:"topics"`
	Message json.RawMessage `json:"message"`
}

// handlePublish decodes the message and hands it to the provider's codec.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Topics) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "at least one topic is required")
		return
	}
	if len(req.Message) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "message is required")
		return
	}

	var msg any
	if err := json.Unmarshal(req.Message, &msg); err != nil {
		writeBadRequest(w, "message is not valid JSON")
		return
	}

	err := s.pubsub.Publish(r.Context(), req.Topics, msg, pubsub.PublishOptions{
		Provider: req.Provider,
		ClientID: req.ClientID,
	})
	if err != nil {
		writePubSubError(w, err)
		return
	}

	s.recordOutbound(req)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"topics": req.Topics,
	})
}

// recordOutbound writes one traffic point per topic and provider.
func (s *Server) recordOutbound(req PublishRequest) {
	if s.metrics == nil {
		return
	}
	names := []string{req.Provider}
	if req.Provider == "" {
		names = names[:0]
		for _, p := range s.pubsub.Providers() {
			names = append(names, p.Name())
		}
	}
	for _, name := range names {
		for _, topic := range req.Topics {
			s.metrics.WriteMessage(name, influxdb.DirectionOutbound, topic, len(req.Message))
		}
	}
}
