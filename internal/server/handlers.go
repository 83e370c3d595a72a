package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatbus/chatbus/internal/chattransport"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

type sendMessageRequest struct {
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
}

// handleSendMessage publishes a chat-message event and streams the
// resulting generation back as SSE.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "id")
	tr, err := s.transportFor(r.Context(), channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg := chatproto.LogicalMessage{
		ID:   req.MessageID,
		Role: chatproto.RoleUser,
		Parts: []chatproto.Part{
			{Kind: chatproto.PartKindText, Text: req.Text},
		},
	}

	chunks, err := tr.SendMessages(r.Context(), chattransport.SendOptions{
		Trigger: chattransport.TriggerSubmitMessage,
		Message: msg,
	}, r.Context().Done())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.streamChunks(w, r, "messages", chunks)
}

type regenerateRequest struct {
	MessageID string `json:"messageId,omitempty"`
}

// handleRegenerate publishes a regenerate event and streams the result.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "id")
	tr, err := s.transportFor(r.Context(), channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var req regenerateRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // empty body is valid: regenerate the trailing assistant message

	chunks, err := tr.SendMessages(r.Context(), chattransport.SendOptions{
		Trigger:   chattransport.TriggerRegenerateMessage,
		MessageID: req.MessageID,
	}, r.Context().Done())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.streamChunks(w, r, "regenerate", chunks)
}

// handleEvents reconnects to whatever generation is currently active on the
// channel, for a client that refreshed mid-stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "id")
	tr, err := s.transportFor(r.Context(), channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	reconnectAttempts.Inc()
	chunks, err := tr.ReconnectToStream(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if chunks == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.streamChunks(w, r, "events", chunks)
}

// handleHistory returns the channel's folded message list.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "id")
	tr, err := s.transportFor(r.Context(), channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result, err := tr.LoadChatHistory(r.Context(), s.opts.HistoryLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// handlePresence streams agent online/offline transitions as SSE.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "id")
	tr, err := s.transportFor(r.Context(), channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.streamPresence(w, r, func(cb func(online bool)) (func(), error) {
		return tr.OnAgentPresenceChange(r.Context(), cb)
	})
}

// handleAbort publishes a user-abort event without opening a stream.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "id")
	_, err := s.opts.Client.Publish(r.Context(), channel, chatproto.OutboundMessage{
		Name:    chatproto.EventUserAbort,
		Data:    "{}",
		Headers: chatproto.Headers{Role: chatproto.RoleUser},
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
