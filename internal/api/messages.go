package api

import (
	"errors"
	"net/http"

	"github.com/nexus-im/nexus/internal/apperr"
	"github.com/nexus-im/nexus/internal/auth"
	"github.com/nexus-im/nexus/model"
	"github.com/nexus-im/nexus/store/message"
)

type createMessageRequest struct {
	Body     string `json:"body" validate:"max=4000"`
	Image    string `json:"image" validate:"omitempty,url,max=2048"`
	ClientID string `json:"client_id" validate:"max=64"`
}

type seenResponse struct {
	Messages []model.Message `json:"messages"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convo, err := s.memberConversation(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msgs, err := s.messages.List(r.Context(), convo.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleCreateMessage is idempotent per client id: a retry returns the
// stored message with 200 and publishes it again, which clients merge away.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	convo, err := s.memberConversation(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createMessageRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Body == "" && req.Image == "" {
		s.writeError(w, r, apperr.BadRequest("body or image is required", nil))
		return
	}

	msg := model.Message{
		ConversationID: convo.ID,
		SenderID:       auth.UserID(r.Context()),
		Body:           req.Body,
		Image:          req.Image,
		ClientID:       req.ClientID,
	}
	created, err := s.messages.Create(r.Context(), &msg)
	if errors.Is(err, message.ErrClientIDReused) {
		s.writeError(w, r, apperr.Conflict("client_id is already used in another conversation", err))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.notifier.MessageCreated(r.Context(), *convo, msg)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, msg)
}

func (s *Server) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	convo, err := s.memberConversation(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	changed, err := s.messages.MarkSeen(r.Context(), convo.ID, auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.notifier.MessagesSeen(r.Context(), *convo, changed)
	writeJSON(w, http.StatusOK, seenResponse{Messages: changed})
}
