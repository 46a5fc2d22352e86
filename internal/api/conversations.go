package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nexus-im/nexus/internal/apperr"
	"github.com/nexus-im/nexus/internal/auth"
	"github.com/nexus-im/nexus/model"
	"github.com/nexus-im/nexus/store/conversation"
	"github.com/nexus-im/nexus/store/user"
)

type createConversationRequest struct {
	IsGroup   bool     `json:"is_group"`
	UserID    string   `json:"user_id" validate:"required_without=IsGroup"`
	Name      string   `json:"name" validate:"max=100"`
	MemberIDs []string `json:"member_ids" validate:"required_if=IsGroup true,max=100,dive,required"`
}

type createConversationResponse struct {
	Conversation *model.Conversation `json:"conversation"`
	Created      bool                `json:"created"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convos, err := s.convos.ListForUser(ctx, auth.UserID(ctx))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ids := make([]string, 0, len(convos))
	for _, c := range convos {
		ids = append(ids, c.ID)
	}
	latest, err := s.messages.Latest(ctx, ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, c := range convos {
		c.LastMessage = latest[c.ID]
	}

	writeJSON(w, http.StatusOK, convos)
}

// handleCreateConversation returns the existing conversation when a direct
// conversation with the same user already exists.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)

	var req createConversationRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	others := req.MemberIDs
	if !req.IsGroup {
		others = []string{req.UserID}
	}
	for _, id := range others {
		if id == userID {
			continue
		}
		if _, err := s.users.GetByID(ctx, id); err != nil {
			if errors.Is(err, user.ErrUserNotFound) {
				err = apperr.NotFound("User", err)
			}
			s.writeError(w, r, err)
			return
		}
	}

	var (
		convo   *model.Conversation
		created = true
		err     error
	)
	if req.IsGroup {
		convo = &model.Conversation{Name: req.Name, CreatedBy: userID}
		err = s.convos.CreateGroup(ctx, convo, append([]string{userID}, req.MemberIDs...))
	} else {
		convo, created, err = s.convos.FindOrCreateDirect(ctx, userID, req.UserID)
	}
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrSelfConversation), errors.Is(err, conversation.ErrNotEnoughMembers):
			err = apperr.BadRequest(err.Error(), err)
		}
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.notifier.ConversationCreated(ctx, *convo)
	}
	writeJSON(w, status, createConversationResponse{Conversation: convo, Created: created})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	convo, err := s.memberConversation(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	latest, err := s.messages.Latest(r.Context(), []string{convo.ID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	convo.LastMessage = latest[convo.ID]
	writeJSON(w, http.StatusOK, convo)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	convo, err := s.memberConversation(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.convos.Delete(r.Context(), convo.ID); err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			err = apperr.NotFound("Conversation", err)
		}
		s.writeError(w, r, err)
		return
	}

	s.notifier.ConversationRemoved(r.Context(), *convo)
	w.WriteHeader(http.StatusNoContent)
}

// memberConversation loads the conversation named in the path, provided the
// caller belongs to it.
func (s *Server) memberConversation(r *http.Request) (*model.Conversation, error) {
	convo, err := s.convos.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return nil, apperr.NotFound("Conversation", err)
		}
		return nil, err
	}
	if !convo.HasMember(auth.UserID(r.Context())) {
		return nil, apperr.Forbidden("Not a member of this conversation", nil)
	}
	return convo, nil
}
