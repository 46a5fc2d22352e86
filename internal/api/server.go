// Package api serves the HTTP write and read endpoints. Handlers are
// stateless: they write through the stores and, once a write has committed,
// hand the result to the Notifier for realtime fan-out.
package api

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/internal/apperr"
	"github.com/nexus-im/nexus/internal/auth"
	"github.com/nexus-im/nexus/model"
	"github.com/nexus-im/nexus/store/conversation"
	"github.com/nexus-im/nexus/store/message"
	"github.com/nexus-im/nexus/store/user"
)

// Notifier publishes committed writes. Implementations must not block the
// request on delivery failures.
type Notifier interface {
	MessageCreated(ctx context.Context, conv model.Conversation, msg model.Message)
	MessagesSeen(ctx context.Context, conv model.Conversation, msgs []model.Message)
	ConversationCreated(ctx context.Context, conv model.Conversation)
	ConversationRemoved(ctx context.Context, conv model.Conversation)
}

// Deps are the collaborators of the API.
type Deps struct {
	Users         user.Store
	Conversations conversation.Store
	Messages      message.Store
	Notifier      Notifier
	Authenticator *auth.Authenticator
	Log           zerolog.Logger
}

// Server holds the handlers.
type Server struct {
	users    user.Store
	convos   conversation.Store
	messages message.Store
	notifier Notifier
	authn    *auth.Authenticator
	validate *validator.Validate
	log      zerolog.Logger
}

func New(d Deps) *Server {
	return &Server{
		users:    d.Users,
		convos:   d.Conversations,
		messages: d.Messages,
		notifier: d.Notifier,
		authn:    d.Authenticator,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      d.Log.With().Str("component", "api").Logger(),
	}
}

// Register mounts the API routes on r under /api.
func (s *Server) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authn.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		s.writeError(w, r, apperr.Unauthorized("Authentication required", err))
	}))

	authed.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	authed.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	authed.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	authed.HandleFunc("/conversations/{id}", s.handleDeleteConversation).Methods(http.MethodDelete)
	authed.HandleFunc("/conversations/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	authed.HandleFunc("/conversations/{id}/messages", s.handleCreateMessage).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/seen", s.handleMarkSeen).Methods(http.MethodPost)
}

// Router returns a router carrying only the API routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.Register(r)
	return r
}
