package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/nexus/model"
)

func newTestClient(t *testing.T, r *mux.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:      srv.URL + "/",
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		Log:          zerolog.Nop(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLoginKeepsToken(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		var body credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, credentials{Username: "alice", Password: "secret1"}, body)
		writeJSON(w, http.StatusOK, Auth{Token: "tok", ExpiresIn: 3600, User: model.User{ID: "A", Username: "alice"}})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, []model.User{{ID: "B", Username: "bob"}})
	}).Methods(http.MethodGet)
	c := newTestClient(t, r)

	auth, err := c.Login(context.Background(), "alice", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "A", auth.User.ID)
	assert.Equal(t, "tok", c.Token())

	users, err := c.Users(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.User{{ID: "B", Username: "bob"}}, users)
}

func TestSendMessage(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var d Draft
		require.NoError(t, json.NewDecoder(r.Body).Decode(&d))
		assert.Equal(t, Draft{Body: "hi", ClientID: "tmp-1"}, d)
		writeJSON(w, http.StatusCreated, model.Message{
			ID: "m-42", ConversationID: mux.Vars(r)["id"], SenderID: "A",
			Body: d.Body, ClientID: d.ClientID, SeenBy: []string{"A"},
		})
	}).Methods(http.MethodPost)
	c := newTestClient(t, r)

	msg, err := c.SendMessage(context.Background(), "C1", Draft{Body: "hi", ClientID: "tmp-1"})
	require.NoError(t, err)
	assert.Equal(t, "m-42", msg.ID)
	assert.Equal(t, "C1", msg.ConversationID)
	assert.Equal(t, "tmp-1", msg.ClientID)
}

func TestErrorResponses(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error": map[string]string{"code": "FORBIDDEN", "message": "not a member of this conversation"},
		})
	})
	r.HandleFunc("/api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	c := newTestClient(t, r)

	_, err := c.Messages(context.Background(), "C1")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
	assert.True(t, IsStatus(err, http.StatusForbidden))

	err = c.DeleteConversation(context.Background(), "C1")
	assert.True(t, IsStatus(err, http.StatusNotFound))
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	r := mux.NewRouter()
	r.HandleFunc("/api/conversations/{id}/seen", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"messages": []model.Message{{ID: "m1", ConversationID: "C1", SeenBy: []string{"B", "A"}}},
		})
	}).Methods(http.MethodPost)
	c := newTestClient(t, r)

	changed, err := c.MarkSeen(context.Background(), "C1")
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, []string{"B", "A"}, changed[0].SeenBy)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGivesUpAfterRetries(t *testing.T) {
	var calls int32
	r := mux.NewRouter()
	r.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, r)

	_, err := c.Conversations(context.Background())
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCreateDirectAndDelete(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		var body createConversation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "B", body.UserID)
		assert.False(t, body.IsGroup)
		writeJSON(w, http.StatusCreated, createdConversation{Conversation: &model.Conversation{ID: "C1"}, Created: true})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
	c := newTestClient(t, r)

	conv, created, err := c.CreateDirect(context.Background(), "B")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "C1", conv.ID)

	assert.NoError(t, c.DeleteConversation(context.Background(), "C1"))
}
