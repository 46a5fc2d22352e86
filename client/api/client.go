// Package api is the HTTP client of the nexus API. Transient failures are
// retried; the writes it exposes are safe to repeat except group creation.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/model"
)

// Error is an error response of the API.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsStatus reports whether err is an API error with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Options configures a Client.
type Options struct {
	// BaseURL is the server root, for example http://localhost:8080.
	BaseURL      string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Log          zerolog.Logger
}

// Client calls the API on behalf of one user.
type Client struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

func New(opts Options) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{log: opts.Log.With().Str("component", "api-client").Logger()}

	return &Client{
		base: strings.TrimRight(opts.BaseURL, "/"),
		http: rc.StandardClient(),
	}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Auth is the result of a register or login.
type Auth struct {
	Token     string     `json:"token"`
	ExpiresIn int        `json:"expires_in"`
	User      model.User `json:"user"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates an account and keeps its token.
func (c *Client) Register(ctx context.Context, username, password string) (*Auth, error) {
	return c.authenticate(ctx, "/api/register", username, password)
}

// Login keeps the token of an existing account.
func (c *Client) Login(ctx context.Context, username, password string) (*Auth, error) {
	return c.authenticate(ctx, "/api/login", username, password)
}

func (c *Client) authenticate(ctx context.Context, path, username, password string) (*Auth, error) {
	var out Auth
	if err := c.do(ctx, http.MethodPost, path, credentials{Username: username, Password: password}, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &out, nil
}

// Users lists every other user.
func (c *Client) Users(ctx context.Context) ([]model.User, error) {
	var out []model.User
	err := c.do(ctx, http.MethodGet, "/api/users", nil, &out)
	return out, err
}

// Conversations lists the conversations of the signed-in user, most recently
// active first.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out)
	return out, err
}

type createConversation struct {
	IsGroup   bool     `json:"is_group"`
	UserID    string   `json:"user_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	MemberIDs []string `json:"member_ids,omitempty"`
}

type createdConversation struct {
	Conversation *model.Conversation `json:"conversation"`
	Created      bool                `json:"created"`
}

// CreateDirect returns the 1:1 conversation with userID, creating it if
// needed.
func (c *Client) CreateDirect(ctx context.Context, userID string) (*model.Conversation, bool, error) {
	var out createdConversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", createConversation{UserID: userID}, &out); err != nil {
		return nil, false, err
	}
	return out.Conversation, out.Created, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (*model.Conversation, error) {
	var out createdConversation
	req := createConversation{IsGroup: true, Name: name, MemberIDs: memberIDs}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &out); err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

func (c *Client) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodGet, conversationPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, conversationPath(id), nil, nil)
}

// Messages lists a conversation's messages, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	err := c.do(ctx, http.MethodGet, conversationPath(conversationID)+"/messages", nil, &out)
	return out, err
}

// Draft is a message to send. ClientID makes the send idempotent.
type Draft struct {
	Body     string `json:"body,omitempty"`
	Image    string `json:"image,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, d Draft) (*model.Message, error) {
	var out model.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID)+"/messages", d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkSeen marks every message of the conversation as seen and returns the
// ones that changed.
func (c *Client) MarkSeen(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID)+"/seen", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func conversationPath(id string) string {
	return "/api/conversations/" + url.PathEscape(id)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &Error{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var eb errorBody
		if json.NewDecoder(resp.Body).Decode(&eb) == nil && eb.Error.Code != "" {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s %s", method, path)
}

// leveledLogger routes retryablehttp logs to zerolog.
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}
