// Package client talks to the ishtar HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/project-ishtar/ishtar/internal/api"
	"github.com/project-ishtar/ishtar/internal/core"
	"github.com/project-ishtar/ishtar/internal/store"
)

const maxResponseBytes = 10 << 20

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	api.ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ishtar: %d %s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New returns a client for the server at baseURL. A nil httpClient uses one
// with a two minute timeout, long enough for slow model replies.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do sends a JSON request and decodes a JSON response into T. A nil result
// is returned for 204 responses.
func do[T any](ctx context.Context, c *Client, method, path string, payload any) (*T, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("ishtar: marshal %s %s request: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("ishtar: create %s %s request: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ishtar: %s %s failed: %w", method, path, err)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("ishtar: read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, &apiErr.ErrorBody); err != nil || apiErr.Code == "" {
			apiErr.Code = api.CodeInternal
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var out T
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("ishtar: decode %s %s response: %w", method, path, err)
	}
	return &out, nil
}

func (c *Client) Signup(ctx context.Context, username, password string) (*store.User, error) {
	return do[store.User](ctx, c, http.MethodPost, "/api/signup", api.CredentialsRequest{Username: username, Password: password})
}

// Login authenticates and keeps the returned token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*api.LoginResponse, error) {
	resp, err := do[api.LoginResponse](ctx, c, http.MethodPost, "/api/login", api.CredentialsRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return resp, nil
}

func (c *Client) Send(ctx context.Context, req core.SendMessageRequest) (*core.SendMessageResponse, error) {
	return do[core.SendMessageResponse](ctx, c, http.MethodPost, "/api/ai", req)
}

func (c *Client) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	convs, err := do[[]store.Conversation](ctx, c, http.MethodGet, "/api/conversations", nil)
	if err != nil || convs == nil {
		return nil, err
	}
	return *convs, nil
}

func (c *Client) CreateConversation(ctx context.Context, settings *store.ChatSettings) (*store.Conversation, error) {
	return do[store.Conversation](ctx, c, http.MethodPost, "/api/conversations", api.CreateConversationRequest{ChatSettings: settings})
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return do[store.Conversation](ctx, c, http.MethodGet, conversationPath(conversationID), nil)
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := do[struct{}](ctx, c, http.MethodDelete, conversationPath(conversationID), nil)
	return err
}

func (c *Client) UpdateChatSettings(ctx context.Context, conversationID string, settings store.ChatSettings) (*store.Conversation, error) {
	return do[store.Conversation](ctx, c, http.MethodPatch, conversationPath(conversationID)+"/settings", settings)
}

// ListMessages fetches one page of history older than cursor. An empty
// cursor fetches the newest page.
func (c *Client) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*core.MessagePage, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := conversationPath(conversationID) + "/messages"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return do[core.MessagePage](ctx, c, http.MethodGet, path, nil)
}

func (c *Client) CreatePromptMessage(ctx context.Context, conversationID string, req api.CreatePromptMessageRequest) (*store.Message, error) {
	return do[store.Message](ctx, c, http.MethodPost, conversationPath(conversationID)+"/messages", req)
}

func conversationPath(conversationID string) string {
	return "/api/conversations/" + url.PathEscape(conversationID)
}
