// Package wanas is the Go client for the Wanas chat backend.
//
// It covers the REST chat endpoints and the real-time sync engine that
// reconciles REST history with the push channel: connection lifecycle,
// message ordering and de-duplication, typing indicators, presence and
// unread counters.
//
// Example:
//
//	client := wanas.NewClient(token, wanas.WithBaseURL("https://api.wanas.app"))
//	conn := wanas.NewConnectionManager(wanas.RealtimeConfig{
//		HubURL:      "https://api.wanas.app/chatHub",
//		TokenSource: client.Token,
//	})
//	repo := wanas.NewChatRepository(client, conn, wanas.RepositoryConfig{SelfID: me})
//	repo.Start(ctx)
//	defer repo.Stop()
//
//	repo.OpenChat(ctx, "42")
//	repo.Send(ctx, "hello")
package wanas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://api.wanas.app/api"
	DefaultHubURL  = "https://api.wanas.app/chatHub"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a new client authenticated with the given bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: discardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh. The push channel
// picks it up on its next negotiation attempt.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token. Its signature matches TokenSource.
func (c *Client) Token(context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, Err: err}
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token, _ := c.Token(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("chat request failed", "method", method, "path", path, "err", err)
		return nil, &RequestError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, Err: err}
	}
	c.log.Debug("chat request", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Title   string `json:"title"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Code, e.Message = payload.Code, payload.Message
		if payload.Error != nil {
			e.Code, e.Message = payload.Error.Code, payload.Error.Message
		}
		if e.Message == "" {
			e.Message = payload.Title
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat endpoints
// ============================================================================

// ListChats returns the chats of the authenticated user.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/chats/user", nil, nil)
	if err != nil {
		return nil, err
	}
	dtos, err := decodeList[chatDTO](data)
	if err != nil {
		return nil, err
	}
	chats := make([]Chat, 0, len(dtos))
	for _, d := range dtos {
		chat, err := d.model()
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// GetMessages returns the message history of a chat.
func (c *Client) GetMessages(ctx context.Context, chatID ID) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/messages/chat/"+url.PathEscape(string(chatID)), nil, nil)
	if err != nil {
		return nil, err
	}
	dtos, err := decodeList[messageDTO](data)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(dtos))
	for _, d := range dtos {
		m, err := d.model()
		if err != nil {
			return nil, err
		}
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SendMessage posts a message. The sender is taken from the token.
func (c *Client) SendMessage(ctx context.Context, chatID ID, content string) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/messages", map[string]string{
		"chatId":  string(chatID),
		"content": content,
	}, nil)
	if err != nil {
		return nil, err
	}
	dto, err := decodeObject[messageDTO](data)
	if err != nil {
		return nil, err
	}
	m, err := dto.model()
	if err != nil {
		return nil, err
	}
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	return &m, nil
}

// MarkChatRead marks every message of the chat as read for the caller.
func (c *Client) MarkChatRead(ctx context.Context, chatID ID) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/chats/"+url.PathEscape(string(chatID))+"/mark-read", nil, nil)
	return err
}

// GetUnreadCount returns the global unread message count.
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/chats/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	return decodeCount(data)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loggerOr(log *slog.Logger) *slog.Logger {
	if log == nil {
		return discardLogger()
	}
	return log
}
