// Package chatsync keeps a local, reactive model of a user's conversations
// consistent with a server-pushed event stream.
//
// It covers the conversation store, history loading, the push channel
// lifecycle with a bounded retry policy, event routing, reactions, read
// receipts, presence and new-message notifications.
//
// Example:
//
//	api := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	ch := chatsync.NewWSChannel("wss://chat.example.com/ws", &chatsync.ChannelConfig{AutoReconnect: true})
//	s := chatsync.New(ch, api, chatsync.StaticIdentity{User: me, Token: token}, nil)
//	s.Start(ctx)
//	defer s.Stop()
//
//	s.ActivateConversation(ctx, "c17")
package chatsync

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
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST side of the chat API: history pages and mutations.
// Mutations are fire-and-forget; confirmation arrives over the channel.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
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

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the credential after a session refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
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
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 && len(bytes.TrimSpace(data)) == 0 {
		return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return data, nil
}

// do performs a request and unwraps the result envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		return err
	}
	if !result.OK {
		if result.Error != nil {
			return result.Error
		}
		return &APIError{Code: "UNKNOWN", Message: "request failed"}
	}
	if out == nil {
		return nil
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat API
// ============================================================================

// Me returns the identity behind the credential.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	var me Identity
	err := c.do(ctx, "GET", "/api/chat/me", nil, nil, &me)
	return me, err
}

// ListConversations returns the conversation summaries of the current user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.do(ctx, "GET", "/api/chat/conversations", nil, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// FetchHistory returns one page of messages, oldest first.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error) {
	query := map[string]string{}
	if q.Limit > 0 {
		query["limit"] = strconv.Itoa(q.Limit)
	}
	if !q.Before.IsZero() {
		query["before"] = q.Before.UTC().Format(time.RFC3339Nano)
	}
	var msgs []Message
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "GET", path, nil, query, &msgs); err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

// EditMessage submits new content for a message.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	return c.do(ctx, "PATCH", "/api/chat/messages/"+url.PathEscape(messageID), map[string]string{
		"conversation_id": conversationID,
		"content":         content,
	}, nil, nil)
}

// DeleteMessage soft-deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return c.do(ctx, "DELETE", "/api/chat/messages/"+url.PathEscape(messageID), nil,
		map[string]string{"conversation_id": conversationID}, nil)
}

// ToggleReaction adds the current user's emoji reaction, or removes it when
// already present.
func (c *Client) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return c.do(ctx, "POST", "/api/chat/messages/"+url.PathEscape(messageID)+"/reactions", map[string]string{
		"conversation_id": conversationID,
		"emoji":           emoji,
	}, nil, nil)
}
