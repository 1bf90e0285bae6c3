// Package chatclient implements the messaging engine of the forum's
// real-time chat: the live-connection lifecycle with reconnection and
// outbox, optimistic message reconciliation, delivery/seen receipt tracking,
// typing indicators, presence, and history pagination.
//
// Example:
//
//	api := chatclient.NewClient("https://forum.example.com",
//		chatclient.WithToken(token))
//
//	sock := chatclient.NewChatSocket(api.WSUrl(), nil)
//	sess := chatclient.NewSession(me.ID, api, sock, nil)
//	sess.Start()
//	sock.Enable()
//
//	sess.OpenConversation(ctx, peerID)
//	sess.SendText("hello")
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds each REST request.
const DefaultTimeout = 30 * time.Second

// maxPageLimit mirrors the server-side clamp on history page sizes.
const maxPageLimit = 50

// ErrUnauthorized is returned when the session has expired. The caller
// should Disable the socket and send the user back through login.
var ErrUnauthorized = errors.New("unauthorized")

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator: history pagination, the REST send
// fallback, and the user directory. Live traffic goes through ChatSocket.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// NewClient creates a REST client for the forum at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the auth token, e.g. after a fresh login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// WSUrl returns the live-connection URL for the same host.
func (c *Client) WSUrl() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/chat"
}

// ----------------------------------------------------------------------------
// Internal request helper
// ----------------------------------------------------------------------------

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 300:
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// History pagination
// ============================================================================

// HistoryPage is one page of conversation history, newest-first cursor
// semantics: NextBefore is the id to pass as before for the next older page.
type HistoryPage struct {
	Messages   []Message
	HasMore    bool
	NextBefore int64
}

type historyResponse struct {
	Messages []MessageFrame `json:"messages"`
	// HasMore is a pointer so a server that omits the field can be told
	// apart from one reporting false; a full page then signals "more may
	// exist".
	HasMore    *bool `json:"has_more"`
	NextBefore int64 `json:"next_before"`
}

// Messages fetches a history page for the conversation with otherUserID.
// before is the exclusive upper id cursor; 0 means newest. The limit is
// clamped to the server's 1..50 range.
func (c *Client) Messages(ctx context.Context, otherUserID, before int64, limit int) (*HistoryPage, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if before > 0 {
		query["before"] = strconv.FormatInt(before, 10)
	}

	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages/"+strconv.FormatInt(otherUserID, 10), nil, query)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[historyResponse](data)
	if err != nil {
		return nil, err
	}

	hasMore := len(resp.Messages) == limit
	if resp.HasMore != nil {
		hasMore = *resp.HasMore
	}

	now := time.Now()
	page := &HistoryPage{
		HasMore:    hasMore,
		NextBefore: resp.NextBefore,
		Messages:   make([]Message, 0, len(resp.Messages)),
	}
	for _, f := range resp.Messages {
		page.Messages = append(page.Messages, normalizeMessage(f, now))
	}
	return page, nil
}

// SendMessage posts a message over REST, the fallback path used when live
// messaging is disabled. Returns the stored message.
func (c *Client) SendMessage(ctx context.Context, otherUserID int64, content string) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages/"+strconv.FormatInt(otherUserID, 10),
		map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Message MessageFrame `json:"message"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	m := normalizeMessage(resp.Message, time.Now())
	return &m, nil
}

// ============================================================================
// User directory
// ============================================================================

// Users fetches the peer picker list. The server excludes the local user.
// The context cancels the request when the caller navigates away.
func (c *Client) Users(ctx context.Context, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 50
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/users", nil,
		map[string]string{"limit": strconv.Itoa(limit)})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Users []User `json:"users"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp.Users, nil
}
