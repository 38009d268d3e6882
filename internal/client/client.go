package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"coursechat/pkg/types"
)

// APIError is a non-2xx response from the chat server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap lets callers test responses with errors.Is against the types sentinels
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return types.ErrValidation
	case http.StatusUnauthorized:
		return types.ErrUnauthenticated
	case http.StatusForbidden:
		return types.ErrForbidden
	case http.StatusNotFound:
		return types.ErrNotFound
	case http.StatusTooManyRequests:
		return types.ErrRateLimited
	}
	return nil
}

// Client talks to one chat server on behalf of one principal
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
	log     *slog.Logger
}

// Option customises a Client
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(cl *Client) { cl.dialer = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// New creates a client for the server at baseURL ("http://host:port")
// authenticating with a bearer token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: u,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "client")
	return c, nil
}

// GetMessages fetches history. With after set it returns every message
// strictly after that instant; otherwise the newest limit messages.
// A limit of zero lets the server pick its default.
func (c *Client) GetMessages(ctx context.Context, courseID string, limit int, after *time.Time) ([]*types.ChatMessage, error) {
	query := url.Values{}
	if after != nil {
		query.Set("after", after.UTC().Format(time.RFC3339Nano))
	} else if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var response struct {
		Messages []*types.ChatMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, c.messagesPath(courseID), query, nil, &response); err != nil {
		return nil, err
	}
	return response.Messages, nil
}

// PostMessage submits a message and returns the stored record
func (c *Client) PostMessage(ctx context.Context, courseID, body string) (*types.ChatMessage, error) {
	var response struct {
		Message *types.ChatMessage `json:"message"`
	}
	request := map[string]string{"message": body}
	if err := c.do(ctx, http.MethodPost, c.messagesPath(courseID), nil, request, &response); err != nil {
		return nil, err
	}
	return response.Message, nil
}

// CountMessages returns the number of messages in a course
func (c *Client) CountMessages(ctx context.Context, courseID string) (int, error) {
	var response struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, c.messagesPath(courseID)+"/count", nil, nil, &response); err != nil {
		return 0, err
	}
	return response.Count, nil
}

// Dial opens the live connection
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {c.token}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrTransport, &APIError{StatusCode: resp.StatusCode, Message: resp.Status})
		}
		return nil, fmt.Errorf("%w: failed to connect: %w", types.ErrTransport, err)
	}
	return conn, nil
}

func (c *Client) messagesPath(courseID string) string {
	return "/courses/" + url.PathEscape(courseID) + "/messages"
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", types.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var payload struct {
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil && payload.Message != "" {
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", types.ErrTransport, err)
	}
	return nil
}
