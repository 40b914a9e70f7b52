// Package discord talks to the Discord REST API and gateway. The REST client
// serves history pages to the sync engine; the gateway pushes live messages
// onto the bus.
package discord

import (
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

	"github.com/matheus3301/chanmirror/internal/history"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the versioned REST API root.
	DefaultBaseURL = "https://discord.com/api/v10"
	// maxPageSize is the largest page the messages endpoint returns.
	maxPageSize = 100
	userAgent   = "DiscordBot (https://github.com/matheus3301/chanmirror, 1.0)"
)

// APIError is a non-transient error response.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api: %d %s (code %d)", e.Status, e.Message, e.Code)
}

// Client is a minimal Discord REST client.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client authenticating with a bot token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &history.RetryableError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(resp.Header, body)
		c.logger.Warn("rate limited", zap.String("path", path), zap.Duration("retry_after", wait))
		return &history.RetryableError{
			Err:        fmt.Errorf("GET %s: rate limited", path),
			RetryAfter: wait,
		}
	case resp.StatusCode >= 500:
		return &history.RetryableError{Err: fmt.Errorf("GET %s: status %d", path, resp.StatusCode)}
	case resp.StatusCode >= 400:
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// retryAfter reads the delay from the Retry-After header, falling back to the
// retry_after field of the JSON body. Both are in seconds, possibly fractional.
func retryAfter(h http.Header, body []byte) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	var rl struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second))
	}
	return 0
}

// Messages fetches one page of a channel's messages, newest first. At most
// one of before and after may be set.
func (c *Client) Messages(ctx context.Context, channelID, before, after string, limit int) ([]apiMessage, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != "" {
		q.Set("before", before)
	}
	if after != "" {
		q.Set("after", after)
	}
	var msgs []apiMessage
	if err := c.doRequest(ctx, "/channels/"+url.PathEscape(channelID)+"/messages", q, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Message fetches a single message.
func (c *Client) Message(ctx context.Context, channelID, messageID string) (history.Record, error) {
	var m apiMessage
	path := "/channels/" + url.PathEscape(channelID) + "/messages/" + url.PathEscape(messageID)
	if err := c.doRequest(ctx, path, nil, &m); err != nil {
		return history.Record{}, err
	}
	return toRecord(m)
}

func (c *Client) channel(ctx context.Context, id string) (apiChannel, error) {
	var ch apiChannel
	err := c.doRequest(ctx, "/channels/"+url.PathEscape(id), nil, &ch)
	return ch, err
}

func (c *Client) guild(ctx context.Context, id string) (apiGuild, error) {
	var g apiGuild
	err := c.doRequest(ctx, "/guilds/"+url.PathEscape(id), nil, &g)
	return g, err
}

// Channel implements history.Resolver. The channel is checked to exist so
// that unknown ids fail before a pass starts.
func (c *Client) Channel(ctx context.Context, id string) (history.Channel, error) {
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: invalid id %q", history.ErrUnknownChannel, id)
	}
	raw, err := c.channel(ctx, id)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", history.ErrUnknownChannel, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup channel %s: %w", id, err)
	}
	return &Channel{client: c, id: id, raw: raw}, nil
}

var _ history.Resolver = (*Client)(nil)
