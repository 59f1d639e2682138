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
	"time"

	"golang.org/x/time/rate"
)

// API is the REST collaborator the engine reads channels and history from.
type API interface {
	ListChannels(ctx context.Context, page, limit int) (*ChannelPage, error)
	CreateChannel(ctx context.Context, req CreateChannelRequest) (map[string]any, error)
	ListMessages(ctx context.Context, channelID int64, q MessageQuery) ([]map[string]any, error)
	UnreadSummary(ctx context.Context) (map[int64]int, error)
}

const (
	DefaultBaseURL = "http://localhost:3000/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// HTTPClient
// ============================================================================

// HTTPClient implements API over the CRM's HTTP endpoints.
type HTTPClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type ClientOption func(*HTTPClient)

func WithBaseURL(u string) ClientOption {
	return func(c *HTTPClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *HTTPClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) { c.httpClient = client }
}

// WithRateLimit caps outbound requests at r per second with the given burst.
func WithRateLimit(r float64, burst int) ClientOption {
	return func(c *HTTPClient) { c.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// NewHTTPClient creates a REST client authenticated with a bearer token.
func NewHTTPClient(token string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
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

// SetToken replaces the bearer token, e.g. after a JWT refresh.
func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
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
	req.Header.Set("Accept", "application/json")
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
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{Status: status, Code: http.StatusText(status), Message: strings.TrimSpace(string(data))}
	var body map[string]any
	if json.Unmarshal(data, &body) == nil {
		if code := firstStr(body, "code", "error"); code != "" {
			apiErr.Code = code
		}
		switch msg := body["message"].(type) {
		case string:
			apiErr.Message = msg
		case []any:
			parts := make([]string, 0, len(msg))
			for _, p := range msg {
				parts = append(parts, fmt.Sprint(p))
			}
			apiErr.Message = strings.Join(parts, "; ")
		}
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// unwrapList accepts a bare array or an envelope holding it under data/items.
func unwrapList(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		return out
	case map[string]any:
		if inner := firstPresent(t, "data", "items", "channels", "messages"); inner != nil {
			return unwrapList(inner)
		}
	}
	return nil
}

// ============================================================================
// API methods
// ============================================================================

// ListChannels fetches one page of channels ordered by most recent activity.
func (c *HTTPClient) ListChannels(ctx context.Context, page, limit int) (*ChannelPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/channels", nil, q)
	if err != nil {
		return nil, err
	}
	body, err := decodeJSON[any](data)
	if err != nil {
		return nil, err
	}
	out := &ChannelPage{Channels: unwrapList(*body)}
	out.Total = len(out.Channels)
	if env, ok := (*body).(map[string]any); ok {
		if total := toInt64(firstPresent(env, "total", "count")); total > 0 {
			out.Total = int(total)
		} else if meta, ok := env["meta"].(map[string]any); ok {
			if total := toInt64(firstPresent(meta, "total", "totalItems")); total > 0 {
				out.Total = int(total)
			}
		}
	}
	return out, nil
}

// CreateChannel creates a channel. An empty member list on a direct channel
// creates the self-channel.
func (c *HTTPClient) CreateChannel(ctx context.Context, req CreateChannelRequest) (map[string]any, error) {
	if req.MemberIDs == nil {
		req.MemberIDs = []int64{}
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/chat/channels", req, nil)
	if err != nil {
		return nil, err
	}
	body, err := decodeJSON[map[string]any](data)
	if err != nil {
		return nil, err
	}
	if inner, ok := (*body)["data"].(map[string]any); ok {
		return inner, nil
	}
	return *body, nil
}

// ListMessages fetches channel history newest-first.
func (c *HTTPClient) ListMessages(ctx context.Context, channelID int64, mq MessageQuery) ([]map[string]any, error) {
	q := url.Values{}
	if mq.Limit > 0 {
		q.Set("limit", strconv.Itoa(mq.Limit))
	}
	if mq.Before != 0 {
		q.Set("before", strconv.FormatInt(mq.Before, 10))
	}
	if !mq.After.IsZero() {
		q.Set("after", mq.After.UTC().Format(time.RFC3339Nano))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/channels/"+strconv.FormatInt(channelID, 10)+"/messages", nil, q)
	if err != nil {
		return nil, err
	}
	body, err := decodeJSON[any](data)
	if err != nil {
		return nil, err
	}
	return unwrapList(*body), nil
}

// UnreadSummary returns the server's unread count per channel.
func (c *HTTPClient) UnreadSummary(ctx context.Context) (map[int64]int, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/unread", nil, nil)
	if err != nil {
		return nil, err
	}
	body, err := decodeJSON[any](data)
	if err != nil {
		return nil, err
	}
	return MapUnreadSummary(*body), nil
}
