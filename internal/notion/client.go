package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bassista/notion_cache/internal/logger"
	"github.com/bassista/notion_cache/internal/repository"
)

const (
	DefaultBaseURL    = "https://api.notion.com/v1"
	DefaultAPIVersion = "2022-06-28"
	defaultTimeout    = 30 * time.Second
	// maxErrorBody caps how much of a failed response is read into an APIError.
	maxErrorBody = 64 << 10
)

// HTTPDoer is the subset of *http.Client used by Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// QueryRequest is the body of POST /databases/{id}/query. Only the cursor is
// forwarded; filters and sorts are not.
type QueryRequest struct {
	StartCursor string `json:"start_cursor,omitempty"`
}

// QueryResponse is one page of database query results.
type QueryResponse struct {
	Results    []repository.Record `json:"results" validate:"required"`
	HasMore    bool                `json:"has_more"`
	NextCursor *string             `json:"next_cursor"`
}

// Cursor returns the next cursor or "" when the API sent null.
func (r *QueryResponse) Cursor() string {
	if r.NextCursor == nil {
		return ""
	}
	return *r.NextCursor
}

// APIError describes a non-2xx answer from Notion. Code and Message come from
// the JSON error object when the body has one.
type APIError struct {
	StatusCode int    `json:"-"`
	Status     int    `json:"status"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("notion api: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	case e.Body != "":
		return fmt.Sprintf("notion api: HTTP %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("notion api: HTTP %d", e.StatusCode)
	}
}

// Client talks to the Notion REST API.
type Client struct {
	baseURL    string
	apiVersion string
	http       HTTPDoer
	validate   *validator.Validate
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root, used by tests and proxies.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithAPIVersion sets the Notion-Version header value.
func WithAPIVersion(v string) Option {
	return func(c *Client) {
		if v != "" {
			c.apiVersion = v
		}
	}
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(h HTTPDoer) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout sets the per-request timeout of the default transport.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		http:       &http.Client{Timeout: defaultTimeout},
		validate:   validator.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueryDatabase fetches one page of databaseID starting at cursor ("" for the
// first page).
func (c *Client) QueryDatabase(ctx context.Context, databaseID, token, cursor string) (*QueryResponse, error) {
	body, err := json.Marshal(QueryRequest{StartCursor: cursor})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	endpoint := fmt.Sprintf("%s/databases/%s/query", c.baseURL, url.PathEscape(databaseID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", c.apiVersion)

	logger.WithComponent("notion").Debugf("POST %s body=%s", endpoint, body)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query database: %w", err)
	}
	defer resp.Body.Close()

	logger.WithComponent("notion").Debugf("notion response status: %d", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp)
	}

	var page QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	if err := c.validate.Struct(&page); err != nil {
		return nil, fmt.Errorf("invalid query response: %w", err)
	}
	return &page, nil
}

func newAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return errors.Join(apiErr, err)
	}
	if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Message == "" {
		apiErr.Body = strings.TrimSpace(string(raw))
	}
	return apiErr
}
