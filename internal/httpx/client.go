package httpx

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

	"pkt.systems/pslog"

	"github.com/saber71/backend-storage/internal/loggingutil"
	"github.com/saber71/backend-storage/internal/storageapi"
)

// DefaultTimeout bounds each request made through a Client built without
// WithHTTPClient.
const DefaultTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used by the helper.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithHeaders assigns default headers added to every request.
func WithHeaders(h http.Header) Option {
	return func(c *Client) {
		for k, values := range h {
			for _, v := range values {
				c.headers.Add(k, v)
			}
		}
	}
}

// WithLogger routes request diagnostics to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "client.storage.http")
	}
}

// Client sends requests relative to a fixed base URL and classifies the
// responses.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	headers    http.Header
	logger     pslog.Logger
}

// Request describes a single outbound request.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// JSON, when non-nil, is encoded as the request body.
	JSON any
	// Unchecked returns non-2xx responses as-is instead of an *HTTPError.
	Unchecked bool
	// StatusMap substitutes the surfaced status code of an *HTTPError.
	StatusMap map[int]int
}

// NewClient creates a Client for the provided base URL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("httpx: base URL is required")
	}

	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("httpx: invalid base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("httpx: invalid base URL %q: scheme and host required", baseURL)
	}

	c := &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		headers: make(http.Header),
		logger:  loggingutil.NoopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the base URL requests are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Do executes the provided request. Responses in [200, 300) are returned
// untouched, as is every response when req.Unchecked is set. Any other
// status is drained into an *HTTPError.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("httpx: request is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Method == "" {
		return nil, errors.New("httpx: HTTP method is required")
	}

	fullURL, err := c.buildURL(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.JSON != nil {
		data, err := jsonMarshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("httpx: encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = cloneHeader(c.headers)
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.logger.Trace("storage.http.request.start", "method", req.Method, "url", fullURL)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("storage.http.request.transport_error", "method", req.Method, "url", fullURL, "error", err)
		return nil, err
	}

	if req.Unchecked || Successful(resp.StatusCode) {
		c.logger.Trace("storage.http.request.done", "method", req.Method, "url", fullURL, "status", resp.StatusCode)
		return resp, nil
	}

	httpErr := c.handleError(resp, req.StatusMap)
	c.logger.Debug("storage.http.request.error", "method", req.Method, "url", fullURL, "status", resp.StatusCode, "error", httpErr)
	return nil, httpErr
}

func (c *Client) buildURL(path string, q url.Values) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	if len(q) > 0 {
		ref.RawQuery = q.Encode()
	}
	// Keep any path prefix on the base URL, e.g. http://host/api + /storage/save.
	full := *c.baseURL
	full.Path = strings.TrimRight(c.baseURL.Path, "/") + ref.Path
	full.RawPath = ""
	full.RawQuery = ref.RawQuery
	full.Fragment = ""
	return full.String(), nil
}

func (c *Client) handleError(resp *http.Response, mapping map[int]int) error {
	defer closeBody(resp.Body)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("httpx: read error body: %w", err)
	}
	return &HTTPError{
		StatusCode:     MapStatus(mapping, resp.StatusCode),
		ReceivedStatus: resp.StatusCode,
		Detail:         storageapi.Detail(resp.Header.Get("Content-Type"), body),
		Body:           body,
		Header:         resp.Header.Clone(),
	}
}

func closeBody(rc io.ReadCloser) {
	if rc != nil {
		_ = rc.Close()
	}
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, values := range src {
		vCopy := make([]string, len(values))
		copy(vCopy, values)
		dst[k] = vCopy
	}
	return dst
}

func jsonMarshal(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
