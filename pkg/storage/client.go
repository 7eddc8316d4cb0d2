package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/saber71/backend-storage/internal/httpx"
	"github.com/saber71/backend-storage/internal/loggingutil"
	"github.com/saber71/backend-storage/internal/storageapi"
	"github.com/saber71/backend-storage/internal/uuidv7"
)

const (
	// DefaultBaseURL is used when New receives an empty base URL.
	DefaultBaseURL = storageapi.DefaultServiceBaseURL
	// DefaultCloseTimeout bounds the completion call sent when a transaction ends.
	DefaultCloseTimeout = 5 * time.Second
)

const (
	opSave       = "save"
	opSearch     = "search"
	opGet        = "get"
	opDelete     = "delete"
	opUpdate     = "update"
	opDefaultTyp = "collection_default"
	opEnd        = "transaction_end"
)

// Client issues requests against a single storage service. It is immutable
// after construction and safe for concurrent use.
type Client struct {
	http         *httpx.Client
	logger       pslog.Logger
	telemetry    *telemetry
	closeTimeout time.Duration
	newTID       func() string

	httpClient     *http.Client
	httpTimeout    time.Duration
	headers        http.Header
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sends requests through h instead of the default
// instrumented client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithHTTPTimeout sets the per-request timeout of the default HTTP client.
// It has no effect together with WithHTTPClient.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithHeaders adds default headers to every request.
func WithHeaders(h http.Header) Option {
	return func(c *Client) {
		for k, values := range h {
			for _, v := range values {
				c.headers.Add(k, v)
			}
		}
	}
}

// WithLogger routes client diagnostics to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCloseTimeout bounds the completion call sent by Tx.End. Non-positive
// values disable the bound.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.closeTimeout = d
	}
}

// WithTracerProvider records spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Client) {
		c.meterProvider = mp
	}
}

// WithTransactionIDGenerator overrides how Begin mints transaction ids.
func WithTransactionIDGenerator(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newTID = fn
		}
	}
}

// New constructs a Client bound to baseURL, or DefaultBaseURL when baseURL
// is empty.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		closeTimeout: DefaultCloseTimeout,
		httpTimeout:  httpx.DefaultTimeout,
		headers:      make(http.Header),
		newTID:       uuidv7.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	base := loggingutil.EnsureLogger(c.logger)
	c.logger = loggingutil.WithSubsystem(base, "client.storage")
	c.telemetry = newTelemetry(c.tracerProvider, c.meterProvider, c.logger)

	hc := c.httpClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   c.httpTimeout,
			Transport: c.instrument(http.DefaultTransport),
		}
	}
	gateway, err := httpx.NewClient(baseURL,
		httpx.WithHTTPClient(hc),
		httpx.WithHeaders(c.headers),
		httpx.WithLogger(base),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	c.http = gateway
	return c, nil
}

// instrument wraps rt so outgoing requests carry trace context.
func (c *Client) instrument(rt http.RoundTripper) http.RoundTripper {
	var opts []otelhttp.Option
	if c.tracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(c.tracerProvider))
	}
	if c.meterProvider != nil {
		opts = append(opts, otelhttp.WithMeterProvider(c.meterProvider))
	}
	return otelhttp.NewTransport(rt, opts...)
}

// BaseURL returns the service URL requests are resolved against.
func (c *Client) BaseURL() string {
	return c.http.BaseURL()
}

// CallOption adjusts how a single call classifies its response.
type CallOption func(*callConfig)

type callConfig struct {
	check     bool
	statusMap StatusMapper
}

// WithStatusMapper substitutes the status code reported by a failed call.
func WithStatusMapper(m StatusMapper) CallOption {
	return func(cfg *callConfig) {
		cfg.statusMap = m
	}
}

// WithCheck toggles response checking. With check disabled every response is
// returned as-is, whatever its status.
func WithCheck(check bool) CallOption {
	return func(cfg *callConfig) {
		cfg.check = check
	}
}

// Unchecked is shorthand for WithCheck(false).
func Unchecked() CallOption {
	return WithCheck(false)
}

func applyCallOptions(opts []CallOption) callConfig {
	cfg := callConfig{check: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

type call struct {
	op      string
	method  string
	path    string
	tid     string
	query   url.Values
	payload any
}

// Save upserts documents. payload is typically a SaveRequest.
func (c *Client) Save(ctx context.Context, payload any, opts ...CallOption) (*http.Response, error) {
	return c.write(ctx, opSave, storageapi.PathSave, "", payload, opts)
}

// Search queries a collection. payload is typically a SearchRequest.
func (c *Client) Search(ctx context.Context, payload any, opts ...CallOption) (*http.Response, error) {
	return c.write(ctx, opSearch, storageapi.PathSearch, "", payload, opts)
}

// Delete removes documents. payload is typically a DeleteRequest.
func (c *Client) Delete(ctx context.Context, payload any, opts ...CallOption) (*http.Response, error) {
	return c.write(ctx, opDelete, storageapi.PathDelete, "", payload, opts)
}

// Update merges fields into existing documents. payload is typically an
// UpdateRequest.
func (c *Client) Update(ctx context.Context, payload any, opts ...CallOption) (*http.Response, error) {
	return c.write(ctx, opUpdate, storageapi.PathUpdate, "", payload, opts)
}

// Get fetches a single document; see GetParams.
func (c *Client) Get(ctx context.Context, params Params, opts ...CallOption) (*http.Response, error) {
	return c.get(ctx, "", params, opts)
}

// SetDefaultCollectionType switches the service's default collection type.
func (c *Client) SetDefaultCollectionType(ctx context.Context, t CollectionType, opts ...CallOption) (*http.Response, error) {
	return c.setDefaultType(ctx, "", t, opts)
}

// EndTransaction sends the completion signal for tid directly. Prefer Tx,
// which guarantees the signal is sent exactly once.
func (c *Client) EndTransaction(ctx context.Context, tid string, rollback bool, opts ...CallOption) (*http.Response, error) {
	if strings.TrimSpace(tid) == "" {
		return nil, errors.New("storage: transaction id is required")
	}
	query := url.Values{}
	if rollback {
		query.Set(storageapi.QueryRollback, "true")
	}
	return c.do(ctx, call{
		op:     opEnd,
		method: http.MethodPost,
		path:   storageapi.PathTransactionEnd,
		tid:    tid,
		query:  query,
	}, opts)
}

func (c *Client) write(ctx context.Context, op, path, tid string, payload any, opts []CallOption) (*http.Response, error) {
	if payload == nil {
		return nil, fmt.Errorf("storage: %s: payload is required", op)
	}
	return c.do(ctx, call{
		op:      op,
		method:  http.MethodPost,
		path:    path,
		tid:     tid,
		payload: payload,
	}, opts)
}

func (c *Client) get(ctx context.Context, tid string, params Params, opts []CallOption) (*http.Response, error) {
	return c.do(ctx, call{
		op:     opGet,
		method: http.MethodGet,
		path:   storageapi.PathGet,
		tid:    tid,
		query:  params.values(),
	}, opts)
}

func (c *Client) setDefaultType(ctx context.Context, tid string, t CollectionType, opts []CallOption) (*http.Response, error) {
	return c.do(ctx, call{
		op:     opDefaultTyp,
		method: http.MethodPost,
		path:   storageapi.PathDefaultCollection,
		tid:    tid,
		query:  url.Values{storageapi.QueryCollectionType: {string(t)}},
	}, opts)
}

func (c *Client) do(ctx context.Context, cl call, opts []CallOption) (*http.Response, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("storage: client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := applyCallOptions(opts)

	query := cl.query
	if cl.tid != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set(storageapi.QueryTransactionID, cl.tid)
	}

	ctx, span := c.telemetry.startCall(ctx, cl.op, cl.tid)
	begin := time.Now()
	resp, err := c.http.Do(ctx, &httpx.Request{
		Method:    cl.method,
		Path:      cl.path,
		Query:     query,
		JSON:      cl.payload,
		Unchecked: !cfg.check,
		StatusMap: cfg.statusMap,
	})
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.telemetry.endCall(ctx, span, cl.op, status, err, time.Since(begin))
	if err != nil {
		return nil, fmt.Errorf("storage: %s: %w", cl.op, err)
	}
	return resp, nil
}

func (p Params) values() url.Values {
	if len(p) == 0 {
		return nil
	}
	out := make(url.Values, len(p))
	for k, v := range p {
		out.Set(k, v)
	}
	return out
}
