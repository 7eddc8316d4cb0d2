package storage

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/saber71/backend-storage/internal/devseed"
	"github.com/saber71/backend-storage/pkg/storage/mock"
)

// Environment variables read by NewFromEnv.
const (
	EnvRuntimeMode = "STORAGE_RUNTIME_MODE"
	EnvBaseURL     = "STORAGE_BASE_URL"
	EnvMockSeed    = "STORAGE_MOCK_SEED"
)

const (
	modeAuto = "auto"
	modeHTTP = "http"
	modeMock = "mock"

	mockBaseURL = "http://storage.mock"
)

// NewFromEnv initialises a Client from environment variables and returns the
// resolved mode ("http" or "mock").
//
//	STORAGE_RUNTIME_MODE  http (default), mock, or auto
//	STORAGE_BASE_URL      service URL, default http://localhost:10001
//	STORAGE_MOCK_SEED     JSON or YAML seed file for mock mode
//
// In auto mode the client talks HTTP when STORAGE_BASE_URL is set and falls
// back to an in-process mock service otherwise.
func NewFromEnv(opts ...Option) (client *Client, mode string, err error) {
	mode = strings.ToLower(strings.TrimSpace(os.Getenv(EnvRuntimeMode)))
	baseURL := strings.TrimSpace(os.Getenv(EnvBaseURL))

	switch mode {
	case "", modeHTTP:
		return newHTTPClient(baseURL, opts)
	case modeAuto:
		if baseURL != "" {
			return newHTTPClient(baseURL, opts)
		}
		return newMockClient(opts)
	case modeMock:
		return newMockClient(opts)
	default:
		return nil, "", fmt.Errorf("storage: unsupported %s value %q", EnvRuntimeMode, mode)
	}
}

func newHTTPClient(baseURL string, opts []Option) (*Client, string, error) {
	client, err := New(baseURL, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("storage: init HTTP client: %w", err)
	}
	return client, modeHTTP, nil
}

func newMockClient(opts []Option) (*Client, string, error) {
	client, _, err := NewMock(os.Getenv(EnvMockSeed), opts...)
	if err != nil {
		return nil, "", err
	}
	return client, modeMock, nil
}

// NewMock returns a Client wired to a fresh in-process mock service, seeded
// from seedPath when it is non-empty.
func NewMock(seedPath string, opts ...Option) (*Client, *mock.Server, error) {
	probe := &Client{headers: make(http.Header)}
	for _, opt := range opts {
		opt(probe)
	}
	server := mock.New(mock.WithLogger(probe.logger), mock.WithMeterProvider(probe.meterProvider))
	if path := strings.TrimSpace(seedPath); path != "" {
		seeds, err := devseed.Load(path)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: load mock seed: %w", err)
		}
		if err := server.Seed(seeds); err != nil {
			return nil, nil, fmt.Errorf("storage: apply mock seed: %w", err)
		}
	}

	clientOpts := append([]Option{}, opts...)
	clientOpts = append(clientOpts, func(c *Client) {
		c.httpClient = &http.Client{Transport: c.instrument(server.Transport())}
	})
	client, err := New(mockBaseURL, clientOpts...)
	if err != nil {
		return nil, nil, err
	}
	return client, server, nil
}
