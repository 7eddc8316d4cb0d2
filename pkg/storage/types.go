package storage

import (
	"errors"
	"io"
	"net/http"

	"github.com/saber71/backend-storage/internal/httpx"
	"github.com/saber71/backend-storage/internal/storageapi"
)

// Document is a schemaless JSON object.
type Document = map[string]any

// Params holds query parameters for reads.
type Params map[string]string

// StatusMapper substitutes the status code surfaced by a failed call.
type StatusMapper map[int]int

// Map returns the substitute for code, or code itself when none is registered.
func (m StatusMapper) Map(code int) int {
	return httpx.MapStatus(m, code)
}

// CollectionType selects the backing store of a collection on the service.
type CollectionType = storageapi.CollectionType

const (
	CollectionSQL    = storageapi.CollectionSQL
	CollectionFile   = storageapi.CollectionFile
	CollectionMemory = storageapi.CollectionMemory
)

// Typed request bodies understood by the storage service. Any JSON-encodable
// value may be passed instead.
type (
	SaveRequest   = storageapi.SaveRequest
	SearchRequest = storageapi.SearchRequest
	DeleteRequest = storageapi.DeleteRequest
	UpdateRequest = storageapi.UpdateRequest
	JoinQuery     = storageapi.JoinQuery
)

// GetParams builds the query of a get call.
type GetParams struct {
	Name string
	Type CollectionType
	ID   string
}

// Params renders p as query parameters, omitting empty fields.
func (p GetParams) Params() Params {
	out := Params{}
	if p.Name != "" {
		out[storageapi.QueryCollectionName] = p.Name
	}
	if p.Type != "" {
		out[storageapi.QueryCollectionType] = string(p.Type)
	}
	if p.ID != "" {
		out[storageapi.QueryDocumentID] = p.ID
	}
	return out
}

// HTTPError is returned for every non-2xx response when checking is enabled.
type HTTPError = httpx.HTTPError

var (
	// ErrRemoteCallFailed matches every *HTTPError via errors.Is.
	ErrRemoteCallFailed = httpx.ErrRemoteCallFailed
	// ErrTxClosed is returned by operations on a transaction that has ended.
	ErrTxClosed = errors.New("storage: transaction closed")
	// ErrTxNotOpen is returned by operations on a Tx not obtained from Begin.
	ErrTxNotOpen = errors.New("storage: transaction not open")
)

// StatusCode extracts the surfaced status code from err, if it wraps an
// *HTTPError.
func StatusCode(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, true
	}
	return 0, false
}

// Detail extracts the decoded error body from err, if it wraps an
// *HTTPError.
func Detail(err error) any {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Detail
	}
	return nil
}

// DecodeJSON decodes the response body into T and closes it.
func DecodeJSON[T any](resp *http.Response) (T, error) {
	var out T
	if err := storageapi.DecodeJSON(resp, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ReadText returns the response body as a string and closes it.
func ReadText(resp *http.Response) (string, error) {
	data, err := storageapi.ReadAll(resp)
	return string(data), err
}

// Discard drains and closes the response body.
func Discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
