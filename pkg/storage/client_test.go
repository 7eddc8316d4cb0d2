package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/saber71/backend-storage/pkg/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Body   map[string]any
}

// recordingServer records every request. A "status" query parameter selects
// the response status; failOn forces a status per path.
type recordingServer struct {
	mu     sync.Mutex
	reqs   []recordedRequest
	failOn map[string]int
	srv    *httptest.Server
}

func newRecordingServer(t *testing.T) *recordingServer {
	t.Helper()
	rs := &recordingServer{failOn: map[string]int{}}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query()}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			if err := json.Unmarshal(data, &rec.Body); err != nil {
				t.Errorf("decode body: %v", err)
			}
		}
		rs.mu.Lock()
		rs.reqs = append(rs.reqs, rec)
		status := rs.failOn[r.URL.Path]
		rs.mu.Unlock()

		if s := r.URL.Query().Get("status"); s != "" {
			status, _ = strconv.Atoi(s)
		}
		if status == 0 {
			status = http.StatusOK
		}
		if status >= 300 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			io.WriteString(w, `{"error":"boom"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *recordingServer) fail(path string, status int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failOn[path] = status
}

func (rs *recordingServer) requests() []recordedRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]recordedRequest(nil), rs.reqs...)
}

func (rs *recordingServer) client(t *testing.T, opts ...storage.Option) *storage.Client {
	t.Helper()
	client, err := storage.New(rs.srv.URL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestStatusClassification(t *testing.T) {
	rs := newRecordingServer(t)
	client := rs.client(t)
	mapper := storage.StatusMapper{404: 410, 500: 503, 200: 500}

	tests := []struct {
		name     string
		status   int
		opts     []storage.CallOption
		wantErr  bool
		wantCode int
	}{
		{name: "200 checked", status: 200},
		{name: "201 checked with mapper", status: 201, opts: []storage.CallOption{storage.WithStatusMapper(mapper)}},
		{name: "200 ignores mapper", status: 200, opts: []storage.CallOption{storage.WithStatusMapper(mapper)}},
		{name: "299 checked", status: 299},
		{name: "300 checked", status: 300, wantErr: true, wantCode: 300},
		{name: "404 checked", status: 404, wantErr: true, wantCode: 404},
		{name: "404 mapped", status: 404, opts: []storage.CallOption{storage.WithStatusMapper(mapper)}, wantErr: true, wantCode: 410},
		{name: "500 mapped", status: 500, opts: []storage.CallOption{storage.WithStatusMapper(mapper)}, wantErr: true, wantCode: 503},
		{name: "502 unmapped", status: 502, opts: []storage.CallOption{storage.WithStatusMapper(mapper)}, wantErr: true, wantCode: 502},
		{name: "404 unchecked", status: 404, opts: []storage.CallOption{storage.Unchecked()}},
		{name: "500 unchecked with mapper", status: 500, opts: []storage.CallOption{storage.WithCheck(false), storage.WithStatusMapper(mapper)}},
		{name: "500 check re-enabled", status: 500, opts: []storage.CallOption{storage.Unchecked(), storage.WithCheck(true)}, wantErr: true, wantCode: 500},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := client.Get(context.Background(), storage.Params{"status": strconv.Itoa(tc.status)}, tc.opts...)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				defer storage.Discard(resp)
				if resp.StatusCode != tc.status {
					t.Fatalf("response status %d, want %d", resp.StatusCode, tc.status)
				}
				return
			}
			if resp != nil {
				t.Fatalf("expected no response on failure")
			}
			if !errors.Is(err, storage.ErrRemoteCallFailed) {
				t.Fatalf("expected remote call failure, got %v", err)
			}
			code, ok := storage.StatusCode(err)
			if !ok || code != tc.wantCode {
				t.Fatalf("status code = %d (%v), want %d", code, ok, tc.wantCode)
			}
			detail, _ := storage.Detail(err).(map[string]any)
			if detail["error"] != "boom" {
				t.Fatalf("unexpected detail %#v", storage.Detail(err))
			}
		})
	}
}

func TestStatelessCallsWireFormat(t *testing.T) {
	rs := newRecordingServer(t)
	client := rs.client(t)
	ctx := context.Background()

	payload := storage.SaveRequest{Name: "users", Value: []storage.Document{{"id": "u1"}}}
	calls := []func() (*http.Response, error){
		func() (*http.Response, error) { return client.Save(ctx, payload) },
		func() (*http.Response, error) {
			return client.Search(ctx, storage.SearchRequest{Name: "users", Single: true})
		},
		func() (*http.Response, error) {
			return client.Get(ctx, storage.GetParams{Name: "users", Type: storage.CollectionMemory, ID: "u1"}.Params())
		},
		func() (*http.Response, error) { return client.Delete(ctx, storage.DeleteRequest{Name: "users", ID: "u1"}) },
		func() (*http.Response, error) {
			return client.Update(ctx, storage.UpdateRequest{Name: "users", Value: []storage.Document{{"id": "u1"}}})
		},
		func() (*http.Response, error) { return client.SetDefaultCollectionType(ctx, storage.CollectionFile) },
	}
	for i, call := range calls {
		resp, err := call()
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		storage.Discard(resp)
	}

	want := []struct{ method, path string }{
		{http.MethodPost, "/storage/save"},
		{http.MethodPost, "/storage/search"},
		{http.MethodGet, "/storage/get"},
		{http.MethodPost, "/storage/delete"},
		{http.MethodPost, "/storage/update"},
		{http.MethodPost, "/storage/collection/default"},
	}
	reqs := rs.requests()
	if len(reqs) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(reqs))
	}
	for i, w := range want {
		if reqs[i].Method != w.method || reqs[i].Path != w.path {
			t.Fatalf("request %d: got %s %s, want %s %s", i, reqs[i].Method, reqs[i].Path, w.method, w.path)
		}
		if _, ok := reqs[i].Query["tid"]; ok {
			t.Fatalf("request %d: stateless call sent tid", i)
		}
	}
	if reqs[0].Body["name"] != "users" {
		t.Fatalf("save body not forwarded: %#v", reqs[0].Body)
	}
	if reqs[1].Body["single"] != true {
		t.Fatalf("search body not forwarded: %#v", reqs[1].Body)
	}
	if q := reqs[2].Query; q.Get("name") != "users" || q.Get("type") != "memory" || q.Get("id") != "u1" {
		t.Fatalf("unexpected get query %v", q)
	}
	if reqs[2].Body != nil {
		t.Fatalf("get must not send a body")
	}
	if reqs[5].Query.Get("type") != "file" {
		t.Fatalf("unexpected default type query %v", reqs[5].Query)
	}
}

func TestEndTransactionFlags(t *testing.T) {
	rs := newRecordingServer(t)
	client := rs.client(t)
	ctx := context.Background()

	for _, rollback := range []bool{false, true} {
		resp, err := client.EndTransaction(ctx, "tid-1", rollback)
		if err != nil {
			t.Fatalf("EndTransaction: %v", err)
		}
		storage.Discard(resp)
	}
	reqs := rs.requests()
	if _, ok := reqs[0].Query["rollback"]; ok {
		t.Fatalf("commit must omit rollback, got %v", reqs[0].Query)
	}
	if reqs[1].Query.Get("rollback") != "true" || reqs[1].Query.Get("tid") != "tid-1" {
		t.Fatalf("unexpected rollback query %v", reqs[1].Query)
	}
	if _, err := client.EndTransaction(ctx, " ", false); err == nil {
		t.Fatalf("expected error for empty tid")
	}
}

func TestPayloadRequired(t *testing.T) {
	rs := newRecordingServer(t)
	client := rs.client(t)
	if _, err := client.Save(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil payload")
	}
	if len(rs.requests()) != 0 {
		t.Fatalf("no request expected")
	}
}

func TestDecodeHelpers(t *testing.T) {
	rs := newRecordingServer(t)
	client := rs.client(t)
	resp, err := client.Search(context.Background(), storage.SearchRequest{Name: "users"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	out, err := storage.DecodeJSON[map[string]bool](resp)
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if !out["ok"] {
		t.Fatalf("unexpected payload %v", out)
	}

	resp, err = client.Search(context.Background(), storage.SearchRequest{Name: "users"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	text, err := storage.ReadText(resp)
	if err != nil || text != `{"ok":true}` {
		t.Fatalf("ReadText = %q, %v", text, err)
	}
}

func TestNewDefaults(t *testing.T) {
	client, err := storage.New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if client.BaseURL() != storage.DefaultBaseURL {
		t.Fatalf("BaseURL = %q, want %q", client.BaseURL(), storage.DefaultBaseURL)
	}
	if _, err := storage.New("localhost:10001"); err == nil {
		t.Fatalf("expected error for URL without scheme")
	}
}

func TestStatusMapperIdentity(t *testing.T) {
	m := storage.StatusMapper{404: 410}
	if m.Map(404) != 410 || m.Map(500) != 500 {
		t.Fatalf("unexpected mapping")
	}
	var empty storage.StatusMapper
	if empty.Map(418) != 418 {
		t.Fatalf("nil mapper must be identity")
	}
}

func TestHeadersAndHTTPClientOptions(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client, err := storage.New(srv.URL,
		storage.WithHTTPClient(srv.Client()),
		storage.WithHeaders(http.Header{"Authorization": {"Bearer t"}}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := client.Get(context.Background(), nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	storage.Discard(resp)
	if gotHeader != "Bearer t" {
		t.Fatalf("header not sent, got %q", gotHeader)
	}
}
