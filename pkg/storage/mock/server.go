// Package mock provides an in-memory storage service for tests and local
// development. Server implements http.Handler with the remote service's routes.
package mock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"github.com/saber71/backend-storage/internal/devseed"
	"github.com/saber71/backend-storage/internal/loggingutil"
	"github.com/saber71/backend-storage/internal/storageapi"
)

// MaxBodyBytes caps request bodies accepted by the server.
const MaxBodyBytes = 8 << 20

// Server is an in-memory implementation of the storage service. It serves the
// remote service's routes and is safe for concurrent use.
//
// Writes that carry a tid are staged per transaction and become visible to
// other callers only once /storage/transaction/end commits them. Commit
// replaces each touched collection wholesale, so the last transaction to
// commit a collection wins.
type Server struct {
	mu          sync.Mutex
	defaultType storageapi.CollectionType
	committed   map[collectionKey]*collection
	txns        map[string]*txn
	logger      pslog.Logger
	newID       func() string
	meter       metric.MeterProvider
	metrics     *serverMetrics
	mux         *http.ServeMux
}

type txn struct {
	staged map[collectionKey]*collection
	writes int
}

// Option configures the mock instance.
type Option func(*Server)

// WithLogger routes server diagnostics to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMeterProvider records request and transaction metrics on provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(s *Server) {
		s.meter = provider
	}
}

// WithIDGenerator overrides the id assigned to saved documents lacking one.
func WithIDGenerator(fn func() string) Option {
	return func(s *Server) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithDefaultType sets the initial default collection type.
func WithDefaultType(t storageapi.CollectionType) Option {
	return func(s *Server) {
		if t.Valid() {
			s.defaultType = t
		}
	}
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		defaultType: storageapi.DefaultCollectionType,
		committed:   make(map[collectionKey]*collection),
		txns:        make(map[string]*txn),
		newID: func() string {
			return xid.New().String()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = loggingutil.WithSubsystem(s.logger, "mock.storage")
	s.metrics = newServerMetrics(s.meter, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+storageapi.PathSave, s.handleSave)
	mux.HandleFunc("POST "+storageapi.PathSearch, s.handleSearch)
	mux.HandleFunc("GET "+storageapi.PathGet, s.handleGet)
	mux.HandleFunc("POST "+storageapi.PathDelete, s.handleDelete)
	mux.HandleFunc("POST "+storageapi.PathUpdate, s.handleUpdate)
	mux.HandleFunc("POST "+storageapi.PathDefaultCollection, s.handleDefaultType)
	mux.HandleFunc("POST "+storageapi.PathTransactionEnd, s.handleTransactionEnd)
	s.mux = mux
	return s
}

var knownRoutes = map[string]bool{
	storageapi.PathSave:              true,
	storageapi.PathSearch:            true,
	storageapi.PathGet:               true,
	storageapi.PathDelete:            true,
	storageapi.PathUpdate:            true,
	storageapi.PathDefaultCollection: true,
	storageapi.PathTransactionEnd:    true,
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r)
	route := r.URL.Path
	if !knownRoutes[route] {
		route = "other"
	}
	s.metrics.recordRequest(r.Context(), route, sw.status)
}

// Seed replaces the committed contents of each listed collection. Entries
// without a type use the current default type.
func (s *Server) Seed(seeds []devseed.CollectionSeed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seed := range seeds {
		key, err := s.keyLocked(seed.Name, storageapi.CollectionType(seed.Type))
		if err != nil {
			return fmt.Errorf("mock storage: seed: %w", err)
		}
		coll := newCollection()
		for _, doc := range seed.Documents {
			normalized, err := jsonRoundTrip(doc)
			if err != nil {
				return fmt.Errorf("mock storage: seed %s/%s: %w", key.typ, key.name, err)
			}
			id := documentID(normalized)
			if id == "" {
				id = s.newID()
				normalized[storageapi.DocumentIDField] = id
			}
			coll.put(id, normalized)
		}
		s.committed[key] = coll
	}
	s.logger.Info("mock.storage.seeded", "collections", len(seeds))
	return nil
}

// Documents returns the committed documents of a collection in insertion
// order. An empty type means the current default type.
func (s *Server) Documents(t storageapi.CollectionType, name string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.committed[collectionKey{typ: t.OrDefault(s.defaultType), name: name}]
	if coll == nil {
		return nil
	}
	out := coll.list()
	for i, doc := range out {
		out[i] = copyDoc(doc)
	}
	return out
}

// DefaultType reports the current default collection type.
func (s *Server) DefaultType() storageapi.CollectionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultType
}

// PendingTransactions reports how many transactions hold staged writes.
func (s *Server) PendingTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txns)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req storageapi.SaveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for i, doc := range req.Value {
		if doc == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("value[%d] must be an object", i))
			return
		}
	}
	tid := r.URL.Query().Get(storageapi.QueryTransactionID)

	s.mu.Lock()
	key, err := s.keyLocked(req.Name, req.Type)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	coll := s.writableLocked(r, key, tid)
	saved := make([]map[string]any, 0, len(req.Value))
	for _, doc := range req.Value {
		stored := copyDoc(doc)
		id := documentID(stored)
		if id == "" {
			id = s.newID()
			stored[storageapi.DocumentIDField] = id
		}
		coll.put(id, stored)
		saved = append(saved, stored)
	}
	s.mu.Unlock()

	s.logger.Debug("mock.storage.save", "collection", key.name, "type", key.typ, "documents", len(saved), "tid", tid)
	if req.ReturnResult {
		writeJSON(w, http.StatusOK, saved)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req storageapi.UpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tid := r.URL.Query().Get(storageapi.QueryTransactionID)

	s.mu.Lock()
	key, err := s.keyLocked(req.Name, req.Type)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	current := s.readableLocked(key, tid)
	for i, doc := range req.Value {
		id := documentID(doc)
		if id == "" {
			s.mu.Unlock()
			writeError(w, http.StatusBadRequest, fmt.Sprintf("value[%d] is missing an id", i))
			return
		}
		if current == nil {
			s.mu.Unlock()
			writeError(w, http.StatusNotFound, fmt.Sprintf("document %q not found", id))
			return
		}
		if _, ok := current.get(id); !ok {
			s.mu.Unlock()
			writeError(w, http.StatusNotFound, fmt.Sprintf("document %q not found", id))
			return
		}
	}
	coll := s.writableLocked(r, key, tid)
	for _, doc := range req.Value {
		id := documentID(doc)
		existing, _ := coll.get(id)
		merged := copyDoc(existing)
		for k, v := range doc {
			merged[k] = v
		}
		coll.put(id, merged)
	}
	s.mu.Unlock()

	s.logger.Debug("mock.storage.update", "collection", key.name, "type", key.typ, "documents", len(req.Value), "tid", tid)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req storageapi.DeleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tid := r.URL.Query().Get(storageapi.QueryTransactionID)

	s.mu.Lock()
	key, err := s.keyLocked(req.Name, req.Type)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var ids []string
	switch {
	case req.ID != "":
		ids = []string{req.ID}
	case req.Query != nil:
		if current := s.readableLocked(key, tid); current != nil {
			for _, doc := range current.list() {
				ok, err := Match(doc, req.Query)
				if err != nil {
					s.mu.Unlock()
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				if ok {
					ids = append(ids, documentID(doc))
				}
			}
		}
	}
	removed := make([]map[string]any, 0, len(ids))
	if len(ids) > 0 {
		coll := s.writableLocked(r, key, tid)
		for _, id := range ids {
			if doc, ok := coll.remove(id); ok {
				removed = append(removed, doc)
			}
		}
	}
	s.mu.Unlock()

	s.logger.Debug("mock.storage.delete", "collection", key.name, "type", key.typ, "removed", len(removed), "tid", tid)
	if req.ReturnResult {
		writeJSON(w, http.StatusOK, removed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req storageapi.SearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ExposeFn != "" || len(req.Join) > 0 {
		writeError(w, http.StatusBadRequest, "exposeFn and join are not supported by the in-memory service")
		return
	}
	if err := ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tid := r.URL.Query().Get(storageapi.QueryTransactionID)

	s.mu.Lock()
	key, err := s.keyLocked(req.Name, req.Type)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results := make([]map[string]any, 0)
	if coll := s.readableLocked(key, tid); coll != nil {
		for _, doc := range coll.list() {
			ok, err := Match(doc, req.Query)
			if err != nil {
				s.mu.Unlock()
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if !ok {
				continue
			}
			results = append(results, doc)
			if req.Single {
				break
			}
		}
	}
	s.mu.Unlock()

	if req.Single {
		if len(results) == 0 {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		writeJSON(w, http.StatusOK, results[0])
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get(storageapi.QueryDocumentID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	s.mu.Lock()
	key, err := s.keyLocked(q.Get(storageapi.QueryCollectionName), storageapi.CollectionType(q.Get(storageapi.QueryCollectionType)))
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var (
		doc   map[string]any
		found bool
	)
	if coll := s.readableLocked(key, q.Get(storageapi.QueryTransactionID)); coll != nil {
		doc, found = coll.get(id)
	}
	s.mu.Unlock()

	if !found {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDefaultType(w http.ResponseWriter, r *http.Request) {
	t := storageapi.CollectionType(r.URL.Query().Get(storageapi.QueryCollectionType))
	if !t.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown collection type %q", t))
		return
	}
	s.mu.Lock()
	previous := s.defaultType
	s.defaultType = t
	s.mu.Unlock()

	s.logger.Info("mock.storage.default_type", "type", t, "previous", previous)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, string(t))
}

func (s *Server) handleTransactionEnd(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tid := q.Get(storageapi.QueryTransactionID)
	if tid == "" {
		writeError(w, http.StatusBadRequest, "tid is required")
		return
	}
	rollback := truthy(q.Get(storageapi.QueryRollback))

	s.mu.Lock()
	t, staged := s.txns[tid]
	delete(s.txns, tid)
	if staged && !rollback {
		for key, coll := range t.staged {
			s.committed[key] = coll
		}
	}
	s.mu.Unlock()

	outcome := "commit"
	if rollback {
		outcome = "rollback"
	}
	writes := 0
	if staged {
		writes = t.writes
	}
	s.metrics.recordTxnEnded(r.Context(), outcome, staged)
	s.logger.Debug("mock.storage.txn.end", "tid", tid, "outcome", outcome, "staged", staged, "writes", writes)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) keyLocked(name string, t storageapi.CollectionType) (collectionKey, error) {
	if strings.TrimSpace(name) == "" {
		return collectionKey{}, errors.New("collection name is required")
	}
	t = t.OrDefault(s.defaultType)
	if !t.Valid() {
		return collectionKey{}, fmt.Errorf("unknown collection type %q", t)
	}
	return collectionKey{typ: t, name: name}, nil
}

func (s *Server) readableLocked(key collectionKey, tid string) *collection {
	if tid != "" {
		if t, ok := s.txns[tid]; ok {
			if coll, ok := t.staged[key]; ok {
				return coll
			}
		}
	}
	return s.committed[key]
}

func (s *Server) writableLocked(r *http.Request, key collectionKey, tid string) *collection {
	if tid == "" {
		coll := s.committed[key]
		if coll == nil {
			coll = newCollection()
			s.committed[key] = coll
		}
		return coll
	}
	t, ok := s.txns[tid]
	if !ok {
		t = &txn{staged: make(map[collectionKey]*collection)}
		s.txns[tid] = t
		s.metrics.recordTxnOpened(r.Context())
	}
	t.writes++
	coll, ok := t.staged[key]
	if !ok {
		if base := s.committed[key]; base != nil {
			coll = base.clone()
		} else {
			coll = newCollection()
		}
		t.staged[key] = coll
	}
	return coll
}

// documentID renders the id attribute of doc, or "" when absent.
func documentID(doc map[string]any) string {
	switch v := doc[storageapi.DocumentIDField].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no":
		return false
	}
	return true
}

func jsonRoundTrip(doc map[string]any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, storageapi.ErrorResponse{Error: msg})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}
