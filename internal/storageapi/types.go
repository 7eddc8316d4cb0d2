package storageapi

// Wire paths served by the storage service.
const (
	PathSave               = "/storage/save"
	PathSearch             = "/storage/search"
	PathGet                = "/storage/get"
	PathDelete             = "/storage/delete"
	PathUpdate             = "/storage/update"
	PathDefaultCollection  = "/storage/collection/default"
	PathTransactionEnd     = "/storage/transaction/end"
	QueryTransactionID     = "tid"
	QueryRollback          = "rollback"
	QueryCollectionType    = "type"
	QueryCollectionName    = "name"
	QueryDocumentID        = "id"
	DefaultServiceBaseURL  = "http://localhost:10001"
	DefaultCollectionType  = CollectionSQL
	// DocumentIDField is the document attribute used as primary key.
	DocumentIDField        = "id"
	collectionTypeFallback = CollectionSQL
)

// CollectionType selects the backing store of a collection.
type CollectionType string

const (
	CollectionSQL    CollectionType = "sql"
	CollectionFile   CollectionType = "file"
	CollectionMemory CollectionType = "memory"
)

// Valid reports whether t names a known collection type.
func (t CollectionType) Valid() bool {
	switch t {
	case CollectionSQL, CollectionFile, CollectionMemory:
		return true
	}
	return false
}

// OrDefault returns t, or def when t is empty.
func (t CollectionType) OrDefault(def CollectionType) CollectionType {
	if t == "" {
		if def == "" {
			return collectionTypeFallback
		}
		return def
	}
	return t
}

// SaveRequest is the body of POST /storage/save.
type SaveRequest struct {
	Name         string           `json:"name" yaml:"name"`
	Type         CollectionType   `json:"type,omitempty" yaml:"type,omitempty"`
	Value        []map[string]any `json:"value" yaml:"value"`
	ReturnResult bool             `json:"returnResult,omitempty" yaml:"returnResult,omitempty"`
}

// UpdateRequest is the body of POST /storage/update.
type UpdateRequest struct {
	Name  string           `json:"name" yaml:"name"`
	Type  CollectionType   `json:"type,omitempty" yaml:"type,omitempty"`
	Value []map[string]any `json:"value" yaml:"value"`
}

// DeleteRequest is the body of POST /storage/delete. ID takes precedence
// over Query.
type DeleteRequest struct {
	Name         string         `json:"name" yaml:"name"`
	Type         CollectionType `json:"type,omitempty" yaml:"type,omitempty"`
	ID           string         `json:"id,omitempty" yaml:"id,omitempty"`
	Query        map[string]any `json:"query,omitempty" yaml:"query,omitempty"`
	ReturnResult bool           `json:"returnResult,omitempty" yaml:"returnResult,omitempty"`
}

// JoinQuery describes one join stage of a search.
type JoinQuery struct {
	Name     string         `json:"name" yaml:"name"`
	Type     CollectionType `json:"type,omitempty" yaml:"type,omitempty"`
	Query    map[string]any `json:"query,omitempty" yaml:"query,omitempty"`
	QueryOne map[string]any `json:"queryOne,omitempty" yaml:"queryOne,omitempty"`
	QueryFn  string         `json:"queryFn,omitempty" yaml:"queryFn,omitempty"`
	ExposeFn string         `json:"exposeFn,omitempty" yaml:"exposeFn,omitempty"`
}

// SearchRequest is the body of POST /storage/search.
type SearchRequest struct {
	Name     string         `json:"name" yaml:"name"`
	Type     CollectionType `json:"type,omitempty" yaml:"type,omitempty"`
	Query    map[string]any `json:"query,omitempty" yaml:"query,omitempty"`
	Single   bool           `json:"single,omitempty" yaml:"single,omitempty"`
	ExposeFn string         `json:"exposeFn,omitempty" yaml:"exposeFn,omitempty"`
	Join     []JoinQuery    `json:"join,omitempty" yaml:"join,omitempty"`
}

// ErrorResponse is the JSON error envelope returned for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
