// Package devseed loads seed documents for the in-memory storage service.
// Seed files are JSON or YAML (selected by extension) and hold a list of
// collections:
//
//	- name: users
//	  type: memory
//	  documents:
//	    - {id: u1, name: alice}
package devseed

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// CollectionSeed lists the documents preloaded into one collection.
type CollectionSeed struct {
	Name      string           `json:"name" yaml:"name"`
	Type      string           `json:"type,omitempty" yaml:"type,omitempty"`
	Documents []map[string]any `json:"documents" yaml:"documents"`
}

// Load reads a seed file from path.
func Load(path string) ([]CollectionSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("devseed: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ParseJSON decodes a JSON seed document.
func ParseJSON(data []byte) ([]CollectionSeed, error) {
	var seeds []CollectionSeed
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("devseed: decode json: %w", err)
	}
	return seeds, validate(seeds)
}

// ParseYAML decodes a YAML seed document. Nested mappings are normalised to
// map[string]any so the documents encode to JSON unchanged.
func ParseYAML(data []byte) ([]CollectionSeed, error) {
	var seeds []CollectionSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("devseed: decode yaml: %w", err)
	}
	for i := range seeds {
		for j, doc := range seeds[i].Documents {
			seeds[i].Documents[j] = Normalize(doc).(map[string]any)
		}
	}
	return seeds, validate(seeds)
}

// Normalize converts YAML-decoded values into JSON-compatible ones.
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}

func validate(seeds []CollectionSeed) error {
	for i, s := range seeds {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("devseed: entry %d missing collection name", i)
		}
	}
	return nil
}
