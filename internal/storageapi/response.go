package storageapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// IsJSON reports whether contentType names application/json, ignoring
// parameters such as charset.
func IsJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.EqualFold(strings.TrimSpace(contentType), "application/json")
}

// Detail extracts the error detail carried by a failed response body. JSON
// bodies are decoded into a generic value; anything else (including JSON that
// fails to parse) is returned as text. An empty body yields nil.
func Detail(contentType string, body []byte) any {
	if IsJSON(contentType) && len(bytes.TrimSpace(body)) > 0 {
		var payload any
		if err := json.Unmarshal(body, &payload); err == nil {
			return payload
		}
	}
	if len(body) == 0 {
		return nil
	}
	return string(body)
}

// DecodeJSON drains and closes resp.Body, decoding it into out. An empty body
// decodes as JSON null, leaving out untouched for pointer targets.
func DecodeJSON(resp *http.Response, out any) error {
	data, err := ReadAll(resp)
	if err != nil {
		return err
	}
	return DecodeBody(data, out)
}

// DecodeBody decodes raw response bytes into out, treating an empty payload as null.
func DecodeBody(body []byte, out any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		trimmed = []byte("null")
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("storageapi: decode response: %w", err)
	}
	return nil
}

// ReadAll drains and closes resp.Body.
func ReadAll(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("storageapi: read response: %w", err)
	}
	return data, nil
}
