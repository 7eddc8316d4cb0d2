package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"github.com/saber71/backend-storage/pkg/storage"
	"github.com/saber71/backend-storage/pkg/storage/mock"
)

func newBackend(t *testing.T) (*mock.Server, string) {
	t.Helper()
	backend := mock.New()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	return backend, srv.URL
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestSaveGetSearchDelete(t *testing.T) {
	backend, url := newBackend(t)

	_, stderr, err := run(t, "--server", url, "save", "-n", "users", "-t", "memory",
		"-d", `[{"id":"u1","name":"alice","age":31},{"id":"u2","name":"bob","age":25}]`)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(stderr, "200 OK") {
		t.Fatalf("unexpected status line %q", stderr)
	}
	if docs := backend.Documents(storage.CollectionMemory, "users"); len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %v", docs)
	}

	stdout, _, err := run(t, "--server", url, "get", "-n", "users", "-t", "memory", "--id", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("decode get output %q: %v", stdout, err)
	}
	if doc["name"] != "alice" {
		t.Fatalf("unexpected document %v", doc)
	}
	if !strings.Contains(stdout, "\n  ") {
		t.Fatalf("expected indented JSON, got %q", stdout)
	}

	stdout, _, err = run(t, "--server", url, "search", "-n", "users", "-t", "memory", "-q", "{age: {$gt: 30}}")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var found []map[string]any
	if err := json.Unmarshal([]byte(stdout), &found); err != nil {
		t.Fatalf("decode search output %q: %v", stdout, err)
	}
	if len(found) != 1 || found[0]["id"] != "u1" {
		t.Fatalf("unexpected search result %v", found)
	}

	if _, _, err := run(t, "--server", url, "delete", "-n", "users", "-t", "memory", "--id", "u2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if docs := backend.Documents(storage.CollectionMemory, "users"); len(docs) != 1 {
		t.Fatalf("expected 1 document after delete, got %v", docs)
	}
}

func TestUpdateFromFile(t *testing.T) {
	backend, url := newBackend(t)
	if _, _, err := run(t, "--server", url, "save", "-n", "users", "-d", `{id: u1, name: alice}`); err != nil {
		t.Fatalf("save: %v", err)
	}
	patch := writeFile(t, "patch.yaml", "- id: u1\n  role: admin\n")
	if _, _, err := run(t, "--server", url, "update", "-n", "users", "-f", patch); err != nil {
		t.Fatalf("update: %v", err)
	}
	docs := backend.Documents("", "users")
	if len(docs) != 1 || docs[0]["role"] != "admin" || docs[0]["name"] != "alice" {
		t.Fatalf("unexpected documents %v", docs)
	}
}

func TestRemoteFailureSurfacesMappedStatus(t *testing.T) {
	_, url := newBackend(t)

	_, _, err := run(t, "--server", url, "--map-status", "404=410", "get", "-n", "users", "--id", "missing")
	code, ok := storage.StatusCode(err)
	if !ok || code != http.StatusGone {
		t.Fatalf("expected mapped 410, got %v", err)
	}
	if !errors.Is(err, storage.ErrRemoteCallFailed) {
		t.Fatalf("expected ErrRemoteCallFailed, got %v", err)
	}

	stdout, stderr, err := run(t, "--server", url, "--unchecked", "get", "-n", "users", "--id", "missing")
	if err != nil {
		t.Fatalf("unchecked get: %v", err)
	}
	if stdout != "Not Found\n" || !strings.HasPrefix(stderr, "404") {
		t.Fatalf("unexpected unchecked output stdout=%q stderr=%q", stdout, stderr)
	}
}

func TestInputValidation(t *testing.T) {
	_, url := newBackend(t)
	tests := []struct {
		name string
		args []string
	}{
		{name: "no payload", args: []string{"save", "-n", "users"}},
		{name: "both payloads", args: []string{"save", "-n", "users", "-d", "{}", "-f", "x.json"}},
		{name: "scalar payload", args: []string{"save", "-n", "users", "-d", "42"}},
		{name: "bad type", args: []string{"save", "-n", "users", "-t", "disk", "-d", "{}"}},
		{name: "delete without selector", args: []string{"delete", "-n", "users"}},
		{name: "bad status map", args: []string{"--map-status", "404", "default-type", "sql"}},
		{name: "bad log level", args: []string{"--log-level", "loud", "default-type", "sql"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--server", url}, tt.args...)
			if _, _, err := run(t, args...); err == nil {
				t.Fatalf("expected error for %v", tt.args)
			}
		})
	}
}

func TestManualTransactionWithTID(t *testing.T) {
	backend, url := newBackend(t)

	stdout, _, err := run(t, "txn", "begin")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tid := strings.TrimSpace(stdout)
	if tid == "" {
		t.Fatalf("begin printed no id")
	}

	if _, _, err := run(t, "--server", url, "--tid", tid, "save", "-n", "users", "-d", `{id: u1}`); err != nil {
		t.Fatalf("save: %v", err)
	}
	if backend.PendingTransactions() != 1 {
		t.Fatalf("expected staged transaction")
	}
	if docs := backend.Documents("", "users"); len(docs) != 0 {
		t.Fatalf("staged write visible before commit: %v", docs)
	}

	t.Setenv("STORAGE_TID", tid)
	_, stderr, err := run(t, "--server", url, "txn", "commit")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !strings.Contains(stderr, tid+" committed") {
		t.Fatalf("unexpected commit output %q", stderr)
	}
	if docs := backend.Documents("", "users"); len(docs) != 1 {
		t.Fatalf("expected committed document, got %v", docs)
	}
	if backend.PendingTransactions() != 0 {
		t.Fatalf("transaction still pending")
	}
}

func TestTxnRollbackDiscards(t *testing.T) {
	backend, url := newBackend(t)
	if _, _, err := run(t, "--server", url, "--tid", "t-1", "save", "-n", "users", "-d", `{id: u1}`); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, _, err := run(t, "--server", url, "txn", "rollback", "t-1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if docs := backend.Documents("", "users"); len(docs) != 0 {
		t.Fatalf("rolled back write was applied: %v", docs)
	}
	if _, _, err := run(t, "--server", url, "txn", "commit"); err == nil {
		t.Fatalf("expected error without a transaction id")
	}
}

const applyScript = `steps:
  - op: default-type
    type: memory
  - op: save
    request:
      name: users
      value:
        - {id: u1, name: alice}
  - op: get
    params: {name: users, id: u1}
`

func TestTxnApplyCommits(t *testing.T) {
	backend, url := newBackend(t)
	path := writeFile(t, "script.yaml", applyScript)

	stdout, _, err := run(t, "--server", url, "txn", "apply", path)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var res applyResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode apply output %q: %v", stdout, err)
	}
	if res.TID == "" || res.Outcome != "commit" || len(res.Steps) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if body, _ := res.Steps[2].Body.(map[string]any); body["name"] != "alice" {
		t.Fatalf("get inside the transaction did not see the staged write: %+v", res.Steps[2])
	}
	if docs := backend.Documents(storage.CollectionMemory, "users"); len(docs) != 1 {
		t.Fatalf("expected committed document, got %v", docs)
	}
}

func TestTxnApplyDryRunRollsBack(t *testing.T) {
	backend, url := newBackend(t)
	path := writeFile(t, "script.yaml", applyScript)

	stdout, _, err := run(t, "--server", url, "txn", "apply", "--dry-run", path)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(stdout, `"outcome": "rollback"`) {
		t.Fatalf("unexpected output %q", stdout)
	}
	if docs := backend.Documents(storage.CollectionMemory, "users"); len(docs) != 0 {
		t.Fatalf("dry run left documents behind: %v", docs)
	}
	if backend.PendingTransactions() != 0 {
		t.Fatalf("dry run left a pending transaction")
	}
}

func TestTxnApplyFailureRollsBack(t *testing.T) {
	backend, url := newBackend(t)
	path := writeFile(t, "script.yaml", `steps:
  - op: save
    request: {name: users, value: [{id: u1}]}
  - op: get
    params: {name: users, id: missing}
`)
	_, _, err := run(t, "--server", url, "txn", "apply", path)
	if code, ok := storage.StatusCode(err); !ok || code != http.StatusNotFound {
		t.Fatalf("expected 404 failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "step 2 (get)") {
		t.Fatalf("error does not name the step: %v", err)
	}
	if docs := backend.Documents("", "users"); len(docs) != 0 {
		t.Fatalf("failed script committed documents: %v", docs)
	}
	if backend.PendingTransactions() != 0 {
		t.Fatalf("failed script left a pending transaction")
	}
}

func TestLoadScriptRejectsMalformedSteps(t *testing.T) {
	tests := map[string]string{
		"empty":        "steps: []\n",
		"unknown op":   "steps:\n  - op: drop\n",
		"no request":   "steps:\n  - op: save\n",
		"get no id":    "steps:\n  - op: get\n    params: {name: users}\n",
		"bad type":     "steps:\n  - op: default-type\n    type: disk\n",
		"invalid yaml": "steps: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := loadScript(writeFile(t, "script.yaml", content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestConfigFileAndEnv(t *testing.T) {
	backend, url := newBackend(t)
	cfgPath := writeFile(t, "storagectl.yaml", "server: "+url+"\ntimeout: 3s\n")

	if _, _, err := run(t, "--config", cfgPath, "default-type", "file"); err != nil {
		t.Fatalf("default-type via config: %v", err)
	}
	if backend.DefaultType() != storage.CollectionFile {
		t.Fatalf("default type = %q", backend.DefaultType())
	}

	t.Setenv("STORAGE_BASE_URL", url)
	if _, _, err := run(t, "default-type", "memory"); err != nil {
		t.Fatalf("default-type via env: %v", err)
	}
	if backend.DefaultType() != storage.CollectionMemory {
		t.Fatalf("default type = %q", backend.DefaultType())
	}

	if _, _, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "default-type", "sql"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestHumanizeBytes(t *testing.T) {
	if got := humanizeBytes(0); got != "0B" {
		t.Fatalf("humanizeBytes(0) = %q", got)
	}
	if got := humanizeBytes(2048); got != "2.0kB" {
		t.Fatalf("humanizeBytes(2048) = %q", got)
	}
}
