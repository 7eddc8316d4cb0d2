package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/saber71/backend-storage/internal/devseed"
	"github.com/saber71/backend-storage/internal/storageapi"
	"github.com/saber71/backend-storage/pkg/storage"
)

type collectionFlags struct {
	name string
	typ  string
}

func (f *collectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "collection name")
	cmd.Flags().StringVarP(&f.typ, "type", "t", "", "collection type (sql|file|memory, default: service default)")
	_ = cmd.MarkFlagRequired("name")
}

func (f *collectionFlags) collectionType() (storage.CollectionType, error) {
	t := storage.CollectionType(strings.ToLower(strings.TrimSpace(f.typ)))
	if t != "" && !t.Valid() {
		return "", fmt.Errorf("unknown collection type %q", f.typ)
	}
	return t, nil
}

type inputFlags struct {
	data string
	file string
}

func (f *inputFlags) register(cmd *cobra.Command, what string) {
	cmd.Flags().StringVarP(&f.data, "data", "d", "", what+" as inline JSON or YAML")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", what+" read from a JSON or YAML file (- for stdin)")
}

// documents reads one document or a list of documents.
func (f *inputFlags) documents(cmd *cobra.Command) ([]map[string]any, error) {
	value, err := f.value(cmd)
	if err != nil {
		return nil, err
	}
	return asDocuments(value)
}

func (f *inputFlags) value(cmd *cobra.Command) (any, error) {
	var raw []byte
	switch {
	case f.data != "" && f.file != "":
		return nil, errors.New("--data and --file are mutually exclusive")
	case f.data != "":
		raw = []byte(f.data)
	case f.file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = data
	case f.file != "":
		data, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.file, err)
		}
		raw = data
	default:
		return nil, errors.New("one of --data or --file is required")
	}
	return parseValue(raw)
}

// parseValue decodes JSON or YAML into JSON-compatible values.
func parseValue(raw []byte) (any, error) {
	var out any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return devseed.Normalize(out), nil
}

func asDocuments(value any) ([]map[string]any, error) {
	switch v := value.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		docs := make([]map[string]any, 0, len(v))
		for i, item := range v {
			doc, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("document %d is not an object", i)
			}
			docs = append(docs, doc)
		}
		return docs, nil
	default:
		return nil, fmt.Errorf("expected an object or a list of objects, got %T", value)
	}
}

func asObject(value any) (map[string]any, error) {
	if value == nil {
		return nil, nil
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", value)
	}
	return obj, nil
}

func newSaveCommand(cfg *cliConfig) *cobra.Command {
	var (
		coll   collectionFlags
		input  inputFlags
		result bool
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Insert or replace documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := coll.collectionType()
			if err != nil {
				return err
			}
			docs, err := input.documents(cmd)
			if err != nil {
				return err
			}
			target, err := cfg.target(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := target.Save(cmd.Context(), storage.SaveRequest{
				Name:         coll.name,
				Type:         t,
				Value:        docs,
				ReturnResult: result,
			}, cfg.callOptions()...)
			return printResponse(cmd, resp, err)
		},
	}
	coll.register(cmd)
	input.register(cmd, "document or list of documents")
	cmd.Flags().BoolVar(&result, "return", false, "print the stored documents")
	return cmd
}

func newUpdateCommand(cfg *cliConfig) *cobra.Command {
	var (
		coll  collectionFlags
		input inputFlags
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Merge fields into existing documents by id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := coll.collectionType()
			if err != nil {
				return err
			}
			docs, err := input.documents(cmd)
			if err != nil {
				return err
			}
			target, err := cfg.target(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := target.Update(cmd.Context(), storage.UpdateRequest{
				Name:  coll.name,
				Type:  t,
				Value: docs,
			}, cfg.callOptions()...)
			return printResponse(cmd, resp, err)
		},
	}
	coll.register(cmd)
	input.register(cmd, "partial document or list of partial documents")
	return cmd
}

func newSearchCommand(cfg *cliConfig) *cobra.Command {
	var (
		coll   collectionFlags
		query  string
		single bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find documents matching a query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := coll.collectionType()
			if err != nil {
				return err
			}
			q, err := parseQuery(query)
			if err != nil {
				return err
			}
			target, err := cfg.target(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := target.Search(cmd.Context(), storage.SearchRequest{
				Name:   coll.name,
				Type:   t,
				Query:  q,
				Single: single,
			}, cfg.callOptions()...)
			return printResponse(cmd, resp, err)
		},
	}
	coll.register(cmd)
	cmd.Flags().StringVarP(&query, "query", "q", "", "query object as JSON or YAML (default: match all)")
	cmd.Flags().BoolVar(&single, "single", false, "return the first match or null")
	return cmd
}

func newDeleteCommand(cfg *cliConfig) *cobra.Command {
	var (
		coll   collectionFlags
		id     string
		query  string
		result bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete documents by id or query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (id == "") == (query == "") {
				return errors.New("exactly one of --id or --query is required")
			}
			t, err := coll.collectionType()
			if err != nil {
				return err
			}
			q, err := parseQuery(query)
			if err != nil {
				return err
			}
			target, err := cfg.target(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := target.Delete(cmd.Context(), storage.DeleteRequest{
				Name:         coll.name,
				Type:         t,
				ID:           id,
				Query:        q,
				ReturnResult: result,
			}, cfg.callOptions()...)
			return printResponse(cmd, resp, err)
		},
	}
	coll.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "document id")
	cmd.Flags().StringVarP(&query, "query", "q", "", "query object as JSON or YAML")
	cmd.Flags().BoolVar(&result, "return", false, "print the deleted documents")
	return cmd
}

func newGetCommand(cfg *cliConfig) *cobra.Command {
	var (
		coll collectionFlags
		id   string
	)
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch one document by id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := coll.collectionType()
			if err != nil {
				return err
			}
			target, err := cfg.target(cmd.Context())
			if err != nil {
				return err
			}
			params := storage.GetParams{Name: coll.name, Type: t, ID: id}.Params()
			resp, err := target.Get(cmd.Context(), params, cfg.callOptions()...)
			return printResponse(cmd, resp, err)
		},
	}
	coll.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "document id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newDefaultTypeCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:       "default-type <sql|file|memory>",
		Short:     "Set the collection type used when a request names none",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(storage.CollectionSQL), string(storage.CollectionFile), string(storage.CollectionMemory)},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := cfg.target(cmd.Context())
			if err != nil {
				return err
			}
			t := storage.CollectionType(strings.ToLower(args[0]))
			resp, err := target.SetDefaultCollectionType(cmd.Context(), t, cfg.callOptions()...)
			return printResponse(cmd, resp, err)
		},
	}
}

func parseQuery(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	value, err := parseValue([]byte(raw))
	if err != nil {
		return nil, err
	}
	return asObject(value)
}

// printResponse writes the body to stdout, re-indented when it is JSON, and a
// status line to stderr. err is returned after anything worth printing.
func printResponse(cmd *cobra.Command, resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	body, readErr := storageapi.ReadAll(resp)
	if readErr != nil {
		return readErr
	}
	if err := writeBody(cmd.OutOrStdout(), resp.Header.Get("Content-Type"), body); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s (%s)\n", resp.Status, humanizeBytes(len(body)))
	return nil
}

func writeBody(out io.Writer, contentType string, body []byte) error {
	if len(body) == 0 {
		return nil
	}
	if storageapi.IsJSON(contentType) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			buf.WriteByte('\n')
			_, err := out.Write(buf.Bytes())
			return err
		}
	}
	if _, err := out.Write(body); err != nil {
		return err
	}
	if !bytes.HasSuffix(body, []byte("\n")) {
		_, err := io.WriteString(out, "\n")
		return err
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func humanizeBytes(n int) string {
	if n < 0 {
		n = 0
	}
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}
