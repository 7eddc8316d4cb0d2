package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/saber71/backend-storage/internal/devseed"
	"github.com/saber71/backend-storage/internal/storageapi"
	"github.com/saber71/backend-storage/internal/uuidv7"
	"github.com/saber71/backend-storage/pkg/storage"
)

func newTxnCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "txn",
		Short: "Transaction helpers",
	}
	cmd.AddCommand(
		newTxnBeginCommand(),
		newTxnEndCommand(cfg, "commit", false),
		newTxnEndCommand(cfg, "rollback", true),
		newTxnApplyCommand(cfg),
	)
	return cmd
}

func newTxnBeginCommand() *cobra.Command {
	var export bool
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Mint a transaction id for use with --tid",
		Long: "Mint a transaction id. Nothing is sent to the service; pass the id to later " +
			"commands with --tid (or STORAGE_TID) and finish with txn commit or txn rollback.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tid := uuidv7.NewString()
			if export {
				fmt.Fprintf(cmd.OutOrStdout(), "export STORAGE_TID=%s\n", tid)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), tid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&export, "export", false, "print a shell export line")
	return cmd
}

func newTxnEndCommand(cfg *cliConfig, use string, rollback bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [tid]",
		Short: "Send the completion signal for a transaction (" + use + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			tid := cfg.tid
			if len(args) == 1 {
				tid = strings.TrimSpace(args[0])
			}
			if tid == "" {
				return errors.New("transaction id required (argument, --tid or STORAGE_TID)")
			}
			tx, err := cfg.client.Resume(cmd.Context(), tid)
			if err != nil {
				return err
			}
			if err := tx.End(cmd.Context(), rollback, cfg.callOptions()...); err != nil {
				return err
			}
			outcome := "committed"
			if rollback {
				outcome = "rolled back"
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", tid, outcome)
			return nil
		},
	}
}

// script is the document accepted by txn apply.
type script struct {
	Steps []scriptStep `yaml:"steps"`
}

type scriptStep struct {
	Op      string            `yaml:"op"`
	Request map[string]any    `yaml:"request,omitempty"`
	Params  map[string]string `yaml:"params,omitempty"`
	Type    string            `yaml:"type,omitempty"`
}

type stepResult struct {
	Op     string `json:"op"`
	Status int    `json:"status"`
	Body   any    `json:"body,omitempty"`
}

type applyResult struct {
	TID     string       `json:"tid"`
	Outcome string       `json:"outcome"`
	Steps   []stepResult `json:"steps"`
}

var errDryRun = errors.New("dry run")

func loadScript(path string) (*script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var s script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode script %s: %w", path, err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("script %s has no steps", path)
	}
	for i := range s.Steps {
		step := &s.Steps[i]
		step.Op = strings.ToLower(strings.TrimSpace(step.Op))
		if step.Request != nil {
			step.Request = devseed.Normalize(step.Request).(map[string]any)
		}
		switch step.Op {
		case "save", "search", "delete", "update":
			if step.Request == nil {
				return nil, fmt.Errorf("step %d (%s): request is required", i+1, step.Op)
			}
		case "get":
			if step.Params["id"] == "" {
				return nil, fmt.Errorf("step %d (get): params.id is required", i+1)
			}
		case "default-type":
			if !storage.CollectionType(step.Type).Valid() {
				return nil, fmt.Errorf("step %d (default-type): unknown type %q", i+1, step.Type)
			}
		default:
			return nil, fmt.Errorf("step %d: unknown op %q", i+1, step.Op)
		}
	}
	return &s, nil
}

func newTxnApplyCommand(cfg *cliConfig) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "apply <script.yaml>",
		Short: "Run a script of steps inside one transaction",
		Long: "Run every step of a YAML script inside one transaction. The transaction " +
			"commits when all steps succeed and rolls back on the first failure.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadScript(args[0])
			if err != nil {
				return err
			}
			if err := cfg.load(); err != nil {
				return err
			}
			if cfg.tid != "" {
				return errors.New("txn apply mints its own transaction; drop --tid")
			}
			result := applyResult{Outcome: "commit"}
			err = cfg.client.WithTransaction(cmd.Context(), func(ctx context.Context, tx *storage.Tx) error {
				result.TID = tx.ID()
				for i, step := range s.Steps {
					res, err := runStep(ctx, tx, step, cfg.callOptions())
					if err != nil {
						return fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
					}
					result.Steps = append(result.Steps, res)
				}
				if dryRun {
					return errDryRun
				}
				return nil
			}, cfg.callOptions()...)
			if dryRun && errors.Is(err, errDryRun) {
				result.Outcome = "rollback"
				err = nil
			}
			if err != nil {
				cfg.logger.Warn("storagectl.apply.failed", "tid", result.TID, "steps_done", len(result.Steps), "error", err)
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "roll back after running every step")
	return cmd
}

func runStep(ctx context.Context, target caller, step scriptStep, opts []storage.CallOption) (stepResult, error) {
	var (
		resp *http.Response
		err  error
	)
	switch step.Op {
	case "save":
		resp, err = target.Save(ctx, step.Request, opts...)
	case "search":
		resp, err = target.Search(ctx, step.Request, opts...)
	case "delete":
		resp, err = target.Delete(ctx, step.Request, opts...)
	case "update":
		resp, err = target.Update(ctx, step.Request, opts...)
	case "get":
		resp, err = target.Get(ctx, storage.Params(step.Params), opts...)
	case "default-type":
		resp, err = target.SetDefaultCollectionType(ctx, storage.CollectionType(step.Type), opts...)
	default:
		return stepResult{}, fmt.Errorf("unknown op %q", step.Op)
	}
	if err != nil {
		return stepResult{}, err
	}
	body, err := storageapi.ReadAll(resp)
	if err != nil {
		return stepResult{}, err
	}
	return stepResult{
		Op:     step.Op,
		Status: resp.StatusCode,
		Body:   storageapi.Detail(resp.Header.Get("Content-Type"), body),
	}, nil
}
