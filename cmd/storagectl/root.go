package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/saber71/backend-storage/internal/httpx"
	"github.com/saber71/backend-storage/internal/loggingutil"
	"github.com/saber71/backend-storage/pkg/storage"
)

const (
	serverKey       = "server"
	timeoutKey      = "timeout"
	closeTimeoutKey = "close-timeout"
	logLevelKey     = "log-level"
	tidKey          = "tid"
	mapStatusKey    = "map-status"
	uncheckedKey    = "unchecked"
)

// cliConfig resolves connection settings lazily so every subcommand shares
// one client per invocation.
type cliConfig struct {
	v          *viper.Viper
	baseLogger pslog.Logger
	configPath string

	loaded       bool
	server       string
	timeout      time.Duration
	closeTimeout time.Duration
	tid          string
	mapper       storage.StatusMapper
	unchecked    bool
	logger       pslog.Logger
	client       *storage.Client
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &cliConfig{v: viper.New(), baseLogger: baseLogger}
	cmd := &cobra.Command{
		Use:           "storagectl",
		Short:         "Talk to a storage service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg.loaded = false
			return cfg.readConfigFile()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.configPath, "config", "", "YAML config file with flag defaults")
	flags.String(serverKey, storage.DefaultBaseURL, "storage service base URL")
	flags.Duration(timeoutKey, httpx.DefaultTimeout, "HTTP request timeout")
	flags.Duration(closeTimeoutKey, storage.DefaultCloseTimeout, "timeout for the transaction completion call")
	flags.String(logLevelKey, "", "client log level (trace|debug|info|warn|error|none)")
	flags.String(tidKey, "", "attach calls to an existing transaction id")
	flags.StringSlice(mapStatusKey, nil, "surface a status under another code (from=to, repeatable)")
	flags.Bool(uncheckedKey, false, "print non-2xx responses instead of failing")

	mustBindFlag(cfg.v, serverKey, "STORAGE_BASE_URL", flags.Lookup(serverKey))
	mustBindFlag(cfg.v, timeoutKey, "STORAGE_CTL_TIMEOUT", flags.Lookup(timeoutKey))
	mustBindFlag(cfg.v, closeTimeoutKey, "STORAGE_CTL_CLOSE_TIMEOUT", flags.Lookup(closeTimeoutKey))
	mustBindFlag(cfg.v, logLevelKey, "STORAGE_CTL_LOG_LEVEL", flags.Lookup(logLevelKey))
	mustBindFlag(cfg.v, tidKey, "STORAGE_TID", flags.Lookup(tidKey))
	mustBindFlag(cfg.v, mapStatusKey, "STORAGE_CTL_MAP_STATUS", flags.Lookup(mapStatusKey))
	mustBindFlag(cfg.v, uncheckedKey, "STORAGE_CTL_UNCHECKED", flags.Lookup(uncheckedKey))

	cmd.AddCommand(
		newSaveCommand(cfg),
		newSearchCommand(cfg),
		newGetCommand(cfg),
		newDeleteCommand(cfg),
		newUpdateCommand(cfg),
		newDefaultTypeCommand(cfg),
		newTxnCommand(cfg),
	)
	return cmd
}

func mustBindFlag(v *viper.Viper, key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func (c *cliConfig) readConfigFile() error {
	if c.configPath == "" {
		return nil
	}
	info, err := os.Stat(c.configPath)
	if err != nil {
		return fmt.Errorf("config file %q: %w", c.configPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", c.configPath)
	}
	c.v.SetConfigFile(c.configPath)
	c.v.SetConfigType("yaml")
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", c.configPath, err)
	}
	return nil
}

func (c *cliConfig) load() error {
	if c.loaded {
		return nil
	}
	c.server = strings.TrimSpace(c.v.GetString(serverKey))
	c.timeout = c.v.GetDuration(timeoutKey)
	if c.timeout <= 0 {
		c.timeout = httpx.DefaultTimeout
	}
	c.closeTimeout = c.v.GetDuration(closeTimeoutKey)
	if c.closeTimeout <= 0 {
		c.closeTimeout = storage.DefaultCloseTimeout
	}
	c.tid = strings.TrimSpace(c.v.GetString(tidKey))
	c.unchecked = c.v.GetBool(uncheckedKey)
	mapper, err := parseStatusMap(c.v.GetStringSlice(mapStatusKey))
	if err != nil {
		return err
	}
	c.mapper = mapper

	logger, err := loggingutil.ApplyLevel(c.baseLogger, c.v.GetString(logLevelKey))
	if err != nil {
		return err
	}
	c.logger = loggingutil.WithSubsystem(logger, "cli.storagectl")

	client, err := storage.New(c.server,
		storage.WithHTTPTimeout(c.timeout),
		storage.WithCloseTimeout(c.closeTimeout),
		storage.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	c.client = client
	c.loaded = true
	c.logger.Debug("storagectl.config", "server", client.BaseURL(), "timeout", c.timeout, "tid", c.tid)
	return nil
}

// callOptions renders the status mapping and checking flags.
func (c *cliConfig) callOptions() []storage.CallOption {
	var opts []storage.CallOption
	if len(c.mapper) > 0 {
		opts = append(opts, storage.WithStatusMapper(c.mapper))
	}
	if c.unchecked {
		opts = append(opts, storage.Unchecked())
	}
	return opts
}

// caller is satisfied by both *storage.Client and *storage.Tx.
type caller interface {
	Save(ctx context.Context, payload any, opts ...storage.CallOption) (*http.Response, error)
	Search(ctx context.Context, payload any, opts ...storage.CallOption) (*http.Response, error)
	Delete(ctx context.Context, payload any, opts ...storage.CallOption) (*http.Response, error)
	Update(ctx context.Context, payload any, opts ...storage.CallOption) (*http.Response, error)
	Get(ctx context.Context, params storage.Params, opts ...storage.CallOption) (*http.Response, error)
	SetDefaultCollectionType(ctx context.Context, t storage.CollectionType, opts ...storage.CallOption) (*http.Response, error)
}

// target returns the client, or a Tx bound to --tid when one is set. The
// Tx is never ended here; the transaction belongs to whoever minted the id.
func (c *cliConfig) target(ctx context.Context) (caller, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	if c.tid == "" {
		return c.client, nil
	}
	tx, err := c.client.Resume(ctx, c.tid)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func parseStatusMap(pairs []string) (storage.StatusMapper, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(storage.StatusMapper, len(pairs))
	for _, pair := range pairs {
		from, to, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid status mapping %q (want from=to)", pair)
		}
		fromCode, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("invalid status mapping %q: %w", pair, err)
		}
		toCode, err := strconv.Atoi(strings.TrimSpace(to))
		if err != nil {
			return nil, fmt.Errorf("invalid status mapping %q: %w", pair, err)
		}
		out[fromCode] = toCode
	}
	return out, nil
}
