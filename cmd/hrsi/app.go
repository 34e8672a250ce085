package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/hrsi-client/pkg/auth"
	"github.com/Sternrassler/hrsi-client/pkg/cache"
	"github.com/Sternrassler/hrsi-client/pkg/client"
	"github.com/Sternrassler/hrsi-client/pkg/config"
	"github.com/Sternrassler/hrsi-client/pkg/download"
	"github.com/Sternrassler/hrsi-client/pkg/ledger"
	"github.com/Sternrassler/hrsi-client/pkg/logging"
	"github.com/Sternrassler/hrsi-client/pkg/metrics"
	"github.com/Sternrassler/hrsi-client/pkg/pagination"
	"github.com/Sternrassler/hrsi-client/pkg/query"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	redisPingTimeout   = 5 * time.Second
	metricsPushTimeout = 10 * time.Second
)

// app holds the resources of one invocation.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	runID     string
	outputDir string

	client *client.Client
	redis  *redis.Client
	ledger *ledger.Ledger
}

// newApp loads the configuration and builds the logger. It has no side
// effects on the filesystem or the network.
func newApp(cmd *cobra.Command, root *rootOptions) (*app, error) {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return nil, &usageError{err: err}
	}

	if root.logLevel != "" {
		if _, err := logging.ParseLevel(logging.LogLevel(root.logLevel)); err != nil {
			return nil, &usageError{err: err}
		}
		cfg.Logging.Level = root.logLevel
	}
	if cmd.Flags().Changed("log-pretty") {
		cfg.Logging.Pretty = root.logPretty
	}

	runID := uuid.NewString()
	logger := logging.New(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	a := &app{
		cfg:    cfg,
		logger: logging.WithRun(logger, runID),
		runID:  runID,
	}
	root.logger = a.logger
	return a, nil
}

func (a *app) applySearchFlags(cmd *cobra.Command, o *searchOptions) {
	if cmd.Flags().Changed("max-pages") {
		a.cfg.Search.MaxPages = o.maxPages
	}
}

func (a *app) applyDownloadFlags(cmd *cobra.Command, o *downloadOptions) error {
	if cmd.Flags().Changed("max-retries") {
		if o.maxRetries < 0 {
			return usagef("--max-retries cannot be negative")
		}
		a.cfg.Download.MaxRetries = o.maxRetries
	}
	if cmd.Flags().Changed("skip-existing") {
		a.cfg.Download.SkipExisting = o.skipExisting
	}
	return nil
}

// prepare creates the output directory and the catalogue client.
func (a *app) prepare(ctx context.Context, outputDir string) error {
	if err := prepareOutputDir(outputDir, a.logger); err != nil {
		return err
	}
	a.outputDir = outputDir

	cfg := client.DefaultConfig()
	cfg.UserAgent = a.cfg.Catalogue.UserAgent
	cfg.Timeout = a.cfg.Catalogue.Timeout
	cfg.ResponseHeaderTimeout = a.cfg.Catalogue.Timeout
	cfg.Logger = a.logger
	cfg.Cache = a.openCache(ctx)

	c, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("create catalogue client: %w", err)
	}
	a.client = c
	return nil
}

// openCache connects to Redis when configured. An unreachable server only
// disables the cache.
func (a *app) openCache(ctx context.Context) *cache.PageCache {
	if !a.cfg.CacheEnabled() {
		return nil
	}

	rc := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Cache.RedisAddr,
		Password: a.cfg.Cache.RedisPassword,
		DB:       a.cfg.Cache.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		a.logger.Warn().Err(err).Str("addr", a.cfg.Cache.RedisAddr).Msg("Redis unavailable, search cache disabled")
		rc.Close()
		return nil
	}

	a.logger.Debug().Str("addr", a.cfg.Cache.RedisAddr).Msg("Connected to Redis")
	a.redis = rc
	return cache.NewPageCache(rc, a.cfg.Cache.TTL)
}

// search runs q and writes the result file, returning its path.
func (a *app) search(ctx context.Context, q query.Descriptor) (string, error) {
	executor := pagination.NewExecutor(a.client, pagination.Config{
		MaxPages:    a.cfg.Search.MaxPages,
		PageTimeout: a.cfg.Search.PageTimeout,
	}, a.logger)

	path, summary, err := executor.Execute(ctx, q, a.outputDir)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}

	a.logger.Debug().
		Int("pages", summary.Pages).
		Int("products", summary.Products).
		Int("duplicates", summary.Duplicates).
		Dur("duration", summary.Duration).
		Msg("Search finished")
	return path, nil
}

// download fetches every product of the result file at path.
func (a *app) download(ctx context.Context, cred auth.Credential, path string) error {
	var records download.Ledger
	if a.cfg.Download.Ledger {
		l, err := ledger.Open(filepath.Join(a.outputDir, ledger.FileName))
		if err != nil {
			return err
		}
		a.ledger = l
		records = l
	}

	tokens := auth.NewTokenSource(a.client, a.cfg.Catalogue.TokenURL, a.cfg.Catalogue.ClientID, a.logger)
	d, err := download.New(a.client, tokens, records, download.Config{
		OutputDir:       a.outputDir,
		ArchiveExt:      a.cfg.Download.ArchiveExt,
		Retry:           a.cfg.DownloadRetry(),
		TransferTimeout: a.cfg.Download.TransferTimeout,
		SkipExisting:    a.cfg.Download.SkipExisting,
		RunID:           a.runID,
	}, a.logger)
	if err != nil {
		return err
	}

	_, err = d.DownloadFile(ctx, cred, path)
	return err
}

// close releases the app resources and pushes the run metrics.
func (a *app) close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close download ledger")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}

	if a.cfg.Metrics.PushURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricsPushTimeout)
	defer cancel()
	if err := metrics.Push(ctx, a.cfg.Metrics.PushURL, a.cfg.Metrics.Job, a.runID); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to push metrics")
	}
}

func loadCredential(path string) (auth.Credential, error) {
	cred, err := auth.LoadCredential(path)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("credentials: %w", err)
	}
	return cred, nil
}

// prepareOutputDir creates dir when missing. An existing directory is
// reused with a warning.
func prepareOutputDir(dir string, logger zerolog.Logger) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("output path %s exists and is not a directory", dir)
	case err == nil:
		logger.Warn().Str("path", dir).Msg("Output directory already exists")
		return nil
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		logger.Info().Str("path", dir).Msg("Created output directory")
		return nil
	default:
		return fmt.Errorf("output directory: %w", err)
	}
}
