// Package download retrieves the archives listed in a result list.
//
// Products are processed one at a time in list order. Each attempt
// exchanges the credential for a fresh token, resolves the archive name
// (from the title, or from a HEAD request when the list has no title) and
// streams the archive to a temporary file that is renamed into place only
// once complete. Failed attempts are retried with a linear backoff; a
// product that exhausts its retries stops the whole batch.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/hrsi-client/pkg/auth"
	"github.com/Sternrassler/hrsi-client/pkg/client"
	"github.com/Sternrassler/hrsi-client/pkg/logging"
	"github.com/Sternrassler/hrsi-client/pkg/resultlist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrsi_downloads_total",
		Help: "Total product downloads by result",
	}, []string{"result"})

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hrsi_download_bytes_total",
		Help: "Total archive bytes written",
	})

	downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hrsi_download_duration_seconds",
		Help:    "Wall time per product download, retries included",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
)

// partSuffix marks an archive that is still being written.
const partSuffix = ".part"

// HTTPDoer sends catalogue requests. *client.Client implements it.
type HTTPDoer interface {
	Do(req *http.Request, endpoint string) (*http.Response, error)
	Stream(req *http.Request) (*http.Response, error)
}

// TokenSource exchanges a credential for an access token.
type TokenSource interface {
	Token(ctx context.Context, cred auth.Credential) (string, error)
}

// Ledger remembers finished downloads. *ledger.Ledger implements it.
type Ledger interface {
	Completed(ctx context.Context, url string) (string, bool, error)
	RecordSuccess(ctx context.Context, ref resultlist.ProductReference, path string, attempts int, elapsed time.Duration, runID string) error
	RecordFailure(ctx context.Context, ref resultlist.ProductReference, attempts int, cause error, runID string) error
}

// Config holds downloader configuration.
type Config struct {
	// OutputDir receives the archives. It must exist.
	OutputDir string
	// ArchiveExt is appended to title-derived names and required on
	// header-derived ones.
	ArchiveExt string
	// Retry bounds the attempts per product.
	Retry client.RetryPolicy
	// TransferTimeout bounds one archive transfer.
	TransferTimeout time.Duration
	// SkipExisting skips products already downloaded.
	SkipExisting bool
	// RunID tags ledger records.
	RunID string
}

// DefaultConfig returns the default configuration for outputDir.
func DefaultConfig(outputDir string) Config {
	return Config{
		OutputDir:       outputDir,
		ArchiveExt:      DefaultArchiveExt,
		Retry:           client.DefaultRetryPolicy(),
		TransferTimeout: 2 * time.Hour,
	}
}

// Outcome is the result of one product.
type Outcome struct {
	Reference resultlist.ProductReference
	Path      string
	Bytes     int64
	Elapsed   time.Duration
	Attempts  int
	Skipped   bool
	Err       error
}

// Error reports a product that could not be downloaded.
type Error struct {
	Reference resultlist.ProductReference
	Attempts  int
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	name := e.Reference.Title
	if name == "" {
		name = e.Reference.URL
	}
	return fmt.Sprintf("download %s failed after %d attempt(s): %v", name, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Downloader fetches archives sequentially.
type Downloader struct {
	http   HTTPDoer
	tokens TokenSource
	ledger Ledger
	config Config
	logger zerolog.Logger
}

// New creates a downloader. ledger may be nil.
func New(httpDoer HTTPDoer, tokens TokenSource, ledger Ledger, cfg Config, logger zerolog.Logger) (*Downloader, error) {
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if cfg.ArchiveExt == "" {
		cfg.ArchiveExt = DefaultArchiveExt
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0 (got %d)", cfg.Retry.MaxRetries)
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultConfig(cfg.OutputDir).TransferTimeout
	}

	return &Downloader{
		http:   httpDoer,
		tokens: tokens,
		ledger: ledger,
		config: cfg,
		logger: logging.Component(logger, "download"),
	}, nil
}

// DownloadFile reads the result list at path and downloads every entry.
func (d *Downloader) DownloadFile(ctx context.Context, cred auth.Credential, path string) ([]Outcome, error) {
	list, dups, err := resultlist.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if dups > 0 {
		d.logger.Warn().Int("duplicates", dups).Str("path", path).Msg("Duplicate entries in result file were ignored")
	}
	return d.DownloadAll(ctx, cred, list.Items())
}

// DownloadAll downloads refs in order and stops at the first product that
// fails. The outcomes gathered so far are returned with the error.
func (d *Downloader) DownloadAll(ctx context.Context, cred auth.Credential, refs []resultlist.ProductReference) ([]Outcome, error) {
	d.logger.Info().Int("products", len(refs)).Msg("Start downloading...")

	outcomes := make([]Outcome, 0, len(refs))
	downloaded := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return outcomes, fmt.Errorf("download cancelled: %w", err)
		}

		outcome := d.Download(ctx, cred, ref)
		outcomes = append(outcomes, outcome)
		if outcome.Err != nil {
			return outcomes, outcome.Err
		}
		if !outcome.Skipped {
			downloaded++
		}
	}

	if downloaded == 0 {
		d.logger.Info().Msg("No products were downloaded.")
	} else {
		d.logger.Info().Int("downloaded", downloaded).Msg("Downloading complete!")
	}
	return outcomes, nil
}

// Download retrieves one product with retries.
func (d *Downloader) Download(ctx context.Context, cred auth.Credential, ref resultlist.ProductReference) Outcome {
	start := time.Now()
	outcome := Outcome{Reference: ref}
	logger := d.logger.With().Str("url", ref.URL).Str("title", ref.Title).Logger()

	if d.config.SkipExisting {
		if path, ok := d.existing(ctx, ref); ok {
			outcome.Path = path
			outcome.Skipped = true
			downloadsTotal.WithLabelValues("skipped").Inc()
			logger.Info().Str("path", path).Msg("Product already downloaded, skipping")
			return outcome
		}
	}

	err := client.Retry(ctx, d.config.Retry, "download", logger, func(attempt int) error {
		outcome.Attempts = attempt
		path, n, err := d.attempt(ctx, cred, ref, logger)
		if err != nil {
			return err
		}
		outcome.Path = path
		outcome.Bytes = n
		return nil
	})
	outcome.Elapsed = time.Since(start)

	if err != nil {
		outcome.Err = &Error{Reference: ref, Attempts: outcome.Attempts, Err: err}
		downloadsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Int("attempts", outcome.Attempts).Msg("Download failed")
		if d.ledger != nil {
			// Recorded even when ctx was cancelled.
			if lerr := d.ledger.RecordFailure(context.WithoutCancel(ctx), ref, outcome.Attempts, err, d.config.RunID); lerr != nil {
				logger.Warn().Err(lerr).Msg("Failed to record download failure")
			}
		}
		return outcome
	}

	downloadsTotal.WithLabelValues("completed").Inc()
	downloadBytesTotal.Add(float64(outcome.Bytes))
	downloadDuration.Observe(outcome.Elapsed.Seconds())
	logger.Info().
		Str("path", outcome.Path).
		Dur("elapsed", outcome.Elapsed).
		Int("attempts", outcome.Attempts).
		Int64("bytes", outcome.Bytes).
		Msgf("Downloaded %s in %s", outcome.Path, outcome.Elapsed.Round(time.Millisecond))

	if d.ledger != nil {
		if err := d.ledger.RecordSuccess(ctx, ref, outcome.Path, outcome.Attempts, outcome.Elapsed, d.config.RunID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record download")
		}
	}
	return outcome
}

// existing reports an archive of ref that is already on disk.
func (d *Downloader) existing(ctx context.Context, ref resultlist.ProductReference) (string, bool) {
	if d.ledger != nil {
		path, ok, err := d.ledger.Completed(ctx, ref.URL)
		if err != nil {
			d.logger.Warn().Err(err).Str("url", ref.URL).Msg("Ledger lookup failed")
		}
		if ok && fileExists(path) {
			return path, true
		}
	}
	if !ref.HasTitle() {
		return "", false
	}
	name, err := FilenameFromTitle(ref.Title, d.config.ArchiveExt)
	if err != nil {
		return "", false
	}
	path := filepath.Join(d.config.OutputDir, name)
	return path, fileExists(path)
}

// attempt performs one token exchange and transfer.
func (d *Downloader) attempt(ctx context.Context, cred auth.Credential, ref resultlist.ProductReference, logger zerolog.Logger) (string, int64, error) {
	token, err := d.tokens.Token(ctx, cred)
	if err != nil {
		return "", 0, fmt.Errorf("get token: %w", err)
	}

	authorized, err := auth.AuthorizeURL(ref.URL, token)
	if err != nil {
		return "", 0, err
	}

	var name string
	if ref.HasTitle() {
		name, err = FilenameFromTitle(ref.Title, d.config.ArchiveExt)
	} else {
		name, err = d.headName(ctx, authorized)
	}
	if err != nil {
		return "", 0, err
	}

	path := filepath.Join(d.config.OutputDir, name)
	logger.Debug().Str("path", path).Msg("Transferring archive")

	n, err := d.transfer(ctx, authorized, path)
	if err != nil {
		return "", 0, err
	}
	return path, n, nil
}

// headName asks the server for the archive name with a HEAD request.
func (d *Downloader) headName(ctx context.Context, authorized string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, authorized, nil)
	if err != nil {
		return "", fmt.Errorf("create head request: %w", err)
	}

	resp, err := d.http.Do(req, client.EndpointHead)
	if err != nil {
		return "", fmt.Errorf("head request: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", client.StatusError(client.RedactURL(authorized), resp)
	}
	return FilenameFromHeader(resp.Header, d.config.ArchiveExt)
}

// transfer streams the archive to path through a temporary file.
func (d *Downloader) transfer(ctx context.Context, authorized, path string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.TransferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorized, nil)
	if err != nil {
		return 0, fmt.Errorf("create transfer request: %w", err)
	}

	resp, err := d.http.Stream(req)
	if err != nil {
		return 0, fmt.Errorf("transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, client.StatusError(client.RedactURL(authorized), resp)
	}

	part := path + partSuffix
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}

	n, err := io.Copy(f, resp.Body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("transfer exceeded %s: %w", d.config.TransferTimeout, err)
		}
		return 0, &client.CatalogueError{
			URL:        client.RedactURL(authorized),
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassNetwork,
			Message:    "write archive",
			Err:        err,
		}
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		os.Remove(part)
		return 0, &client.CatalogueError{
			URL:        client.RedactURL(authorized),
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassNetwork,
			Message:    fmt.Sprintf("short transfer: got %d of %d bytes", n, resp.ContentLength),
		}
	}

	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("finalize %s: %w", path, err)
	}
	return n, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
