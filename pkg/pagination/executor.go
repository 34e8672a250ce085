package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Sternrassler/hrsi-client/pkg/catalogue"
	"github.com/Sternrassler/hrsi-client/pkg/logging"
	"github.com/Sternrassler/hrsi-client/pkg/query"
	"github.com/Sternrassler/hrsi-client/pkg/resultlist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	searchPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hrsi_search_pages_total",
		Help: "Total search pages fetched",
	})

	searchProductsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hrsi_search_products_total",
		Help: "Total distinct products collected by searches",
	})

	searchDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hrsi_search_duplicates_total",
		Help: "Total duplicate product references collapsed by searches",
	})
)

// Config holds search executor configuration
type Config struct {
	// MaxPages bounds the number of pages requested. 0 means unlimited.
	MaxPages int
	// PageTimeout bounds each page fetch, retries included.
	PageTimeout time.Duration
}

// DefaultConfig returns the default configuration: no page limit and a
// five minute budget per page.
func DefaultConfig() Config {
	return Config{
		MaxPages:    0,
		PageTimeout: 5 * time.Minute,
	}
}

// PageFetcher fetches one page of a search.
type PageFetcher interface {
	FetchPage(ctx context.Context, q query.Descriptor, page int) (*catalogue.Page, error)
}

// Summary describes a finished search.
type Summary struct {
	Pages      int
	Products   int
	Duplicates int
	// TotalResults is the count advertised on the first page, nil if absent.
	TotalResults *int
	Duration     time.Duration
}

// Executor runs paginated searches sequentially.
type Executor struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewExecutor creates a new search executor.
func NewExecutor(fetcher PageFetcher, config Config, logger zerolog.Logger) *Executor {
	if config.MaxPages < 0 {
		config.MaxPages = 0
	}
	if config.PageTimeout <= 0 {
		config.PageTimeout = DefaultConfig().PageTimeout
	}

	return &Executor{
		fetcher: fetcher,
		config:  config,
		logger:  logging.Component(logger, "search"),
	}
}

// Collect fetches every page of q and returns the deduplicated references
// in first-seen order. Any page or extraction failure aborts the search.
func (e *Executor) Collect(ctx context.Context, q query.Descriptor) (*resultlist.List, Summary, error) {
	start := time.Now()
	list := resultlist.New()
	var summary Summary

	e.logger.Info().Str("url", q.URL()).Msg("Starting search")

	for page := 1; e.config.MaxPages == 0 || page <= e.config.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, summary, fmt.Errorf("search cancelled before page %d: %w", page, err)
		}

		result, err := e.fetchPage(ctx, q, page)
		if err != nil {
			return nil, summary, err
		}
		summary.Pages++
		searchPagesTotal.Inc()

		if page == 1 {
			summary.TotalResults = result.TotalResults
		}

		e.logger.Debug().
			Int("page", page).
			Int("features", len(result.Features)).
			Msg("Fetched search page")

		if len(result.Features) == 0 {
			break
		}

		products, err := catalogue.ExtractAll(result)
		if err != nil {
			event := e.logger.Error().Err(err).Int("page", page).Dict("params", paramsDict(q))
			withResponse(event, result.Raw).Msg("Unexpected feature in search page")
			return nil, summary, fmt.Errorf("page %d: %w", page, err)
		}
		for _, p := range products {
			if !list.Add(p.Reference()) {
				summary.Duplicates++
			}
		}
	}

	summary.Products = list.Len()
	summary.Duration = time.Since(start)
	searchProductsTotal.Add(float64(summary.Products))
	searchDuplicatesTotal.Add(float64(summary.Duplicates))

	if summary.Duplicates > 0 {
		e.logger.Warn().
			Int("duplicates", summary.Duplicates).
			Msg("Duplicate products were found in the search results and ignored")
	}

	event := e.logger.Info().
		Int("pages", summary.Pages).
		Int("products", summary.Products).
		Dur("duration", summary.Duration)
	if summary.TotalResults != nil {
		event = event.Int("advertised_total", *summary.TotalResults)
	}
	event.Msgf("Found %d products", summary.Products)

	return list, summary, nil
}

// Execute runs Collect and writes the result list to outputDir. It returns
// the path of the written list.
func (e *Executor) Execute(ctx context.Context, q query.Descriptor, outputDir string) (string, Summary, error) {
	list, summary, err := e.Collect(ctx, q)
	if err != nil {
		return "", summary, err
	}

	path := filepath.Join(outputDir, resultlist.FileName)
	e.logger.Info().Str("path", path).Msg("Listing results in")
	if err := resultlist.WriteFile(path, list); err != nil {
		return "", summary, fmt.Errorf("write result list: %w", err)
	}

	return path, summary, nil
}

func (e *Executor) fetchPage(ctx context.Context, q query.Descriptor, page int) (*catalogue.Page, error) {
	pageCtx, cancel := context.WithTimeout(ctx, e.config.PageTimeout)
	defer cancel()

	result, err := e.fetcher.FetchPage(pageCtx, q, page)
	if err != nil {
		event := e.logger.Error().Err(err).Int("page", page)
		var serr *catalogue.SchemaError
		if errors.As(err, &serr) {
			event = withResponse(event.Dict("params", paramsDict(q)), serr.Raw)
		}
		event.Msg("Search page failed")
		return nil, err
	}
	return result, nil
}

func paramsDict(q query.Descriptor) *zerolog.Event {
	dict := zerolog.Dict()
	for _, p := range q.Params() {
		dict = dict.Str(p.Key, p.Value)
	}
	return dict
}

// withResponse attaches a response body, inline when it is JSON.
func withResponse(event *zerolog.Event, raw []byte) *zerolog.Event {
	if len(raw) == 0 {
		return event
	}
	if json.Valid(raw) {
		return event.RawJSON("response", raw)
	}
	return event.Bytes("response", raw)
}
