package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/airtable-client/pkg/query"
	"github.com/rs/zerolog"
)

// PageFetcher retrieves a single page for the given parameters.
// The client binds credential, base and table into its implementation.
type PageFetcher interface {
	FetchPage(ctx context.Context, params *query.Params) (*Page, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, params *query.Params) (*Page, error)

// FetchPage calls f.
func (f PageFetcherFunc) FetchPage(ctx context.Context, params *query.Params) (*Page, error) {
	return f(ctx, params)
}

// Pacer blocks between consecutive page requests.
type Pacer interface {
	Wait(ctx context.Context) error
}

// ErrStopWalk can be returned by a Walk callback to end the walk early without error.
var ErrStopWalk = errors.New("stop walk")

// Stats describes a completed walk.
type Stats struct {
	Pages    int
	Records  int
	Duration time.Duration
}

// Fetcher follows offset tokens until the server reports the last page.
type Fetcher struct {
	fetcher PageFetcher
	pacer   Pacer
	logger  zerolog.Logger
}

// NewFetcher creates a Fetcher. A nil pacer means no pause between pages.
func NewFetcher(fetcher PageFetcher, pacer Pacer, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		fetcher: fetcher,
		pacer:   pacer,
		logger:  logger,
	}
}

// FetchAll retrieves every page and returns the records in server order.
// Any page failure aborts the whole operation with no partial result.
func (f *Fetcher) FetchAll(ctx context.Context, params *query.Params) ([]Record, error) {
	var records []Record
	_, err := f.Walk(ctx, params, func(page *Page) error {
		records = append(records, page.Records...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Walk fetches pages in order and hands each to fn. The caller's params are
// never modified; the offset of page N is set on a copy for page N+1.
func (f *Fetcher) Walk(ctx context.Context, params *query.Params, fn func(*Page) error) (Stats, error) {
	start := time.Now()
	current := params.Clone()

	if current.Has(query.KeyOffset) {
		f.logger.Warn().Msg("Caller supplied offset; it applies to the first page only")
	}

	var stats Stats
	for {
		if stats.Pages > 0 && f.pacer != nil {
			if err := f.pacer.Wait(ctx); err != nil {
				return stats, fmt.Errorf("wait before page %d: %w", stats.Pages+1, err)
			}
		}

		page, err := f.fetcher.FetchPage(ctx, current)
		if err != nil {
			f.logger.Debug().
				Err(err).
				Int("page", stats.Pages+1).
				Msg("Page fetch failed")
			return stats, err
		}
		stats.Pages++
		stats.Records += len(page.Records)

		f.logger.Debug().
			Int("page", stats.Pages).
			Int("records", len(page.Records)).
			Bool("more", !page.Terminal()).
			Msg("Fetched page")

		if err := fn(page); err != nil {
			if errors.Is(err, ErrStopWalk) {
				break
			}
			return stats, err
		}

		if page.Terminal() {
			break
		}
		current.Set(query.KeyOffset, page.Offset)
	}

	stats.Duration = time.Since(start)
	f.logger.Debug().
		Int("pages", stats.Pages).
		Int("records", stats.Records).
		Dur("duration", stats.Duration).
		Msg("Walk complete")

	return stats, nil
}
