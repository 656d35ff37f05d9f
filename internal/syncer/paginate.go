// File: internal/syncer/paginate.go
package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Page is one page of a paged search.
type Page[T any] struct {
	Items      []T
	TotalCount int
}

// PageFetcher requests the page with the given zero-based number.
type PageFetcher[T any] func(ctx context.Context, pageNumber int) (Page[T], error)

// PageHandler processes the items of one page. Returning an error aborts the walk.
type PageHandler[T any] func(ctx context.Context, pageNumber int, items []T) error

// PageStats summarizes a completed walk.
type PageStats struct {
	Requests int
	Items    int
	Failed   int
}

// PageBound is the maximum number of page requests for a result set:
// ceil(total/pageSize) + 1.
func PageBound(total, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 1
	}
	return (total+pageSize-1)/pageSize + 1
}

// Paginate walks a paged result set. The first page must succeed; later page
// failures are logged and skipped. The walk stops when a page comes back
// empty, when TotalCount items have been seen, or when PageBound requests
// have been issued, whichever comes first.
func Paginate[T any](ctx context.Context, pageSize int, fetch PageFetcher[T], handle PageHandler[T], logger *zap.Logger) (PageStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var stats PageStats

	first, err := fetch(ctx, 0)
	stats.Requests++
	if err != nil {
		return stats, fmt.Errorf("failed to fetch first page: %w", err)
	}
	total := first.TotalCount
	bound := PageBound(total, pageSize)
	stats.Items += len(first.Items)
	if err := handle(ctx, 0, first.Items); err != nil {
		return stats, err
	}
	if len(first.Items) == 0 {
		return stats, nil
	}

	for page := 1; page < bound && stats.Items < total; page++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		p, err := fetch(ctx, page)
		stats.Requests++
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return stats, err
			}
			stats.Failed++
			logger.Error("Failed to fetch page, skipping",
				zap.Int("page", page),
				zap.Int("bound", bound),
				zap.Error(err),
			)
			continue
		}
		if len(p.Items) == 0 {
			break
		}
		stats.Items += len(p.Items)
		if err := handle(ctx, page, p.Items); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
