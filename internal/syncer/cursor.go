// File: internal/syncer/cursor.go
package syncer

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrMalformedPage is returned by a CursorFetcher when a response cannot be
// interpreted. It ends the walk without failing the run.
var ErrMalformedPage = errors.New("malformed cursor page")

// CursorPage is one page of a watermark-driven feed.
type CursorPage[T any] struct {
	Items []T
	// More reports whether the provider has further pages.
	More bool
	// Watermark is the cursor to resume from after this page.
	Watermark string
}

// CursorFetcher requests the page following the given watermark.
type CursorFetcher[T any] func(ctx context.Context, watermark string) (CursorPage[T], error)

// CursorHandler processes the items of one page. Returning an error aborts the walk.
type CursorHandler[T any] func(ctx context.Context, items []T) error

// FollowCursor walks a cursor feed starting at watermark and returns the last
// watermark reached. The walk ends when the provider reports no further pages,
// when a page is empty or malformed, or when the watermark stops advancing.
func FollowCursor[T any](ctx context.Context, watermark string, fetch CursorFetcher[T], handle CursorHandler[T], logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return watermark, err
		}

		page, err := fetch(ctx, watermark)
		if err != nil {
			if errors.Is(err, ErrMalformedPage) {
				logger.Warn("Malformed page, ending feed walk", zap.String("watermark", watermark), zap.Error(err))
				return watermark, nil
			}
			return watermark, err
		}
		if len(page.Items) == 0 {
			return watermark, nil
		}
		if err := handle(ctx, page.Items); err != nil {
			return watermark, err
		}

		advanced := page.Watermark != "" && page.Watermark != watermark
		if advanced {
			watermark = page.Watermark
		}
		if !page.More {
			return watermark, nil
		}
		if !advanced {
			logger.Warn("Watermark did not advance, ending feed walk", zap.String("watermark", watermark))
			return watermark, nil
		}
	}
}
