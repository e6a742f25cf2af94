package validate

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/scah/internal/core"
)

// Result is the outcome of validating one row.
type Result struct {
	Record Record
	Errors []core.FieldError
}

// OK reports whether the row validated.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// ValidateAll validates rows on up to workers goroutines. results[i]
// always belongs to rows[i]. It stops early only when ctx is cancelled.
func ValidateAll(ctx context.Context, rows []Raw, opts Options, workers int) ([]Result, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]Result, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, errs := Validate(rows[i], opts)
			results[i] = Result{Record: rec, Errors: errs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// gctx is always done once Wait returns; only the caller's ctx counts.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
