package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/prepack/internal/kernels"
	"github.com/born-ml/prepack/internal/prepack"
)

// Result is one model packed by PackModels.
type Result struct {
	Path   string
	State  *State
	Packed []PackedWeight
}

// PackModels opens and packs the models at paths concurrently, at most
// opts.MaxParallel at a time, all against cache. Results are in path order.
//
// On error every state opened so far is closed and no result is returned.
// Otherwise the caller closes each result's State before closing cache.
func PackModels(ctx context.Context, paths []string, cache *prepack.SharedCache, registry *kernels.Registry, opts Options) ([]Result, error) {
	results := make([]Result, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.MaxParallel))
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			state, err := OpenModel(path, opts)
			if err != nil {
				return err
			}
			results[i] = Result{Path: path, State: state}

			packed, err := state.Pack(registry, cache)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i].Packed = packed
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var errs []error
		for _, r := range results {
			if r.State != nil {
				errs = append(errs, r.State.Close())
			}
		}
		return nil, errors.Join(append([]error{err}, errs...)...)
	}

	if cache != nil {
		slog.Info("packed models", "models", len(paths), "shared_weights", sharedCount(cache))
	}
	return results, nil
}

func sharedCount(cache *prepack.SharedCache) int {
	g := cache.Lock()
	defer g.Unlock()
	return g.Count()
}
