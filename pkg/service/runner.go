package service

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ExecuteAll runs the named tasks, or every registered task when none are
// named, concurrently up to the worker limit. Distinct tasks share no state
// beyond the read-only change log, so one task's failure never stops another.
func (p *Pipeline) ExecuteAll(ctx context.Context, names ...string) ([]Result, error) {
	if len(names) == 0 {
		names = p.registry.Names()
	}
	for _, name := range names {
		if _, ok := p.registry.Get(name); !ok {
			return nil, errors.Wrapf(ErrTaskNotFound, "task '%s'", name)
		}
	}

	results := make([]Result, len(names))
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	var g errgroup.Group
	g.SetLimit(p.cfg.workers)
	for i, name := range names {
		g.Go(func() error {
			res, err := p.Run(ctx, name)
			results[i] = res
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errs.ErrorOrNil()
}
