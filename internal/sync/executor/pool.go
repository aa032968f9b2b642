package executor

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Hooks observe a pool run. Any of them may be nil.
type Hooks[T any] struct {
	// Stop is checked before each claim; true ends the worker
	Stop func() bool
	// Start runs on the worker right before task
	Start func(T)
	// Done receives the task result
	Done func(T, error)
}

// RunPool runs task over items with exactly max(1, limit) workers sharing a
// cursor. Task errors are passed to Done and never stop the other workers.
func RunPool[T any](ctx context.Context, items []T, limit int, hooks Hooks[T], task func(context.Context, T) error) {
	if len(items) == 0 {
		return
	}
	if limit < 1 {
		limit = 1
	}

	var cursor atomic.Int64
	var g errgroup.Group
	for w := 0; w < limit; w++ {
		g.Go(func() error {
			for {
				if hooks.Stop != nil && hooks.Stop() {
					return nil
				}
				i := int(cursor.Add(1) - 1)
				if i >= len(items) {
					return nil
				}
				if hooks.Start != nil {
					hooks.Start(items[i])
				}
				err := task(ctx, items[i])
				if hooks.Done != nil {
					hooks.Done(items[i], err)
				}
			}
		})
	}
	_ = g.Wait()
}
