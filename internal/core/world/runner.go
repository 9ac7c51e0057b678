package world

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runner drives several isolated worlds concurrently, one goroutine per
// world. Worlds share nothing but the registry, so they scale across cores
// without coordination; a typical deployment runs one world per match or
// region.
type Runner struct {
	worlds []*World
}

func NewRunner(worlds ...*World) *Runner {
	return &Runner{worlds: worlds}
}

// Add registers a world. Not safe to call after Run starts.
func (r *Runner) Add(w *World) {
	r.worlds = append(r.worlds, w)
}

// Run ticks every world on its own interval until the context ends or a
// world fails, then stops the rest and closes them all.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.worlds {
		w := w
		g.Go(func() error {
			defer w.Close()
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
