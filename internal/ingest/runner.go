package ingest

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Feed is a measurement source that runs until its context is done.
type Feed interface {
	Name() string
	Run(ctx context.Context) error
}

// Run starts every feed and waits for all of them. The first feed to fail
// cancels the others.
func Run(ctx context.Context, logger *zap.Logger, feeds ...Feed) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range feeds {
		f := f
		g.Go(func() error {
			err := f.Run(ctx)
			if err != nil {
				logger.Error("feed stopped", zap.String("feed", f.Name()), zap.Error(err))
			}
			return err
		})
	}
	return g.Wait()
}
