package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sweep is one periodic maintenance job. Run returns how many items it
// resolved; errors are logged and the next tick tries again.
type Sweep struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (int, error)
}

// Runner drives the configured sweeps until the context is cancelled.
type Runner struct {
	sweeps []Sweep
	lg     *zap.Logger
}

func NewRunner(lg *zap.Logger, sweeps ...Sweep) *Runner {
	return &Runner{sweeps: sweeps, lg: lg.Named("worker")}
}

// Start blocks running all sweeps concurrently. It returns once the context
// is cancelled and every sweep loop has stopped.
func (r *Runner) Start(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for _, s := range r.sweeps {
		grp.Go(func() error {
			return r.loop(ctx, s)
		})
	}
	return grp.Wait()
}

func (r *Runner) loop(ctx context.Context, s Sweep) error {
	r.lg.Info("sweep started", zap.String("sweep", s.Name), zap.Duration("every", s.Every))
	ticker := time.NewTicker(s.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.lg.Info("sweep stopped", zap.String("sweep", s.Name))
			return nil
		case <-ticker.C:
			r.tick(ctx, s)
		}
	}
}

func (r *Runner) tick(ctx context.Context, s Sweep) {
	start := time.Now()
	n, err := s.Run(ctx)
	if err != nil {
		r.lg.Error("sweep run failed",
			zap.String("sweep", s.Name),
			zap.Error(err),
		)
		return
	}
	if n > 0 {
		r.lg.Info("sweep run finished",
			zap.String("sweep", s.Name),
			zap.Int("resolved", n),
			zap.Duration("took", time.Since(start)),
		)
	}
}
