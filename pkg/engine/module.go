package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/elee1766/gostrata/pkg/config"
	"github.com/elee1766/gostrata/pkg/dm"
	"github.com/elee1766/gostrata/pkg/metadata"
	"go.uber.org/fx"
)

var Module = fx.Module("engine",
	fx.Provide(
		metadata.NewStore,
		func(logger *slog.Logger) dm.DM { return dm.NewDmsetup(logger) },
		func(logger *slog.Logger) dm.Crypt { return dm.NewCryptsetup(logger) },
		New,
	),
	fx.Invoke(run),
)

// run recovers existing pools on startup and drives the low-water polling
// loop for the daemon's lifetime.
func run(lc fx.Lifecycle, e *Engine, cfg *config.Config, logger *slog.Logger) {
	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := e.Recover(ctx); err != nil {
				return err
			}
			go poll(pollCtx, e, cfg.PollInterval, done)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-done
			e.Stop()
			return nil
		},
	})
}

func poll(ctx context.Context, e *Engine, interval time.Duration, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckCapacity(ctx)
		}
	}
}
