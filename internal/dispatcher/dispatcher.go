// Package dispatcher runs the background loops of a scanner process.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop is a long-running background task that returns once ctx is done.
type Loop interface {
	Run(ctx context.Context)
}

// LoopFunc adapts a function to Loop.
type LoopFunc func(ctx context.Context)

// Run implements Loop.
func (f LoopFunc) Run(ctx context.Context) { f(ctx) }

// Dispatcher starts a set of loops and waits for all of them on shutdown.
type Dispatcher struct {
	loops []Loop
}

// New creates a Dispatcher.
func New(loops ...Loop) *Dispatcher {
	return &Dispatcher{loops: loops}
}

// Run starts all loops and blocks until the context finishes and every loop has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range d.loops {
		wg.Add(1)
		go func(loop Loop) {
			defer wg.Done()
			loop.Run(ctx)
		}(l)
	}
	<-ctx.Done()
	wg.Wait()
}

// Every runs task on a fixed interval until ctx is done. Errors are logged and the next
// tick runs normally.
func Every(interval time.Duration, name string, logger *zap.Logger, task func(ctx context.Context) error) Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(name)
	return LoopFunc(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := task(ctx); err != nil && ctx.Err() == nil {
					logger.Error("periodic task failed", zap.Error(err))
				}
			}
		}
	})
}
