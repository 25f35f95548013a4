package server

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"CandleFlow/internal/domain/repository"
	"CandleFlow/internal/handler/api"
	"CandleFlow/internal/usecase"
	xhttp "CandleFlow/pkg/http"
	applogger "CandleFlow/pkg/logger"
)

// Components groups everything the App drives. Built by internal/di.
type Components struct {
	Aggregator *usecase.Aggregator
	Runners    []repository.Runner
	Forwarders []*usecase.Forwarder
	Stream     *api.StreamHandler
	HTTP       *xhttp.Server
}

// App encapsulates the entire application lifecycle.
type App struct {
	log             *applogger.Logger
	c               Components
	shutdownTimeout time.Duration
	cleanup         func()

	cancelRunners context.CancelFunc
	runners       sync.WaitGroup
	forwarders    []*usecase.Forwarder
	subs          []usecase.Subscription
}

// New creates an App. cleanup releases infrastructure clients and runs
// last during shutdown; it may be nil.
func New(log *applogger.Logger, c Components, shutdownTimeout time.Duration, cleanup func()) *App {
	if log == nil {
		log = applogger.Nop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	return &App{log: log, c: c, shutdownTimeout: shutdownTimeout, cleanup: cleanup}
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}
	<-ctx.Done()
	a.log.Info("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	return a.Shutdown(sctx)
}

// Start bootstraps the aggregator, connects the sinks and sources and
// starts serving HTTP. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	// sinks keep draining after ctx is cancelled
	sinkCtx := context.WithoutCancel(ctx)
	for _, f := range a.c.Forwarders {
		f.Start(sinkCtx)
		a.forwarders = append(a.forwarders, f)
		sub, err := a.c.Aggregator.SubscribeAll(f.Handle)
		if err != nil {
			return fmt.Errorf("subscribe forwarder: %w", err)
		}
		a.subs = append(a.subs, sub)
	}

	if err := a.c.Aggregator.Start(ctx); err != nil {
		return fmt.Errorf("start aggregator: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancelRunners = cancel
	for _, r := range a.c.Runners {
		a.runners.Add(1)
		go func(r repository.Runner) {
			defer a.runners.Done()
			if err := r.Run(runCtx); err != nil {
				a.log.Error("source stopped", applogger.Error(err))
			}
		}(r)
	}
	a.log.Info("sources started", applogger.Int("runners", len(a.c.Runners)))

	if a.c.HTTP != nil {
		if err := a.c.HTTP.Start(); err != nil {
			return fmt.Errorf("start http: %w", err)
		}
	}
	return nil
}

// Shutdown stops intake first, then drains the engine and the sinks.
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down")
	var errs []error

	if a.c.HTTP != nil {
		if err := a.c.HTTP.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.c.Stream != nil {
		a.c.Stream.Close()
	}

	if a.cancelRunners != nil {
		a.cancelRunners()
		if err := waitForWg(ctx, &a.runners); err != nil {
			a.log.Warn("sources did not stop in time", applogger.Error(err))
			errs = append(errs, err)
		}
	}

	if a.c.Aggregator != nil {
		if err := a.c.Aggregator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("aggregator: %w", err))
		}
	}
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	for _, f := range a.forwarders {
		if err := f.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if a.cleanup != nil {
		a.cleanup()
	}
	err := errors.Join(errs...)
	if err != nil {
		a.log.Error("shutdown finished with errors", applogger.Error(err))
		return err
	}
	a.log.Info("shutdown complete")
	return nil
}

func waitForWg(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
