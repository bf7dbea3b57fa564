package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/rendis/stagecraft/internal/assembly"
	"github.com/rendis/stagecraft/internal/blueprint"
	"github.com/rendis/stagecraft/internal/creatorrpc"
	"github.com/rendis/stagecraft/internal/engine"
	"github.com/rendis/stagecraft/internal/logging"
	"github.com/rendis/stagecraft/internal/steps"
	"github.com/rendis/stagecraft/internal/store"
	"github.com/rendis/stagecraft/internal/streaming"
	"github.com/rendis/stagecraft/internal/tracing"
	"github.com/rendis/stagecraft/internal/validation"
	"github.com/rendis/stagecraft/internal/waiter"
)

// app holds the wired components of one CLI invocation.
type app struct {
	cfg       Config
	logger    *slog.Logger
	validator *validation.Validator
	registry  *steps.Registry
	waiter    *waiter.Waiter

	closers []func()
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "stagecraft",
		Version:     version,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	v, err := validation.New()
	if err != nil {
		return nil, fmt.Errorf("compile wire schemas: %w", err)
	}
	w := waiter.New(waiter.WithLogger(logger))
	reg := steps.NewRegistry()
	if err := steps.RegisterBuiltins(reg, w); err != nil {
		return nil, fmt.Errorf("register steps: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, validator: v, registry: reg, waiter: w}
	a.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(ctx, tp); err != nil {
			logger.Warn("tracing shutdown", slog.String("error", err.Error()))
		}
	})
	return a, nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close releases everything opened through the app, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// localServices returns the built-in blueprint creators.
func (a *app) localServices() []assembly.CreatorService {
	return blueprint.Creators(a.registry, a.validator)
}

// services returns the local creators plus every configured remote creator.
func (a *app) services(ctx context.Context) ([]assembly.CreatorService, error) {
	services := a.localServices()
	breakers := creatorrpc.NewBreakers(creatorrpc.DefaultBreakerConfig(), nil)
	for _, rc := range a.cfg.RemoteCreators {
		client, err := creatorrpc.Dial(rc.Addr,
			creatorrpc.WithValidator(a.validator),
			creatorrpc.WithBreakers(breakers),
			creatorrpc.WithClientLogger(a.logger))
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = client.Close() })

		if len(rc.Kinds) > 0 {
			services = append(services, client.Service(rc.Name, rc.Kinds))
			continue
		}
		remote, err := client.Services(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover creators at %s: %w", rc.Addr, err)
		}
		for _, svc := range remote {
			if rc.Name == "" || svc.Name() == rc.Name {
				services = append(services, svc)
			}
		}
	}
	return services, nil
}

// bus opens the configured bus: Redis when redis_addr is set, otherwise an
// in-process memory bus.
func (a *app) bus(ctx context.Context) (streaming.Bus, error) {
	if a.cfg.RedisAddr == "" {
		return streaming.NewMemoryBus(), nil
	}
	client, err := streaming.DialRedis(ctx, a.cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = client.Close() })
	return streaming.NewRedisBus(client, streaming.WithRedisLogger(a.logger)), nil
}

func (a *app) directBinding(services []assembly.CreatorService) *assembly.DirectBinding {
	return assembly.NewDirectBinding(services,
		assembly.WithPoolSize(a.cfg.Assembly.PoolSize),
		assembly.WithIterationTimeout(a.cfg.Assembly.IterationTimeout.Std()))
}

// coordinator wires the assembly coordinator over the configured binding.
// The event binding over a memory bus gets an in-process responder; over
// Redis the responder is expected in a `creator serve --redis` process.
func (a *app) coordinator(ctx context.Context) (*assembly.Coordinator, error) {
	services, err := a.services(ctx)
	if err != nil {
		return nil, err
	}

	var binding assembly.Binding = a.directBinding(services)
	if a.cfg.Assembly.Binding == bindingEvent {
		bus, err := a.bus(ctx)
		if err != nil {
			return nil, err
		}
		if a.cfg.RedisAddr == "" {
			stop, err := assembly.NewResponder(bus, binding, a.validator, a.logger).Start(ctx)
			if err != nil {
				return nil, err
			}
			a.onClose(stop)
		}
		binding = assembly.NewEventBinding(bus, a.validator,
			assembly.WithAwaitTimeout(a.cfg.Assembly.AwaitTimeout.Std()))
	}

	return assembly.NewCoordinator(binding,
		assembly.WithMaxDepth(a.cfg.Assembly.MaxDepth),
		assembly.WithLogger(a.logger)), nil
}

// openStore opens the configured store and runs migrations.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if a.cfg.DBPath == memoryDB {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(dirOf(a.cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(a.cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	a.onClose(func() { _ = st.Close() })
	return st, nil
}

// runtime opens the store, starts the waiter janitor and returns a runtime.
func (a *app) runtime(ctx context.Context) (*engine.Runtime, store.Store, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	janitor, err := waiter.NewJanitor(a.waiter, a.cfg.Waiter.JanitorSpec, a.cfg.Waiter.Retention.Std(), a.logger)
	if err != nil {
		return nil, nil, err
	}
	if err := janitor.Start(); err != nil {
		return nil, nil, err
	}
	a.onClose(janitor.Stop)

	rt := engine.NewRuntime(st, engine.NewDispatcher(a.registry), a.waiter, engine.WithLogger(a.logger))
	a.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(ctx); err != nil {
			a.logger.Warn("runtime shutdown", slog.String("error", err.Error()))
		}
	})
	return rt, st, nil
}
