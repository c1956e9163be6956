package main

import (
	"fmt"
	"io"

	"github.com/robertmeta/tsubame/config"
	"github.com/robertmeta/tsubame/discover"
	"github.com/robertmeta/tsubame/logging"
	"github.com/robertmeta/tsubame/refresh"
	"github.com/robertmeta/tsubame/safehttp"
	"github.com/robertmeta/tsubame/store"
	"github.com/urfave/cli/v2"
)

// app holds the components every command is built from.
type app struct {
	cfg        *config.Config
	store      *store.Store
	client     *safehttp.Client
	subscriber *refresh.Subscriber
	scheduler  *refresh.Scheduler
	resolver   *discover.Resolver
	logCloser  io.Closer
}

// newApp loads configuration, installs the logger and opens the store.
func newApp(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(err.Error(), ExitUsageError)
	}
	if c.IsSet("db") {
		cfg.Database.DSN = c.String("db")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}

	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, cli.Exit(err.Error(), ExitUsageError)
	}

	s, err := store.Open(c.Context, cfg.Database)
	if err != nil {
		logCloser.Close()
		return nil, cli.Exit(fmt.Sprintf("Failed to open database: %v", err), ExitDataError)
	}

	policy, err := cfg.Policy()
	if err != nil {
		s.Close()
		logCloser.Close()
		return nil, cli.Exit(err.Error(), ExitUsageError)
	}
	guard := safehttp.NewGuard(policy, nil)
	client := safehttp.NewClient(guard, cfg.ClientOptions())

	orch := refresh.NewOrchestrator(client, s, s, refresh.Options{
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		ErrorBackoff: cfg.Fetch.ErrorBackoff,
	})

	return &app{
		cfg:        cfg,
		store:      s,
		client:     client,
		subscriber: refresh.NewSubscriber(guard, s, nil),
		scheduler: refresh.NewScheduler(s, orch, refresh.SchedulerOptions{
			Workers:      cfg.Scheduler.Workers,
			DispatchRate: cfg.Scheduler.DispatchRate,
		}),
		resolver:  discover.NewResolver(client, cfg.DiscoverOptions()),
		logCloser: logCloser,
	}, nil
}

// Close waits for background fetches and releases the store and log file.
func (a *app) Close() {
	a.scheduler.Wait()
	a.store.Close()
	a.logCloser.Close()
}

// withApp adapts a command that needs the wired components.
func withApp(fn func(*cli.Context, *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := newApp(c)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(c, a)
	}
}
