package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/robertmeta/tsubame/server"
	"github.com/urfave/cli/v2"
)

const cleanupEvery = 24 * time.Hour

// runDaemon drives the due-fetch scheduler until SIGINT or SIGTERM.
func runDaemon(c *cli.Context, a *app) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverDone := make(chan error, 1)
	if a.cfg.Server.Enabled || c.Bool("server") {
		addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
		handler := server.NewHandler(server.Deps{
			Store:      a.store,
			Subscriber: a.subscriber,
			Discoverer: a.resolver,
			Fetcher:    a.scheduler,
		}, log.Logger, a.cfg.Server.APIKey)

		go func() {
			serverDone <- server.Run(ctx, addr, handler, log.Logger)
		}()
	} else {
		close(serverDone)
	}

	log.Info().
		Dur("interval", a.cfg.Scheduler.Interval).
		Int("workers", a.cfg.Scheduler.Workers).
		Msg("Scheduler started")

	ticker := time.NewTicker(a.cfg.Scheduler.Interval)
	defer ticker.Stop()

	a.tick(ctx)
	lastCleanup := time.Time{}

	for {
		if time.Since(lastCleanup) >= cleanupEvery {
			a.cleanup(ctx)
			lastCleanup = time.Now()
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Shutdown signal received, waiting for fetches")
			a.scheduler.Wait()
			if serverDone == nil {
				return nil
			}
			if err := <-serverDone; err != nil {
				return cli.Exit(fmt.Sprintf("API server failed: %v", err), ExitGeneralError)
			}
			return nil
		case err := <-serverDone:
			if err != nil {
				stop()
				a.scheduler.Wait()
				return cli.Exit(fmt.Sprintf("API server failed: %v", err), ExitGeneralError)
			}
			serverDone = nil
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *app) tick(ctx context.Context) {
	if _, err := a.scheduler.RunDueFetches(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to dispatch due fetches")
	}
}

func (a *app) cleanup(ctx context.Context) {
	n, err := a.store.PurgeReadEntries(ctx, a.cfg.RetentionCutoff(time.Now()))
	if err != nil {
		log.Error().Err(err).Msg("Failed to purge read entries")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("Purged old read entries")
	}
}
