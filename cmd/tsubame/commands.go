package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/robertmeta/tsubame/model"
	"github.com/robertmeta/tsubame/opml"
	"github.com/robertmeta/tsubame/safehttp"
	"github.com/robertmeta/tsubame/store"
	"github.com/urfave/cli/v2"
)

func addFeed(c *cli.Context, a *app) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: tsubame add <url>", ExitUsageError)
	}
	rawURL := model.NormalizeURL(c.Args().Get(0))
	interval := c.Int("interval")
	if interval != 0 && !model.ValidFetchInterval(interval) {
		return cli.Exit(fmt.Sprintf("Invalid interval %d", interval), ExitUsageError)
	}

	target := rawURL
	if !c.Bool("no-discover") {
		result, err := a.resolver.Discover(c.Context, rawURL)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to discover feed: %v", err), ExitDataError)
		}
		switch len(result.FeedURLs) {
		case 0:
			return cli.Exit("No feed found at "+rawURL, ExitDataError)
		case 1:
			target = result.FeedURLs[0]
		default:
			outputJSON(map[string]interface{}{
				"success":    false,
				"candidates": result.FeedURLs,
			})
			return cli.Exit("Several feeds found; add one of the candidates", ExitDataError)
		}
	}

	f, err := a.subscriber.Subscribe(c.Context, target, interval)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to add feed: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"feed":    f,
	})
}

func discoverFeeds(c *cli.Context, a *app) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: tsubame discover <url>", ExitUsageError)
	}
	result, err := a.resolver.Discover(c.Context, model.NormalizeURL(c.Args().Get(0)))
	if err != nil {
		code := ExitDataError
		if safehttp.IsSafetyViolation(err) {
			code = ExitUsageError
		}
		return cli.Exit(fmt.Sprintf("Discovery failed: %v", err), code)
	}
	if result.FeedURLs == nil {
		result.FeedURLs = []string{}
	}
	return outputJSON(result)
}

func listFeeds(c *cli.Context, a *app) error {
	feeds, err := a.store.ListFeeds(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get feeds: %v", err), ExitDataError)
	}
	return outputJSON(feeds)
}

func fetchFeeds(c *cli.Context, a *app) error {
	if feedID := c.Int64("feed-id"); feedID > 0 {
		result, err := a.scheduler.FetchNow(c.Context, feedID)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to fetch feed: %v", err), ExitDataError)
		}
		return outputJSON(map[string]interface{}{
			"feed_id":     feedID,
			"outcome":     result.Outcome.String(),
			"new_entries": result.NewEntries,
			"error":       result.ErrorMessage(),
		})
	}

	dispatched, err := a.scheduler.RunDueFetches(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to fetch feeds: %v", err), ExitDataError)
	}
	a.scheduler.Wait()

	feeds, err := a.store.ListFeeds(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get feeds: %v", err), ExitDataError)
	}
	failed := 0
	for _, f := range feeds {
		if f.Status == model.StatusError {
			failed++
		}
	}

	return outputJSON(map[string]interface{}{
		"fetched_feeds":  dispatched,
		"feeds_in_error": failed,
	})
}

func setInterval(c *cli.Context, a *app) error {
	id, err := argID(c, 0, "set-interval <feed-id> <minutes>")
	if err != nil {
		return err
	}
	minutes, err := strconv.Atoi(c.Args().Get(1))
	if err != nil || !model.ValidFetchInterval(minutes) {
		return cli.Exit(fmt.Sprintf("Invalid interval %q", c.Args().Get(1)), ExitUsageError)
	}

	f, err := a.store.UpdateFetchInterval(c.Context, id, minutes, time.Now())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to update feed: %v", err), ExitDataError)
	}
	return outputJSON(f)
}

func removeFeed(c *cli.Context, a *app) error {
	feedID, err := argID(c, 0, "remove <feed-id>")
	if err != nil {
		return err
	}
	if err := a.store.DeleteFeed(c.Context, feedID); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to delete feed: %v", err), ExitDataError)
	}
	return outputJSON(map[string]interface{}{
		"success": true,
		"feed_id": feedID,
	})
}

func listEntries(c *cli.Context, a *app) error {
	opts, err := store.BuildQueryOptions(
		c.Int64("feed-id"),
		c.Int("limit"),
		c.Int("offset"),
		c.Bool("unread"),
		c.Bool("pinned"),
		c.String("since"),
	)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid query options: %v", err), ExitUsageError)
	}

	entries, err := a.store.ListEntries(c.Context, opts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get entries: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"count":   len(entries),
		"limit":   opts.Limit,
		"offset":  opts.Offset,
		"entries": entries,
	})
}

func showEntry(c *cli.Context, a *app) error {
	id, err := argID(c, 0, "show <entry-id>")
	if err != nil {
		return err
	}
	entry, err := a.store.GetEntry(c.Context, id)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get entry: %v", err), ExitDataError)
	}
	return outputJSON(entry)
}

func markRead(c *cli.Context, a *app) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: tsubame mark-read <entry-id>...", ExitUsageError)
	}

	read := !c.Bool("unread")
	now := time.Now()
	marked := 0
	var failures []string
	for _, arg := range c.Args().Slice() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: invalid ID", arg))
			continue
		}
		if err := a.store.MarkEntryRead(c.Context, id, read, now); err != nil {
			failures = append(failures, fmt.Sprintf("%d: %v", id, err))
			continue
		}
		marked++
	}

	return outputJSON(map[string]interface{}{
		"marked": marked,
		"read":   read,
		"errors": failures,
	})
}

func markAllRead(c *cli.Context, a *app) error {
	feedID := c.Int64("feed-id")
	if _, err := a.store.GetFeed(c.Context, feedID); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get feed: %v", err), ExitDataError)
	}
	n, err := a.store.MarkFeedRead(c.Context, feedID, time.Now())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to mark entries: %v", err), ExitDataError)
	}
	return outputJSON(map[string]interface{}{
		"success":      true,
		"marked_count": n,
	})
}

func togglePin(c *cli.Context, a *app) error {
	id, err := argID(c, 0, "pin <entry-id>")
	if err != nil {
		return err
	}
	pinned, err := a.store.TogglePin(c.Context, id)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to toggle pin: %v", err), ExitDataError)
	}
	return outputJSON(map[string]interface{}{
		"entry_id": id,
		"pinned":   pinned,
	})
}

func cleanup(c *cli.Context, a *app) error {
	n, err := a.store.PurgeReadEntries(c.Context, a.cfg.RetentionCutoff(time.Now()))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to clean up: %v", err), ExitDataError)
	}
	return outputJSON(map[string]interface{}{
		"deleted_entries": n,
	})
}

func importOPML(c *cli.Context, a *app) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: tsubame import <opml-file>", ExitUsageError)
	}

	file, err := os.Open(c.Args().Get(0))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open OPML file: %v", err), ExitDataError)
	}
	defer file.Close()

	result, err := opml.Import(c.Context, file, a.subscriber, a.store)
	if errors.Is(err, opml.ErrInvalidOPML) {
		return cli.Exit(fmt.Sprintf("Failed to parse OPML: %v", err), ExitDataError)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("Import interrupted: %v", err), ExitGeneralError)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"added":   result.Added,
		"skipped": result.Skipped,
	})
}

func exportOPML(c *cli.Context, a *app) error {
	feeds, err := a.store.ListFeeds(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get feeds: %v", err), ExitDataError)
	}

	outputPath := c.String("output")
	var writer io.Writer = os.Stdout
	if outputPath != "" {
		file, err := os.Create(outputPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to create output file: %v", err), ExitDataError)
		}
		defer file.Close()
		writer = file
	}

	if err := opml.Generate(writer, feeds); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate OPML: %v", err), ExitDataError)
	}

	// If outputting to file, also return JSON status
	if outputPath != "" {
		return outputJSON(map[string]interface{}{
			"success": true,
			"file":    outputPath,
			"count":   len(feeds),
		})
	}
	return nil
}
