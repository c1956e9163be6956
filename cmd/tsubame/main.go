package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
)

func main() {
	app := &cli.App{
		Name:    "tsubame",
		Usage:   "A feed fetcher and reader with safe autodiscovery",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"TSUBAME_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Database path or DSN (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Discover and subscribe to a feed",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "interval",
						Aliases: []string{"i"},
						Usage:   "Fetch interval in minutes (10, 30, 60, 180, 360, 720, 1440)",
					},
					&cli.BoolFlag{
						Name:  "no-discover",
						Usage: "Subscribe to the URL as given",
					},
				},
				Action: withApp(addFeed),
			},
			{
				Name:      "discover",
				Usage:     "List the feeds a page advertises",
				ArgsUsage: "<url>",
				Action:    withApp(discoverFeeds),
			},
			{
				Name:   "feeds",
				Usage:  "List all feeds",
				Action: withApp(listFeeds),
			},
			{
				Name:  "fetch",
				Usage: "Fetch due feeds, or one feed immediately",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:    "feed-id",
						Aliases: []string{"f"},
						Usage:   "Fetch a specific feed now, regardless of schedule",
					},
				},
				Action: withApp(fetchFeeds),
			},
			{
				Name:      "set-interval",
				Usage:     "Change a feed's fetch interval",
				ArgsUsage: "<feed-id> <minutes>",
				Action:    withApp(setInterval),
			},
			{
				Name:      "remove",
				Usage:     "Remove a feed and its entries",
				ArgsUsage: "<feed-id>",
				Action:    withApp(removeFeed),
			},
			{
				Name:  "list",
				Usage: "List entries",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:    "feed-id",
						Aliases: []string{"f"},
						Usage:   "Only entries of this feed",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Value:   50,
						Usage:   "Maximum number of entries to return",
					},
					&cli.IntFlag{
						Name:    "offset",
						Aliases: []string{"o"},
						Value:   0,
						Usage:   "Offset for pagination",
					},
					&cli.BoolFlag{
						Name:    "unread",
						Aliases: []string{"u"},
						Usage:   "Show only unread entries",
					},
					&cli.BoolFlag{
						Name:    "pinned",
						Aliases: []string{"p"},
						Usage:   "Show only pinned entries",
					},
					&cli.StringFlag{
						Name:    "since",
						Aliases: []string{"s"},
						Usage:   "Show entries since duration (e.g., 7d, 2w, 3m, 1y)",
					},
				},
				Action: withApp(listEntries),
			},
			{
				Name:      "show",
				Usage:     "Show entry details",
				ArgsUsage: "<entry-id>",
				Action:    withApp(showEntry),
			},
			{
				Name:      "mark-read",
				Usage:     "Mark entries as read",
				ArgsUsage: "<entry-id>...",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "unread",
						Usage: "Mark as unread instead",
					},
				},
				Action: withApp(markRead),
			},
			{
				Name:  "mark-all-read",
				Usage: "Mark all entries of a feed as read",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:     "feed-id",
						Aliases:  []string{"f"},
						Usage:    "Feed whose entries are marked",
						Required: true,
					},
				},
				Action: withApp(markAllRead),
			},
			{
				Name:      "pin",
				Usage:     "Toggle the pinned flag of an entry",
				ArgsUsage: "<entry-id>",
				Action:    withApp(togglePin),
			},
			{
				Name:   "cleanup",
				Usage:  "Delete old read entries that are not pinned",
				Action: withApp(cleanup),
			},
			{
				Name:      "import",
				Usage:     "Import feeds from OPML file",
				ArgsUsage: "<opml-file>",
				Action:    withApp(importOPML),
			},
			{
				Name:  "export",
				Usage: "Export feeds to OPML file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file (default: stdout)",
					},
				},
				Action: withApp(exportOPML),
			},
			{
				Name:  "run",
				Usage: "Fetch due feeds on a timer and optionally serve the API",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "server",
						Usage: "Serve the HTTP API (overrides config)",
					},
				},
				Action: withApp(runDaemon),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
}

func outputJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// argID parses the i-th positional argument as an ID.
func argID(c *cli.Context, i int, usage string) (int64, error) {
	if c.NArg() <= i {
		return 0, cli.Exit("Usage: tsubame "+usage, ExitUsageError)
	}
	id, err := strconv.ParseInt(c.Args().Get(i), 10, 64)
	if err != nil || id <= 0 {
		return 0, cli.Exit(fmt.Sprintf("Invalid ID %q", c.Args().Get(i)), ExitUsageError)
	}
	return id, nil
}
