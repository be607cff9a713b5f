package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "forest",
		Usage: "A feed reader backend that keeps subscribed feeds up to date",
		Description: `Forest polls subscribed RSS and Atom feeds on a fixed cadence and
		stores new items in an SQLite or PostgreSQL database.

		Feeds are polled according to how often they publish. A per-feed
		update frequency is learned from item timestamps and kept in an
		update cache on disk together with recently seen item links.

		Flags can generally be set via environment variables, e.g.:

		--database => FOREST_DATABASE=forest.db
		--interval => FOREST_INTERVAL=10m
		`,
		Flags: globalFlags(),
		Before: func(ctx *cli.Context) error {
			level, err := log.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			updateCmd(),
			addCmd(),
			feedsCmd(),
			migrateCmd(),
			rollbackCmd(),
			tidyCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}
