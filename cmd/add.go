package cmd

import (
	"fmt"
	"forest/models"
	"strings"

	"github.com/cqroot/prompt"
	"github.com/urfave/cli/v2"
)

func addCmd() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Subscribe to a feed",
		ArgsUsage: "[feed url]",
		Description: `Fetches the feed once, stores it with its current items and
		makes it part of following update cycles.

		Prompts for the feed url when none is given.`,
		Flags: append(updaterFlags(),
			&cli.Int64Flag{
				Name:  "category",
				Usage: "Category id of the new feed",
			},
		),
		Action: func(ctx *cli.Context) error {
			feedUrl := ctx.Args().First()
			if feedUrl == "" {
				var err error
				feedUrl, err = prompt.New().Ask("Feed URL:").Input("https://")
				if err != nil {
					return err
				}
			}
			feedUrl = strings.TrimSpace(feedUrl)

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			eng, err := newEngine(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			feed, err := eng.updater.AddFeed(ctx.Context, models.NewFeed{
				FeedUrl:    feedUrl,
				CategoryId: ctx.Int64("category"),
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(ctx.App.Writer, "Added feed %d: %s (%s)\n", feed.Id, feed.Title, feed.FeedUrl)
			return nil
		},
	}
}
