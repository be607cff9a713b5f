package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
)

func feedsCmd() *cli.Command {
	return &cli.Command{
		Name:  "feeds",
		Usage: "List subscribed feeds",
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			store, err := openStore(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			feeds, err := store.GetFeeds(ctx.Context)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(ctx.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tFREQUENCY\tERRORS\tURL")
			for _, feed := range feeds {
				frequency := "-"
				if feed.UpdateFrequency > 0 {
					frequency = (time.Duration(feed.UpdateFrequency) * time.Millisecond).String()
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", feed.Id, feed.Title, frequency, feed.ErrorCount, feed.FeedUrl)
			}
			return w.Flush()
		},
	}
}
