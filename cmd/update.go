package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
)

func updateCmd() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Run a single update cycle",
		Description: `Runs one update cycle over all due feeds and prints the cycle
		report as JSON. Useful from cron or for debugging a feed.`,
		Flags: updaterFlags(),
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			eng, err := newEngine(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			report := eng.updater.RunCycle(ctx.Context)

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(ctx.App.Writer, string(out))
			return nil
		},
	}
}
