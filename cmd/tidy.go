package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Tidy up the database",
		Description: `Tidy up the database by removing items that are old.

		Remove items published before the retention window, 90 days unless
		configured otherwise. This is to keep the database size down.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "older-than",
				Usage:   "Remove items published longer ago than this",
				EnvVars: []string{"FOREST_RETENTION"},
			},
		},
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

			if err := store.Migrate(); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}

			deleted, err := store.Tidy(ctx.Context, cfg.Database.Retention.Duration)
			if err != nil {
				return err
			}

			log.WithFields(log.Fields{
				"deleted":   deleted,
				"olderThan": cfg.Database.Retention.Duration,
			}).Info("Tidied database")
			return nil
		},
	}
}
