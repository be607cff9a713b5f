package cmd

import (
	"context"
	"forest/config"
	"forest/models"
	"forest/scheduler"
	"forest/server"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// How often old items are removed while serving
const tidyInterval = 24 * time.Hour

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the forest update engine",
		Description: `Starts the update driver and the HTTP control API.

		The first update cycle runs right away. Following cycles run on a
		fixed cadence given by --interval. Feeds listed in the config file
		are added on startup if they are not subscribed yet.`,
		Flags: append(updaterFlags(),
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "Time between update cycles",
				EnvVars: []string{"FOREST_INTERVAL"},
			},
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Address for the HTTP control API",
				EnvVars: []string{"FOREST_ADDR"},
			},
		),
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			log.Info("Starting forest...")

			eng, err := newEngine(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			seedFeeds(ctx.Context, eng, cfg.Feeds)

			driver := scheduler.NewDriver(func(cycleCtx context.Context) {
				eng.updater.RunCycle(cycleCtx)
			}, scheduler.DriverConfig{
				Interval:           cfg.Updater.Interval.Duration,
				SleepGapThreshold:  cfg.Updater.SleepGapThreshold.Duration,
				ClockJumpThreshold: cfg.Updater.ClockJumpThreshold.Duration,
			})

			app := server.Server(&server.ServerConfig{
				Store:   eng.store,
				Updater: eng.updater,
				Driver:  driver,
			})

			// Graceful shutdown
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(c)

			tidyCtx, cancelTidy := context.WithCancel(ctx.Context)
			defer cancelTidy()
			go eng.store.TidyEvery(tidyCtx, tidyInterval, cfg.Database.Retention.Duration)

			go func() {
				log.WithField("addr", cfg.Server.Addr).Info("Starting server...")
				if err := app.Listen(cfg.Server.Addr); err != nil {
					log.WithError(err).Error("Server stopped")
				}
			}()

			// Cycles are not cancelled on shutdown, Stop only prevents new ones
			if err := driver.Start(context.WithoutCancel(ctx.Context)); err != nil {
				return err
			}

			<-c
			log.Info("Gracefully shutting down...")

			driver.Stop()
			cancelTidy()
			if err := app.ShutdownWithTimeout(60 * time.Second); err != nil {
				log.WithError(err).Error("Error shutting down server")
			}

			<-driver.Done()
			log.Info("Done!")
			return nil
		},
	}
}

// seedFeeds adds feeds from the config file that are not subscribed yet
func seedFeeds(ctx context.Context, e *engine, feeds []config.TomlFeed) {
	for _, feed := range feeds {
		existing, err := e.store.GetFeedByURL(ctx, feed.Url)
		if err != nil {
			log.WithError(err).WithField("url", feed.Url).Error("Could not look up configured feed")
			continue
		}
		if existing != nil {
			continue
		}

		if _, err := e.updater.AddFeed(ctx, models.NewFeed{
			FeedUrl:    feed.Url,
			CategoryId: feed.CategoryId,
		}); err != nil {
			log.WithError(err).WithField("url", feed.Url).Warn("Could not add configured feed")
		}
	}
}
