// Package server exposes a small HTTP control surface for a running updater.
package server

import (
	"context"
	"forest/fetcher"
	"forest/models"
	"forest/scheduler"
	"forest/updatecache"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Store is the read side of the content store
type Store interface {
	GetFeeds(ctx context.Context) ([]models.Feed, error)
	GetItems(ctx context.Context, feedId int64, limit int) ([]models.Item, error)
}

// Updater onboards feeds and reports on past cycles
type Updater interface {
	AddFeed(ctx context.Context, newFeed models.NewFeed) (*models.Feed, error)
	LastReport() *models.CycleReport
	CacheStats() updatecache.Stats
}

// Driver reports the scheduling state
type Driver interface {
	Status() scheduler.DriverStatus
}

type ServerConfig struct {
	Store   Store
	Updater Updater
	Driver  Driver
}

// Status is the body of GET /api/status
type Status struct {
	Driver    scheduler.DriverStatus `json:"driver"`
	LastCycle *models.CycleReport    `json:"lastCycle"`
	Cache     updatecache.Stats      `json:"cache"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Returns a fiber.App instance serving the control API
func Server(config *ServerConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  c.Response().StatusCode(),
			"latency": time.Since(start),
		}).Debug("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	api.Get("/feeds", func(c *fiber.Ctx) error {
		feeds, err := config.Store.GetFeeds(c.UserContext())
		if err != nil {
			log.WithError(err).Error("Error getting feeds")
			return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{"could not load feeds"})
		}
		return c.JSON(feeds)
	})

	api.Get("/feeds/:id/items", func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil || id < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{"invalid feed id"})
		}

		limit, err := strconv.Atoi(c.Query("limit", "50"))
		if err != nil || limit < 1 || limit > 500 {
			limit = 50
		}

		items, err := config.Store.GetItems(c.UserContext(), int64(id), limit)
		if err != nil {
			log.WithError(err).Error("Error getting items")
			return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{"could not load items"})
		}
		return c.JSON(items)
	})

	api.Post("/feeds", func(c *fiber.Ctx) error {
		var newFeed models.NewFeed
		if err := c.BodyParser(&newFeed); err != nil || newFeed.FeedUrl == "" {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{"feedUrl is required"})
		}

		feed, err := config.Updater.AddFeed(c.UserContext(), newFeed)
		if err != nil {
			log.WithFields(log.Fields{
				"url":   newFeed.FeedUrl,
				"error": err,
			}).Warn("Could not add feed")

			status := fiber.StatusInternalServerError
			if fetcher.IsParseError(err) || fetcher.IsStatusError(err) {
				status = fiber.StatusUnprocessableEntity
			}
			return c.Status(status).JSON(errorResponse{err.Error()})
		}

		return c.Status(fiber.StatusCreated).JSON(feed)
	})

	api.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(Status{
			Driver:    config.Driver.Status(),
			LastCycle: config.Updater.LastReport(),
			Cache:     config.Updater.CacheStats(),
		})
	})

	return app
}
