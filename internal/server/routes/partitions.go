package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/budget-planner/offline-cache/internal/cache"
)

// Lifecycle 是诊断接口需要的拦截器生命周期操作。
type Lifecycle interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) ([]string, error)
	CurrentPartitions() []string
}

// RegisterPartitionRoutes 暴露 /-/partitions 诊断接口，并允许手动重跑 install/activate。
func RegisterPartitionRoutes(app *fiber.App, lifecycle Lifecycle, store cache.Store) {
	if app == nil || lifecycle == nil || store == nil {
		return
	}

	app.Get("/-/partitions", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		names, err := store.Names(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "partitions_unavailable"})
		}
		partitions, err := encodePartitions(ctx, store, names, lifecycle.CurrentPartitions())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "partitions_unavailable"})
		}
		return c.JSON(fiber.Map{
			"current":    lifecycle.CurrentPartitions(),
			"partitions": partitions,
		})
	})

	app.Get("/-/partitions/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "partition_name_required"})
		}
		keys, err := store.Keys(requestContext(c), name)
		switch {
		case errors.Is(err, cache.ErrNotFound), errors.Is(err, cache.ErrInvalidPartition):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "partition_not_found"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "partitions_unavailable"})
		}
		encoded := make([]string, 0, len(keys))
		for _, key := range keys {
			encoded = append(encoded, key.String())
		}
		return c.JSON(fiber.Map{"name": name, "keys": encoded})
	})

	app.Post("/-/install", func(c fiber.Ctx) error {
		if err := lifecycle.Install(requestContext(c)); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "install_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"status": "installed"})
	})

	app.Post("/-/activate", func(c fiber.Ctx) error {
		deleted, err := lifecycle.Activate(requestContext(c))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "activate_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"deleted": deleted})
	})
}

type partitionPayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

func encodePartitions(ctx context.Context, store cache.Store, names, current []string) ([]partitionPayload, error) {
	active := make(map[string]struct{}, len(current))
	for _, name := range current {
		active[name] = struct{}{}
	}
	result := make([]partitionPayload, 0, len(names))
	for _, name := range names {
		keys, err := store.Keys(ctx, name)
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
		_, isCurrent := active[name]
		result = append(result, partitionPayload{
			Name:    name,
			Entries: len(keys),
			Current: isCurrent,
		})
	}
	return result, nil
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
