package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/logging"
)

// StatusSource 提供 worker 状态快照，由 lifecycle.Worker 实现。
type StatusSource interface {
	Status(ctx context.Context) (lifecycle.Status, error)
}

// Updater 重新执行 install → activate，由 lifecycle.Host 实现。
type Updater interface {
	Update(ctx context.Context) error
	Version() string
}

// RegisterGenerationRoutes 暴露 /-/generations 诊断接口与 /-/update 触发接口。
func RegisterGenerationRoutes(app *fiber.App, status StatusSource, updater Updater, logger *logrus.Logger) {
	if app == nil || status == nil {
		return
	}
	logger = logging.OrDiscard(logger)

	app.Get("/-/generations", func(c fiber.Ctx) error {
		snapshot, err := status.Status(c.Context())
		if err != nil {
			logger.WithError(err).WithField("action", "diagnostics").Warn("generations_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable"})
		}
		return c.JSON(snapshot)
	})

	if updater == nil {
		return
	}
	app.Post("/-/update", func(c fiber.Ctx) error {
		version := updater.Version()
		if err := updater.Update(c.Context()); err != nil {
			logger.WithError(err).WithFields(logging.GenerationFields("update", version)).Warn("update_failed")
			code := "update_failed"
			if errors.Is(err, lifecycle.ErrInstallFailed) {
				code = "install_failed"
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":      code,
				"generation": version,
			})
		}
		snapshot, err := status.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable"})
		}
		return c.JSON(snapshot)
	})
}
