package controllers

import (
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics/counter"
	"github.com/gofiber/fiber/v2"
)

// HandleBillingStats returns the Redis-backed billing counters. Best-effort
// operational numbers, not an accounting source.
func HandleBillingStats(c *fiber.Ctx) error {
	snapshot, err := counter.Snapshot()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(snapshot)
}
