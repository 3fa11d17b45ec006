package handlers

import (
	"context"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/database"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/tenant"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Pinger is implemented by key-value stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db       *gorm.DB
	kv       Pinger
	registry *tenant.Registry
}

// NewHealthHandler builds the health check. kv may be nil when the key-value
// store lives in the database.
func NewHealthHandler(db *gorm.DB, kv Pinger, registry *tenant.Registry) *HealthHandler {
	return &HealthHandler{db: db, kv: kv, registry: registry}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	status := "ok"
	dbStatus := "ok"
	if err := database.Ping(h.db); err != nil {
		dbStatus = "unhealthy: " + err.Error()
		status = "degraded"
	}

	storeStatus := "database"
	if h.kv != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		storeStatus = "ok"
		if err := h.kv.Ping(ctx); err != nil {
			storeStatus = "unhealthy: " + err.Error()
			status = "degraded"
		}
	}

	return c.JSON(dto.HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		DB:        dbStatus,
		Store:     storeStatus,
		AppCount:  len(h.registry.All()),
	})
}
