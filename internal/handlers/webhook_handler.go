package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/services"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/storekit"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/tenant"
	"github.com/gofiber/fiber/v2"
)

// Store events that revoke a transaction before re-verifying.
var revokingEvents = map[string]bool{
	"REFUND": true,
	"REVOKE": true,
}

type WebhookHandler struct {
	pool          *services.ManagerPool
	registry      *tenant.Registry
	verifyTimeout time.Duration
}

func NewWebhookHandler(pool *services.ManagerPool, registry *tenant.Registry, verifyTimeout time.Duration) *WebhookHandler {
	return &WebhookHandler{
		pool:          pool,
		registry:      registry,
		verifyTimeout: verifyTimeout,
	}
}

// HandleStoreEvent routes webhooks by :app_id path param with per-app auth and
// re-verifies the receipt of the event's user.
func (h *WebhookHandler) HandleStoreEvent(c *fiber.Ctx) error {
	appID := c.Params("app_id")
	if appID == "" || !h.registry.Exists(appID) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
			Error: true, Message: "Unknown app",
		})
	}

	expectedAuth := h.registry.GetWebhookAuth(appID)
	if expectedAuth == "" {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
			Error: true, Message: "Webhooks not configured for this app",
		})
	}

	authHeader := c.Get("Authorization")
	if subtle.ConstantTimeCompare([]byte(authHeader), []byte(expectedAuth)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
			Error: true, Message: "Unauthorized",
		})
	}

	var webhook dto.StoreWebhook
	if err := c.BodyParser(&webhook); err != nil || webhook.Event.AppUserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "Invalid webhook payload",
		})
	}
	event := webhook.Event

	ctx, cancel := context.WithTimeout(c.UserContext(), h.verifyTimeout)
	defer cancel()

	var result services.Verification
	var err error
	if revokingEvents[event.Type] && event.TransactionID != "" {
		result, err = h.pool.Revoke(ctx, appID, event.AppUserID, event.TransactionID)
		if errors.Is(err, storekit.ErrTransactionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: true, Message: "Unknown transaction",
			})
		}
	} else {
		var m *services.SubscriptionManager
		if m, err = h.pool.Get(ctx, appID, event.AppUserID); err == nil {
			result = m.VerifyReceipt(ctx)
		}
	}
	if err != nil {
		slog.Error("webhook processing failed", "app_id", appID, "user_id", event.AppUserID, "event_type", event.Type, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: true, Message: "Failed to process webhook event",
		})
	}

	slog.Info("webhook processed", "app_id", appID, "user_id", event.AppUserID, "event_type", event.Type, "active", result.Valid)
	return c.JSON(dto.WebhookResponse{Received: true, Result: verifyResponse(result)})
}
