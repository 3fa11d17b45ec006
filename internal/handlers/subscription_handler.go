package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/models"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/services"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/tenant"
	"github.com/gofiber/fiber/v2"
)

type SubscriptionHandler struct {
	pool          *services.ManagerPool
	verifyTimeout time.Duration
}

func NewSubscriptionHandler(pool *services.ManagerPool, verifyTimeout time.Duration) *SubscriptionHandler {
	return &SubscriptionHandler{pool: pool, verifyTimeout: verifyTimeout}
}

// manager resolves the caller's manager. The returned context carries the
// verification timeout and must be cancelled.
func (h *SubscriptionHandler) manager(c *fiber.Ctx) (*services.SubscriptionManager, context.Context, context.CancelFunc, error) {
	userID, err := tenant.GetUserID(c)
	if err != nil {
		return nil, nil, nil, c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
			Error: true, Message: "Unauthorized",
		})
	}
	appID := tenant.GetAppID(c)

	ctx, cancel := context.WithTimeout(c.UserContext(), h.verifyTimeout)
	m, err := h.pool.Get(ctx, appID, userID)
	if err != nil {
		cancel()
		if errors.Is(err, services.ErrUnknownApp) {
			return nil, nil, nil, c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: true, Message: "Unknown app",
			})
		}
		return nil, nil, nil, err
	}
	return m, ctx, cancel, nil
}

func (h *SubscriptionHandler) Products(c *fiber.Ctx) error {
	m, ctx, cancel, err := h.manager(c)
	if m == nil {
		return err
	}
	defer cancel()

	products, err := m.FetchAvailableProducts(ctx)
	if err != nil {
		slog.Warn("product fetch failed", "app_id", tenant.GetAppID(c), "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(dto.ErrorResponse{
			Error: true, Message: "Products are unavailable",
		})
	}

	resp := dto.ProductsResponse{Products: make([]dto.ProductResponse, 0, len(products))}
	for _, p := range products {
		resp.Products = append(resp.Products, productResponse(p))
	}
	return c.JSON(resp)
}

// CachedProduct serves a product from the durable product cache without
// contacting the store.
func (h *SubscriptionHandler) CachedProduct(c *fiber.Ctx) error {
	m, ctx, cancel, err := h.manager(c)
	if m == nil {
		return err
	}
	defer cancel()

	p, ok := m.CachedProduct(ctx, c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
			Error: true, Message: "Product not cached",
		})
	}
	return c.JSON(productResponse(p))
}

func (h *SubscriptionHandler) Purchase(c *fiber.Ctx) error {
	var req dto.PurchaseRequest
	if err := c.BodyParser(&req); err != nil || req.ProductID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "product_id is required",
		})
	}

	m, ctx, cancel, err := h.manager(c)
	if m == nil {
		return err
	}
	defer cancel()

	outcome := m.Purchase(ctx, req.ProductID)
	return c.JSON(dto.OutcomeResponse{IsValid: outcome.Valid, Message: outcome.Message})
}

func (h *SubscriptionHandler) Restore(c *fiber.Ctx) error {
	m, ctx, cancel, err := h.manager(c)
	if m == nil {
		return err
	}
	defer cancel()

	outcome := m.RestorePurchases(ctx)
	return c.JSON(dto.OutcomeResponse{IsValid: outcome.Valid, Message: outcome.Message})
}

func (h *SubscriptionHandler) Verify(c *fiber.Ctx) error {
	m, ctx, cancel, err := h.manager(c)
	if m == nil {
		return err
	}
	defer cancel()

	return c.JSON(verifyResponse(m.VerifyReceipt(ctx)))
}

func (h *SubscriptionHandler) Status(c *fiber.Ctx) error {
	m, ctx, cancel, err := h.manager(c)
	if m == nil {
		return err
	}
	defer cancel()

	return c.JSON(dto.StatusResponse{
		Expired:   m.IsSubscriptionExpired(ctx),
		ExpiresAt: m.ExpiresAt(ctx),
	})
}

func (h *SubscriptionHandler) Receipt(c *fiber.Ctx) error {
	m, ctx, cancel, err := h.manager(c)
	if m == nil {
		return err
	}
	defer cancel()

	raw, ok := m.LastRawReceiptJSON(ctx)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
			Error: true, Message: "No verified receipt",
		})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.SendString(raw)
}

// UploadReceipt stores the App Store receipt the client read from the device.
func (h *SubscriptionHandler) UploadReceipt(c *fiber.Ctx) error {
	var req dto.ReceiptUploadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "Invalid request body",
		})
	}

	userID, err := tenant.GetUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
			Error: true, Message: "Unauthorized",
		})
	}
	if err := h.pool.Receipts(tenant.GetAppID(c), userID).Save(c.UserContext(), req.ReceiptData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "receipt_data must be a base64 encoded receipt",
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func productResponse(p models.Product) dto.ProductResponse {
	return dto.ProductResponse{
		ProductID:      p.ID,
		Title:          p.Title,
		LocalizedPrice: p.LocalizedPrice,
		Price:          p.Price,
	}
}

func verifyResponse(v services.Verification) dto.VerifyResponse {
	return dto.VerifyResponse{
		IsValid:               v.Valid,
		VerificationSucceeded: v.Succeeded,
		ExpiresAt:             v.ExpiresAt,
	}
}
