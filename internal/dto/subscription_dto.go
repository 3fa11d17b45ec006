package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductResponse struct {
	ProductID      string          `json:"product_id"`
	Title          string          `json:"localized_title"`
	LocalizedPrice string          `json:"localized_price"`
	Price          decimal.Decimal `json:"price"`
}

type ProductsResponse struct {
	Products []ProductResponse `json:"products"`
}

type PurchaseRequest struct {
	ProductID string `json:"product_id"`
}

// OutcomeResponse is the (is_valid, message) pair of purchase and restore.
type OutcomeResponse struct {
	IsValid bool   `json:"is_valid"`
	Message string `json:"message"`
}

type VerifyResponse struct {
	IsValid               bool       `json:"is_valid"`
	VerificationSucceeded bool       `json:"verification_succeeded"`
	ExpiresAt             *time.Time `json:"expires_at"`
}

type StatusResponse struct {
	Expired   bool       `json:"expired"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type ReceiptUploadRequest struct {
	ReceiptData string `json:"receipt_data"`
}
