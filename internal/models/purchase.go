package models

import "time"

type TransactionState string

const (
	TransactionPurchased TransactionState = "purchased"
	TransactionRestored  TransactionState = "restored"
	TransactionFailed    TransactionState = "failed"
)

// Transaction identifies one store transaction that may still need to be
// acknowledged (finished) with the gateway.
type Transaction struct {
	ID        string           `json:"transaction_id"`
	ProductID string           `json:"product_id"`
	State     TransactionState `json:"state"`
	Date      time.Time        `json:"date"`
}

// Purchase is a gateway result for a bought, restored or pending transaction.
type Purchase struct {
	ProductID           string      `json:"product_id"`
	Quantity            int         `json:"quantity"`
	Transaction         Transaction `json:"transaction"`
	NeedsAcknowledgment bool        `json:"needs_acknowledgment"`
}

// RestoreResults splits a restore batch into restored and failed purchases.
type RestoreResults struct {
	Restored []Purchase
	Failed   []Purchase
}

type PurchaseErrorCategory string

const (
	PurchaseErrorUnknown             PurchaseErrorCategory = "unknown"
	PurchaseErrorClientInvalid       PurchaseErrorCategory = "clientInvalid"
	PurchaseErrorPaymentCancelled    PurchaseErrorCategory = "paymentCancelled"
	PurchaseErrorPaymentInvalid      PurchaseErrorCategory = "paymentInvalid"
	PurchaseErrorPaymentNotAllowed   PurchaseErrorCategory = "paymentNotAllowed"
	PurchaseErrorProductNotAvailable PurchaseErrorCategory = "productNotAvailable"
	PurchaseErrorOther               PurchaseErrorCategory = "other"
)

// PurchaseError is returned by a gateway when a purchase is rejected.
type PurchaseError struct {
	Category    PurchaseErrorCategory
	Description string
}

func (e *PurchaseError) Error() string {
	if e.Description != "" {
		return e.Description
	}
	return "purchase failed: " + string(e.Category)
}

// ParsePurchaseErrorCategory maps a category name to a known category. Unknown
// names map to PurchaseErrorOther.
func ParsePurchaseErrorCategory(name string) PurchaseErrorCategory {
	switch c := PurchaseErrorCategory(name); c {
	case PurchaseErrorUnknown, PurchaseErrorClientInvalid, PurchaseErrorPaymentCancelled,
		PurchaseErrorPaymentInvalid, PurchaseErrorPaymentNotAllowed, PurchaseErrorProductNotAvailable:
		return c
	default:
		return PurchaseErrorOther
	}
}
