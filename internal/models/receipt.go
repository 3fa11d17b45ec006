package models

import (
	"encoding/json"
	"time"
)

// Receipt is a verified receipt normalized across validators.
type Receipt struct {
	Environment string         `json:"environment"`
	BundleID    string         `json:"bundle_id,omitempty"`
	Entries     []ReceiptEntry `json:"entries"`

	// Raw is the validator's response as returned to us. When empty the
	// normalized receipt itself is used as the raw JSON.
	Raw json.RawMessage `json:"-"`
}

type ReceiptEntry struct {
	ProductID             string     `json:"product_id"`
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id,omitempty"`
	PurchasedAt           time.Time  `json:"purchased_at"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	CancelledAt           *time.Time `json:"cancelled_at,omitempty"`
}

// JSON returns the raw receipt JSON.
func (r *Receipt) JSON() (string, error) {
	if len(r.Raw) > 0 {
		return string(r.Raw), nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type SubscriptionState string

const (
	SubscriptionPurchased    SubscriptionState = "purchased"
	SubscriptionExpired      SubscriptionState = "expired"
	SubscriptionNotPurchased SubscriptionState = "notPurchased"
)

// SubscriptionStatus is the status of one product inside a receipt.
// ExpiresAt is zero for SubscriptionNotPurchased.
type SubscriptionStatus struct {
	State     SubscriptionState
	ExpiresAt time.Time
}

// AutoRenewableStatus evaluates an auto-renewable subscription product in a
// receipt: cancelled (refunded) entries are ignored, the latest expiry wins,
// and it is purchased only while that expiry is after now.
func AutoRenewableStatus(receipt *Receipt, productID string, now time.Time) SubscriptionStatus {
	if receipt == nil {
		return SubscriptionStatus{State: SubscriptionNotPurchased}
	}

	var latest *time.Time
	for _, e := range receipt.Entries {
		if e.ProductID != productID || e.CancelledAt != nil || e.ExpiresAt == nil {
			continue
		}
		if latest == nil || e.ExpiresAt.After(*latest) {
			latest = e.ExpiresAt
		}
	}

	switch {
	case latest == nil:
		return SubscriptionStatus{State: SubscriptionNotPurchased}
	case latest.After(now):
		return SubscriptionStatus{State: SubscriptionPurchased, ExpiresAt: *latest}
	default:
		return SubscriptionStatus{State: SubscriptionExpired, ExpiresAt: *latest}
	}
}
