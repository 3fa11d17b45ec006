package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/models"
	"github.com/awa/go-iap/appstore"
)

// IAPClient is the part of the go-iap App Store client used for validation.
type IAPClient interface {
	Verify(ctx context.Context, req appstore.IAPRequest, result interface{}) error
}

// AppStoreValidator validates receipts with Apple's verifyReceipt endpoint.
// The library retries in the sandbox when a production call reports a
// sandbox receipt.
type AppStoreValidator struct {
	client   IAPClient
	receipts ReceiptSource
}

func NewAppStoreValidator(receipts ReceiptSource, httpClient *http.Client) *AppStoreValidator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &AppStoreValidator{
		client:   appstore.NewWithClient(httpClient),
		receipts: receipts,
	}
}

func NewAppStoreValidatorWithClient(receipts ReceiptSource, client IAPClient) *AppStoreValidator {
	return &AppStoreValidator{client: client, receipts: receipts}
}

func (v *AppStoreValidator) Verify(ctx context.Context, sharedSecret string) (*models.Receipt, error) {
	data, err := v.receipts.Receipt(ctx)
	if err != nil {
		return nil, err
	}

	req := appstore.IAPRequest{
		ReceiptData:            data,
		Password:               sharedSecret,
		ExcludeOldTransactions: false,
	}
	var resp appstore.IAPResponse
	if err := v.client.Verify(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("verify receipt: %w", err)
	}
	if err := appstore.HandleError(resp.Status); err != nil {
		return nil, fmt.Errorf("verify receipt: status %d: %w", resp.Status, err)
	}

	return receiptFromResponse(&resp)
}

func (v *AppStoreValidator) SubscriptionStatus(receipt *models.Receipt, productID string, now time.Time) models.SubscriptionStatus {
	return models.AutoRenewableStatus(receipt, productID, now)
}

// receiptFromResponse merges the receipt's in-app entries with the latest
// receipt info; the latter carries renewals newer than the receipt itself.
func receiptFromResponse(resp *appstore.IAPResponse) (*models.Receipt, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode verified receipt: %w", err)
	}

	receipt := &models.Receipt{
		Environment: string(resp.Environment),
		BundleID:    resp.Receipt.BundleID,
		Raw:         raw,
	}

	seen := make(map[string]bool)
	for _, list := range [][]appstore.InApp{resp.LatestReceiptInfo, resp.Receipt.InApp} {
		for _, in := range list {
			if in.TransactionID != "" && seen[in.TransactionID] {
				continue
			}
			seen[in.TransactionID] = true
			receipt.Entries = append(receipt.Entries, models.ReceiptEntry{
				ProductID:             in.ProductID,
				TransactionID:         in.TransactionID,
				OriginalTransactionID: in.OriginalTransactionID,
				PurchasedAt:           msTime(in.PurchaseDateMS),
				ExpiresAt:             msTimePtr(in.ExpiresDateMS),
				CancelledAt:           msTimePtr(in.CancellationDateMS),
			})
		}
	}
	return receipt, nil
}

func msTime(ms string) time.Time {
	if t := msTimePtr(ms); t != nil {
		return *t
	}
	return time.Time{}
}

func msTimePtr(ms string) *time.Time {
	if ms == "" {
		return nil
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(n).UTC()
	return &t
}
