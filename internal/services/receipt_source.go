package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/store"
)

const appStoreReceiptKey = "appStoreReceipt"

var ErrNoReceipt = errors.New("no app store receipt uploaded")

// ReceiptSource supplies the base64 encoded local receipt to validate.
type ReceiptSource interface {
	Receipt(ctx context.Context) (string, error)
}

// StoredReceipts keeps the receipt uploaded by the client in the key-value store.
type StoredReceipts struct {
	kv store.Store
}

func NewStoredReceipts(kv store.Store) *StoredReceipts {
	return &StoredReceipts{kv: kv}
}

func (s *StoredReceipts) Receipt(ctx context.Context) (string, error) {
	val, err := s.kv.Get(ctx, appStoreReceiptKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoReceipt
	}
	if err != nil {
		return "", fmt.Errorf("load app store receipt: %w", err)
	}
	return val, nil
}

// Save stores a receipt after checking that it is base64.
func (s *StoredReceipts) Save(ctx context.Context, receiptData string) error {
	receiptData = strings.TrimSpace(receiptData)
	if receiptData == "" {
		return ErrNoReceipt
	}
	if _, err := base64.StdEncoding.DecodeString(receiptData); err != nil {
		return fmt.Errorf("receipt data is not base64: %w", err)
	}
	return s.kv.Set(ctx, appStoreReceiptKey, receiptData)
}
