package storekit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const Environment = "Local"

var (
	ErrInvalidSecret       = errors.New("storekit: shared secret does not match")
	ErrTransactionNotFound = errors.New("storekit: transaction not found")
)

type Config struct {
	AppID        string
	UserID       string
	SharedSecret string
	Catalog      []CatalogProduct
	Now          func() time.Time
}

// Store is a local StoreKit-style store for one user of one app. It acts both
// as purchase gateway and receipt validator, keeping every transaction in the
// store_transactions table.
type Store struct {
	db      *gorm.DB
	appID   string
	userID  string
	secret  string
	catalog map[string]CatalogProduct
	periods map[string]time.Duration
	order   []string
	now     func() time.Time
}

func New(db *gorm.DB, cfg Config) (*Store, error) {
	s := &Store{
		db:      db,
		appID:   cfg.AppID,
		userID:  cfg.UserID,
		secret:  cfg.SharedSecret,
		catalog: make(map[string]CatalogProduct, len(cfg.Catalog)),
		periods: make(map[string]time.Duration, len(cfg.Catalog)),
		now:     cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, p := range cfg.Catalog {
		d, err := p.period()
		if err != nil {
			return nil, err
		}
		if _, dup := s.catalog[p.ID]; !dup {
			s.order = append(s.order, p.ID)
		}
		s.catalog[p.ID] = p
		s.periods[p.ID] = d
	}
	return s, nil
}

func (s *Store) owned(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.StoreTransaction{}).
		Where("app_id = ? AND user_id = ?", s.appID, s.userID)
}

func (s *Store) CompleteTransactions(ctx context.Context, acknowledgeImmediately bool) ([]models.Purchase, error) {
	var rows []models.StoreTransaction
	err := s.owned(ctx).
		Where("finished = ? AND state <> ?", false, models.TransactionFailed).
		Order("purchased_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storekit: load pending transactions: %w", err)
	}

	if acknowledgeImmediately && len(rows) > 0 {
		ids := make([]uuid.UUID, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		if err := s.owned(ctx).Where("id IN ?", ids).Update("finished", true).Error; err != nil {
			return nil, fmt.Errorf("storekit: finish pending transactions: %w", err)
		}
	}

	purchases := make([]models.Purchase, len(rows))
	for i, r := range rows {
		purchases[i] = toPurchase(r, r.State, !acknowledgeImmediately)
	}
	return purchases, nil
}

func (s *Store) RetrieveProducts(ctx context.Context, productIDs []string) ([]models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = true
	}

	var products []models.Product
	for _, id := range s.order {
		if wanted[id] {
			products = append(products, s.catalog[id].Product())
		}
	}
	return products, nil
}

func (s *Store) Purchase(ctx context.Context, productID string) (models.Purchase, error) {
	product, ok := s.catalog[productID]
	if !ok {
		return models.Purchase{}, &models.PurchaseError{
			Category:    models.PurchaseErrorProductNotAvailable,
			Description: "product " + productID + " is not available",
		}
	}

	now := s.now().UTC()
	if product.FailWith != "" {
		category := models.ParsePurchaseErrorCategory(product.FailWith)
		row := models.StoreTransaction{
			AppID:       s.appID,
			UserID:      s.userID,
			ProductID:   productID,
			State:       models.TransactionFailed,
			FailReason:  string(category),
			PurchasedAt: now,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return models.Purchase{}, fmt.Errorf("storekit: record failed purchase: %w", err)
		}
		return models.Purchase{}, &models.PurchaseError{Category: category, Description: product.FailWith}
	}

	// A purchase while subscribed extends from the current expiry.
	start := now
	var current models.StoreTransaction
	err := s.owned(ctx).
		Where("product_id = ? AND state = ? AND cancelled_at IS NULL", productID, models.TransactionPurchased).
		Order("expires_at DESC").
		First(&current).Error
	switch {
	case err == nil:
		if current.ExpiresAt != nil && current.ExpiresAt.After(start) {
			start = *current.ExpiresAt
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return models.Purchase{}, fmt.Errorf("storekit: load current subscription: %w", err)
	}

	expires := start.Add(s.periods[productID])
	row := models.StoreTransaction{
		AppID:       s.appID,
		UserID:      s.userID,
		ProductID:   productID,
		State:       models.TransactionPurchased,
		PurchasedAt: now,
		ExpiresAt:   &expires,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Purchase{}, fmt.Errorf("storekit: record purchase: %w", err)
	}
	return toPurchase(row, models.TransactionPurchased, true), nil
}

// Restore returns every purchase on record. Failed transactions that were
// never reported are returned as failed and then finished.
func (s *Store) Restore(ctx context.Context) (models.RestoreResults, error) {
	var rows []models.StoreTransaction
	if err := s.owned(ctx).Order("purchased_at").Find(&rows).Error; err != nil {
		return models.RestoreResults{}, fmt.Errorf("storekit: load transactions: %w", err)
	}

	var results models.RestoreResults
	var failedIDs []uuid.UUID
	for _, r := range rows {
		switch {
		case r.State == models.TransactionFailed && !r.Finished:
			results.Failed = append(results.Failed, toPurchase(r, models.TransactionFailed, false))
			failedIDs = append(failedIDs, r.ID)
		case r.State != models.TransactionFailed:
			results.Restored = append(results.Restored, toPurchase(r, models.TransactionRestored, !r.Finished))
		}
	}

	if len(failedIDs) > 0 {
		if err := s.owned(ctx).Where("id IN ?", failedIDs).Update("finished", true).Error; err != nil {
			return models.RestoreResults{}, fmt.Errorf("storekit: finish failed transactions: %w", err)
		}
	}
	return results, nil
}

func (s *Store) Acknowledge(ctx context.Context, txn models.Transaction) error {
	id, err := uuid.Parse(txn.ID)
	if err != nil {
		return fmt.Errorf("storekit: invalid transaction id %q: %w", txn.ID, err)
	}
	res := s.owned(ctx).Where("id = ?", id).Update("finished", true)
	if res.Error != nil {
		return fmt.Errorf("storekit: finish transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// Revoke marks a transaction as refunded; it no longer counts in receipts.
func (s *Store) Revoke(ctx context.Context, transactionID string) error {
	id, err := uuid.Parse(transactionID)
	if err != nil {
		return ErrTransactionNotFound
	}
	now := s.now().UTC()
	res := s.owned(ctx).Where("id = ?", id).Update("cancelled_at", &now)
	if res.Error != nil {
		return fmt.Errorf("storekit: revoke transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// Verify builds a receipt from the ledger after checking the shared secret.
func (s *Store) Verify(ctx context.Context, sharedSecret string) (*models.Receipt, error) {
	if subtle.ConstantTimeCompare([]byte(sharedSecret), []byte(s.secret)) != 1 {
		return nil, ErrInvalidSecret
	}

	var rows []models.StoreTransaction
	err := s.owned(ctx).
		Where("state = ?", models.TransactionPurchased).
		Order("purchased_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storekit: load receipt: %w", err)
	}

	receipt := &models.Receipt{Environment: Environment, Entries: make([]models.ReceiptEntry, 0, len(rows))}
	for _, r := range rows {
		receipt.Entries = append(receipt.Entries, models.ReceiptEntry{
			ProductID:             r.ProductID,
			TransactionID:         r.ID.String(),
			OriginalTransactionID: r.ID.String(),
			PurchasedAt:           r.PurchasedAt,
			ExpiresAt:             r.ExpiresAt,
			CancelledAt:           r.CancelledAt,
		})
	}
	return receipt, nil
}

func (s *Store) SubscriptionStatus(receipt *models.Receipt, productID string, now time.Time) models.SubscriptionStatus {
	return models.AutoRenewableStatus(receipt, productID, now)
}

func toPurchase(r models.StoreTransaction, state models.TransactionState, needsAck bool) models.Purchase {
	return models.Purchase{
		ProductID: r.ProductID,
		Quantity:  1,
		Transaction: models.Transaction{
			ID:        r.ID.String(),
			ProductID: r.ProductID,
			State:     state,
			Date:      r.PurchasedAt,
		},
		NeedsAcknowledgment: needsAck,
	}
}
