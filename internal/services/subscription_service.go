package services

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/models"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/store"
)

var ErrAlreadyConfigured = errors.New("subscription manager already configured")

const stateWriteTimeout = 5 * time.Second

// PurchaseGateway performs product lookup, purchase and restore against the
// store. Purchases and restores are never acknowledged by the gateway itself;
// the manager acknowledges them after a successful verification.
type PurchaseGateway interface {
	CompleteTransactions(ctx context.Context, acknowledgeImmediately bool) ([]models.Purchase, error)
	RetrieveProducts(ctx context.Context, productIDs []string) ([]models.Product, error)
	// Purchase returns a *models.PurchaseError when the store rejects the payment.
	Purchase(ctx context.Context, productID string) (models.Purchase, error)
	Restore(ctx context.Context) (models.RestoreResults, error)
	Acknowledge(ctx context.Context, txn models.Transaction) error
}

// ReceiptValidator exchanges the local receipt for a verified one.
type ReceiptValidator interface {
	Verify(ctx context.Context, sharedSecret string) (*models.Receipt, error)
	SubscriptionStatus(receipt *models.Receipt, productID string, now time.Time) models.SubscriptionStatus
}

// Outcome is the result reported to the caller of Purchase and RestorePurchases.
type Outcome struct {
	Valid   bool   `json:"is_valid"`
	Message string `json:"message"`
}

// Verification is the result of VerifyReceipt. Succeeded is false only when
// the validator could not be reached or its answer could not be used.
type Verification struct {
	Valid     bool       `json:"is_valid"`
	Succeeded bool       `json:"verification_succeeded"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type SubscriptionManagerConfig struct {
	AppID     string
	UserID    string
	Gateway   PurchaseGateway
	Validator ReceiptValidator
	Store     store.Store
	Events    *EventBus
	Metrics   *Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// SubscriptionManager drives purchase, restore and receipt verification for
// one user of one app and keeps the derived subscription state.
type SubscriptionManager struct {
	appID     string
	userID    string
	gateway   PurchaseGateway
	validator ReceiptValidator
	state     *StateStore
	products  *ProductCache
	events    *EventBus
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.RWMutex
	configured   bool
	productIDs   []string
	sharedSecret string
	available    []models.Product

	// verifyMu serializes verifications so results land in call order.
	verifyMu sync.Mutex
}

func NewSubscriptionManager(cfg SubscriptionManagerConfig) *SubscriptionManager {
	events := cfg.Events
	if events == nil {
		events = NewEventBus()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &SubscriptionManager{
		appID:     cfg.AppID,
		userID:    cfg.UserID,
		gateway:   cfg.Gateway,
		validator: cfg.Validator,
		state:     NewStateStore(cfg.Store),
		products:  NewProductCache(cfg.Store),
		events:    events,
		metrics:   cfg.Metrics,
		logger:    logger.With("app_id", cfg.AppID, "user_id", cfg.UserID),
		now:       now,
	}
}

// Configure sets the subscription product identifiers and the validator
// shared secret. It may be called only once.
func (m *SubscriptionManager) Configure(productIDs []string, sharedSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configured {
		return ErrAlreadyConfigured
	}

	set := make(map[string]struct{}, len(productIDs))
	ids := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if _, dup := set[id]; dup || id == "" {
			continue
		}
		set[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	m.productIDs = ids
	m.sharedSecret = sharedSecret
	m.configured = true
	return nil
}

func (m *SubscriptionManager) configuration() ([]string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.productIDs, m.sharedSecret
}

// ProductIDs returns the configured subscription product identifiers.
func (m *SubscriptionManager) ProductIDs() []string {
	ids, _ := m.configuration()
	return append([]string(nil), ids...)
}

// Subscribe registers fn for state-changed events of this manager.
func (m *SubscriptionManager) Subscribe(fn func(StateChanged)) func() {
	return m.events.Subscribe(func(evt StateChanged) {
		if evt.AppID == m.appID && evt.UserID == m.userID {
			fn(evt)
		}
	})
}

// Start finishes transactions left pending by an earlier session. They are
// acknowledged only after the receipt verifies; otherwise they stay pending
// for the next Start.
func (m *SubscriptionManager) Start(ctx context.Context) error {
	purchases, err := m.gateway.CompleteTransactions(ctx, false)
	if err != nil {
		m.logger.Error("failed to complete pending transactions", "action", "start", "error", err)
		return err
	}
	if len(purchases) == 0 {
		return nil
	}

	m.logger.Info("verifying pending transactions", "action", "start", "count", len(purchases))
	result := m.VerifyReceipt(ctx)
	if !result.Succeeded {
		return nil
	}
	for _, p := range purchases {
		if p.NeedsAcknowledgment {
			m.acknowledge(ctx, p)
		}
	}
	return nil
}

// FetchAvailableProducts returns the configured products, from the session
// cache when they were already fetched.
func (m *SubscriptionManager) FetchAvailableProducts(ctx context.Context) ([]models.Product, error) {
	m.mu.RLock()
	available := m.available
	m.mu.RUnlock()

	if len(available) == 0 {
		ids, _ := m.configuration()
		fetched, err := m.gateway.RetrieveProducts(ctx, ids)
		if err != nil {
			m.logger.Warn("failed to retrieve products", "action", "fetch_products", "error", err)
			return nil, err
		}
		m.mu.Lock()
		m.available = fetched
		m.mu.Unlock()
		available = fetched
	}

	products := make([]models.Product, len(available))
	copy(products, available)
	for _, p := range products {
		if err := m.products.Put(ctx, p); err != nil {
			m.logger.Warn("failed to cache product", "product_id", p.ID, "error", err)
		}
	}
	return products, nil
}

// CachedProduct reconstructs a product from the durable product cache.
func (m *SubscriptionManager) CachedProduct(ctx context.Context, productID string) (models.Product, bool) {
	return m.products.Lookup(ctx, productID)
}

// Purchase buys productID and verifies the receipt. The transaction is
// acknowledged only when the verification call succeeded.
func (m *SubscriptionManager) Purchase(ctx context.Context, productID string) Outcome {
	log := m.logger.With("action", "purchase", "product_id", productID)

	purchase, err := m.gateway.Purchase(ctx, productID)
	if err != nil {
		msg := PurchaseErrorMessage(err)
		log.Warn("purchase failed", "error", err, "message", msg)
		m.metrics.RecordPurchase(m.appID, "gateway_error")
		return Outcome{Valid: false, Message: msg}
	}
	log.Info("purchase completed at gateway", "transaction_id", purchase.Transaction.ID)

	result := m.VerifyReceipt(ctx)
	if !result.Succeeded {
		m.metrics.RecordPurchase(m.appID, "verification_failed")
		return Outcome{Valid: false, Message: MessageUnsuccessful}
	}

	if purchase.NeedsAcknowledgment {
		m.acknowledge(ctx, purchase)
	}
	if !result.Valid {
		m.metrics.RecordPurchase(m.appID, "invalid")
		return Outcome{Valid: false, Message: MessageUnsuccessful}
	}
	m.metrics.RecordPurchase(m.appID, "valid")
	return Outcome{Valid: true, Message: MessageSuccessful}
}

// RestorePurchases restores earlier purchases. Any failed purchase in the
// batch fails the whole restore without verifying.
func (m *SubscriptionManager) RestorePurchases(ctx context.Context) Outcome {
	log := m.logger.With("action", "restore")

	results, err := m.gateway.Restore(ctx)
	if err != nil || len(results.Failed) > 0 {
		log.Warn("restore failed", "error", err, "failed", len(results.Failed))
		m.metrics.RecordRestore(m.appID, "gateway_error")
		return Outcome{Valid: false, Message: MessageUnsubscribed}
	}

	result := m.VerifyReceipt(ctx)
	if !result.Succeeded {
		m.metrics.RecordRestore(m.appID, "verification_failed")
		return Outcome{Valid: false, Message: MessageUnsubscribed}
	}

	for _, p := range results.Restored {
		if p.NeedsAcknowledgment {
			m.acknowledge(ctx, p)
		}
	}
	log.Info("restore verified", "restored", len(results.Restored), "valid", result.Valid)

	if !result.Valid {
		m.metrics.RecordRestore(m.appID, "invalid")
		return Outcome{Valid: false, Message: MessageUnsubscribed}
	}
	m.metrics.RecordRestore(m.appID, "valid")
	return Outcome{Valid: true, Message: MessageSuccessful}
}

// VerifyReceipt validates the receipt and recomputes the subscription state:
// the latest expiry among configured products that are purchased and not yet
// expired. A validator failure clears the state. Either way a state-changed
// event is published.
func (m *SubscriptionManager) VerifyReceipt(ctx context.Context) Verification {
	m.verifyMu.Lock()
	defer m.verifyMu.Unlock()

	ids, secret := m.configuration()
	log := m.logger.With("action", "verify_receipt")

	receipt, err := m.validator.Verify(ctx, secret)

	// State writes must land even when ctx expired during validation.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
	defer cancel()

	if err != nil {
		log.Error("receipt verification failed", "error", err)
		if err := m.state.SetExpiry(writeCtx, nil); err != nil {
			log.Error("failed to clear subscription state", "error", err)
		}
		m.metrics.RecordVerification(m.appID, "failed")
		m.publish(nil, false)
		return Verification{}
	}

	if raw, err := receipt.JSON(); err == nil {
		m.state.SetRawReceipt(writeCtx, raw)
	} else {
		log.Warn("failed to encode verified receipt", "error", err)
	}

	now := m.now()
	var latest *time.Time
	for _, id := range ids {
		status := m.validator.SubscriptionStatus(receipt, id, now)
		if status.State != models.SubscriptionPurchased || !status.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || status.ExpiresAt.After(*latest) {
			expiry := status.ExpiresAt
			latest = &expiry
		}
	}

	if err := m.state.SetExpiry(writeCtx, latest); err != nil {
		log.Error("failed to store subscription state", "error", err)
	}

	if latest != nil {
		log.Info("subscription active", "expires_at", latest.UTC())
		m.metrics.RecordVerification(m.appID, "valid")
	} else {
		log.Info("no active subscription")
		m.metrics.RecordVerification(m.appID, "invalid")
	}
	m.publish(latest, true)

	return Verification{Valid: latest != nil, Succeeded: true, ExpiresAt: latest}
}

// IsSubscriptionExpired reports the state left by the last verification. It
// never contacts the store.
func (m *SubscriptionManager) IsSubscriptionExpired(ctx context.Context) bool {
	return m.state.IsExpired(ctx, m.now())
}

// ExpiresAt returns the persisted expiry of the last verification.
func (m *SubscriptionManager) ExpiresAt(ctx context.Context) *time.Time {
	return m.state.Expiry(ctx)
}

// LastRawReceiptJSON returns the most recent successfully verified receipt.
func (m *SubscriptionManager) LastRawReceiptJSON(ctx context.Context) (string, bool) {
	return m.state.RawReceipt(ctx)
}

func (m *SubscriptionManager) acknowledge(ctx context.Context, p models.Purchase) {
	err := m.gateway.Acknowledge(ctx, p.Transaction)
	m.metrics.RecordAcknowledgment(m.appID, err)
	if err != nil {
		m.logger.Error("failed to acknowledge transaction",
			"action", "acknowledge", "product_id", p.ProductID, "transaction_id", p.Transaction.ID, "error", err)
	}
}

func (m *SubscriptionManager) publish(expiry *time.Time, succeeded bool) {
	m.events.Publish(StateChanged{
		Name:                  SubscriptionStatusChanged,
		AppID:                 m.appID,
		UserID:                m.userID,
		ExpiresAt:             expiry,
		Active:                expiry != nil,
		VerificationSucceeded: succeeded,
		At:                    m.now(),
	})
}
