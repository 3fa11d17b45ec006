package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/models"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/store"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/storekit"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/tenant"
	"gorm.io/gorm"
)

const (
	ValidatorLocal    = "local"
	ValidatorAppStore = "appstore"

	defaultStartTimeout = 30 * time.Second
	defaultIdleTTL      = 30 * time.Minute
)

var ErrUnknownApp = errors.New("unknown app")

type PoolConfig struct {
	DB       *gorm.DB
	KV       store.Store
	Registry *tenant.Registry
	// Validator is ValidatorLocal (the storekit ledger) or ValidatorAppStore.
	Validator  string
	HTTPClient *http.Client
	Events     *EventBus
	Metrics    *Metrics
	Logger     *slog.Logger
	Now        func() time.Time
	// StartTimeout bounds each manager's Start, independent of the request
	// that triggered it.
	StartTimeout time.Duration
	// IdleTTL is how long an unused manager stays in the pool.
	IdleTTL time.Duration
}

type poolKey struct {
	appID  string
	userID string
}

// ManagerPool owns one configured and started SubscriptionManager per
// (app, user). Managers are built on first use and evicted once idle for
// IdleTTL; their state lives in the key-value store, so a rebuilt manager
// picks up where the evicted one stopped.
type ManagerPool struct {
	cfg PoolConfig

	mu      sync.Mutex
	entries map[poolKey]*poolEntry
}

type poolEntry struct {
	manager  *SubscriptionManager
	ledger   *storekit.Store
	lastUsed time.Time
}

func NewManagerPool(cfg PoolConfig) *ManagerPool {
	if cfg.Events == nil {
		cfg.Events = NewEventBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Validator == "" {
		cfg.Validator = ValidatorLocal
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	return &ManagerPool{
		cfg:     cfg,
		entries: make(map[poolKey]*poolEntry),
	}
}

// Events returns the bus every pooled manager publishes to.
func (p *ManagerPool) Events() *EventBus {
	return p.cfg.Events
}

// Get returns the manager of userID in appID, building and starting it on
// first use.
func (p *ManagerPool) Get(ctx context.Context, appID, userID string) (*SubscriptionManager, error) {
	e, err := p.entry(ctx, appID, userID)
	if err != nil {
		return nil, err
	}
	return e.manager, nil
}

// Revoke refunds a transaction in the local ledger and re-verifies the
// user's receipt.
func (p *ManagerPool) Revoke(ctx context.Context, appID, userID, transactionID string) (Verification, error) {
	e, err := p.entry(ctx, appID, userID)
	if err != nil {
		return Verification{}, err
	}
	if err := e.ledger.Revoke(ctx, transactionID); err != nil {
		return Verification{}, err
	}
	return e.manager.VerifyReceipt(ctx), nil
}

func (p *ManagerPool) now() time.Time {
	if p.cfg.Now != nil {
		return p.cfg.Now()
	}
	return time.Now()
}

func (p *ManagerPool) entry(ctx context.Context, appID, userID string) (*poolEntry, error) {
	key := poolKey{appID: appID, userID: userID}

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.lastUsed = p.now()
		p.mu.Unlock()
		return e, nil
	}
	e, err := p.build(appID, userID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	e.lastUsed = p.now()
	p.entries[key] = e
	p.mu.Unlock()

	p.start(ctx, e.manager)
	return e, nil
}

// start runs Start on its own deadline so the caller's budget is left for the
// operation that needed the manager.
func (p *ManagerPool) start(ctx context.Context, m *SubscriptionManager) {
	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StartTimeout)
	defer cancel()
	if err := m.Start(startCtx); err != nil {
		p.cfg.Logger.Warn("manager start failed", "app_id", m.appID, "user_id", m.userID, "error", err)
	}
}

// Receipts returns the uploaded App Store receipt storage of one user.
func (p *ManagerPool) Receipts(appID, userID string) *StoredReceipts {
	return NewStoredReceipts(p.userStore(appID, userID))
}

func (p *ManagerPool) userStore(appID, userID string) store.Store {
	return store.WithPrefix(p.cfg.KV, appID+":"+userID+":")
}

func (p *ManagerPool) build(appID, userID string) (*poolEntry, error) {
	app := p.cfg.Registry.Get(appID)
	if app == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, appID)
	}
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	ledger, err := storekit.New(p.cfg.DB, storekit.Config{
		AppID:        appID,
		UserID:       userID,
		SharedSecret: app.SharedSecret,
		Catalog:      app.Catalog,
		Now:          p.cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("build store for %s: %w", appID, err)
	}

	var validator ReceiptValidator = ledger
	if p.cfg.Validator == ValidatorAppStore {
		validator = NewAppStoreValidator(p.Receipts(appID, userID), p.cfg.HTTPClient)
	}

	m := NewSubscriptionManager(SubscriptionManagerConfig{
		AppID:     appID,
		UserID:    userID,
		Gateway:   ledger,
		Validator: validator,
		Store:     p.userStore(appID, userID),
		Events:    p.cfg.Events,
		Metrics:   p.cfg.Metrics,
		Logger:    p.cfg.Logger,
		Now:       p.cfg.Now,
	})
	if err := m.Configure(app.ProductIDs, app.SharedSecret); err != nil {
		return nil, err
	}
	return &poolEntry{manager: m, ledger: ledger}, nil
}

func (p *ManagerPool) lookup(appID, userID string) *SubscriptionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[poolKey{appID: appID, userID: userID}]; ok {
		return e.manager
	}
	return nil
}

// Evict drops managers unused for longer than IdleTTL and returns how many
// were removed.
func (p *ManagerPool) Evict() int {
	cutoff := p.now().Add(-p.cfg.IdleTTL)
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for key, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			delete(p.entries, key)
			evicted++
		}
	}
	return evicted
}

// pendingUsers lists the users of appID with unfinished, non-failed
// transactions in the ledger.
func (p *ManagerPool) pendingUsers(ctx context.Context, appID string) ([]string, error) {
	var userIDs []string
	err := p.cfg.DB.WithContext(ctx).
		Model(&models.StoreTransaction{}).
		Scopes(tenant.ForTenant(appID)).
		Where("finished = ? AND state <> ?", false, models.TransactionFailed).
		Distinct().
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("list pending users of %s: %w", appID, err)
	}
	return userIDs, nil
}

// Refresh evicts idle managers, then retries Start for every user with
// unfinished transactions. Users without pending work are not touched.
func (p *ManagerPool) Refresh(ctx context.Context) error {
	if n := p.Evict(); n > 0 {
		p.cfg.Logger.Info("evicted idle managers", "count", n)
	}
	for _, app := range p.cfg.Registry.All() {
		userIDs, err := p.pendingUsers(ctx, app.AppID)
		if err != nil {
			return err
		}
		for _, userID := range userIDs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if m := p.lookup(app.AppID, userID); m != nil {
				p.start(ctx, m)
				continue
			}
			// Building a manager starts it.
			if _, err := p.Get(ctx, app.AppID, userID); err != nil {
				p.cfg.Logger.Warn("refresh failed", "app_id", app.AppID, "user_id", userID, "error", err)
			}
		}
	}
	return nil
}

// Warm starts the managers of every user with unfinished transactions in the
// ledger, completing what an earlier process left pending.
func (p *ManagerPool) Warm(ctx context.Context) error {
	for _, app := range p.cfg.Registry.All() {
		userIDs, err := p.pendingUsers(ctx, app.AppID)
		if err != nil {
			return err
		}
		for _, userID := range userIDs {
			if _, err := p.Get(ctx, app.AppID, userID); err != nil {
				return err
			}
		}
		if len(userIDs) > 0 {
			p.cfg.Logger.Info("warmed managers", "app_id", app.AppID, "count", len(userIDs))
		}
	}
	return nil
}

// StartRefresh runs Refresh every interval until done is closed.
func (p *ManagerPool) StartRefresh(interval time.Duration, done chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
					p.cfg.Logger.Error("manager refresh failed", "error", err)
				}
			case <-done:
				return
			}
		}
	}()
}
