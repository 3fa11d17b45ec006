package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/store"
)

const (
	subscriptionExpiryDateKey = "subscriptionExpiryDate"
	receiptJSONKey            = "receiptJson"
)

// StateStore persists the derived subscription state: the latest valid expiry
// and the last verified raw receipt.
type StateStore struct {
	kv store.Store

	mu         sync.RWMutex
	rawReceipt string
	hasReceipt bool
}

func NewStateStore(kv store.Store) *StateStore {
	return &StateStore{kv: kv}
}

// Expiry returns the persisted expiry, or nil when absent or unreadable.
func (s *StateStore) Expiry(ctx context.Context) *time.Time {
	val, err := s.kv.Get(ctx, subscriptionExpiryDateKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to read subscription expiry", "error", err)
		}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		slog.Warn("invalid subscription expiry value", "value", val, "error", err)
		return nil
	}
	return &t
}

// SetExpiry stores expiry, or removes it when nil.
func (s *StateStore) SetExpiry(ctx context.Context, expiry *time.Time) error {
	if expiry == nil {
		if err := s.kv.Remove(ctx, subscriptionExpiryDateKey); err != nil {
			return fmt.Errorf("clear subscription expiry: %w", err)
		}
		return nil
	}
	if err := s.kv.Set(ctx, subscriptionExpiryDateKey, expiry.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("store subscription expiry: %w", err)
	}
	return nil
}

// IsExpired reports whether the persisted expiry is absent or not after now.
func (s *StateStore) IsExpired(ctx context.Context, now time.Time) bool {
	expiry := s.Expiry(ctx)
	return expiry == nil || !expiry.After(now)
}

// RawReceipt returns the last verified receipt JSON. The in-memory copy wins;
// after a restart the persisted copy is used.
func (s *StateStore) RawReceipt(ctx context.Context) (string, bool) {
	s.mu.RLock()
	raw, ok := s.rawReceipt, s.hasReceipt
	s.mu.RUnlock()
	if ok {
		return raw, true
	}

	val, err := s.kv.Get(ctx, receiptJSONKey)
	if err != nil {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasReceipt {
		s.rawReceipt, s.hasReceipt = val, true
	}
	return s.rawReceipt, true
}

// SetRawReceipt replaces the last verified receipt. Persisting it is best
// effort; the in-memory copy is always updated.
func (s *StateStore) SetRawReceipt(ctx context.Context, raw string) {
	s.mu.Lock()
	s.rawReceipt, s.hasReceipt = raw, true
	s.mu.Unlock()

	if err := s.kv.Set(ctx, receiptJSONKey, raw); err != nil {
		slog.Warn("failed to persist raw receipt", "error", err)
	}
}
