package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StoreTransaction is one row of the local store ledger.
type StoreTransaction struct {
	ID          uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	AppID       string           `gorm:"size:50;not null;index:idx_store_txn_owner,priority:1" json:"-"`
	UserID      string           `gorm:"size:64;not null;index:idx_store_txn_owner,priority:2" json:"user_id"`
	ProductID   string           `gorm:"size:255;not null" json:"product_id"`
	State       TransactionState `gorm:"size:20;not null" json:"state"`
	FailReason  string           `gorm:"size:50" json:"fail_reason,omitempty"`
	Finished    bool             `gorm:"not null;default:false" json:"finished"`
	PurchasedAt time.Time        `json:"purchased_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	CancelledAt *time.Time       `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func (t *StoreTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
