package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table.
type User struct {
	UserID      string    `gorm:"type:uuid;primaryKey"`
	ExternalID  string    `gorm:"not null;index:idx_users_external_id,unique"`
	PaidCredits int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// Restoration mirrors the restorations table.
type Restoration struct {
	RestorationID  string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"type:uuid;not null;index:idx_restorations_user_created,priority:1"`
	OriginalRef    string         `gorm:"not null"`
	RestoredRef    string         `gorm:""`
	UsedFreeCredit bool           `gorm:"not null;default:false"`
	Status         string         `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_restorations_user_created,priority:2"`
}

func (Restoration) TableName() string { return "restorations" }

// Purchase mirrors the purchases table.
type Purchase struct {
	PurchaseID        string    `gorm:"type:uuid;primaryKey"`
	UserID            string    `gorm:"type:uuid;not null;index"`
	PackageType       string    `gorm:"not null"`
	Credits           int64     `gorm:"not null"`
	AmountCents       int64     `gorm:"not null"`
	CheckoutSessionID string    `gorm:"not null;index:uniq_purchase_session,unique"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (Purchase) TableName() string { return "purchases" }

func (purchase *Purchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}
