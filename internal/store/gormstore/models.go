package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Member represents the members table.
type Member struct {
	MemberID  string    `gorm:"type:uuid;primaryKey"`
	UserID    *string   `gorm:"index:uniq_member_user,unique"`
	Email     string    `gorm:"not null;index:uniq_member_email,unique"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Member) TableName() string { return "members" }

func (member *Member) BeforeCreate(tx *gorm.DB) error {
	if member.MemberID == "" {
		member.MemberID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the points_ledger table. Reason carries the uniqueness
// constraint that makes ingestion idempotent.
type LedgerEntry struct {
	EntryID     string         `gorm:"type:uuid;primaryKey"`
	MemberID    string         `gorm:"type:uuid;not null;index:idx_ledger_member_created,priority:1"`
	DeltaPoints int64          `gorm:"not null"`
	Reason      string         `gorm:"not null;index:uniq_ledger_reason,unique"`
	Meta        datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_ledger_member_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "points_ledger" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Reward mirrors the rewards catalog table.
type Reward struct {
	RewardID      string    `gorm:"type:uuid;primaryKey"`
	Name          string    `gorm:"not null"`
	Active        bool      `gorm:"not null"`
	CostPoints    int64     `gorm:"not null"`
	DiscountType  string    `gorm:"not null"`
	DiscountValue string    `gorm:"not null"`
	PriceRuleID   *string   `gorm:""`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reward) TableName() string { return "rewards" }

func (reward *Reward) BeforeCreate(tx *gorm.DB) error {
	if reward.RewardID == "" {
		reward.RewardID = uuid.NewString()
	}
	return nil
}

// Redemption mirrors the redemptions table.
type Redemption struct {
	RedemptionID string    `gorm:"type:uuid;primaryKey"`
	MemberID     string    `gorm:"type:uuid;not null;index"`
	RewardID     string    `gorm:"type:uuid;not null"`
	Status       string    `gorm:"not null;index:idx_redemptions_status_created,priority:1"`
	DiscountCode *string   `gorm:""`
	PriceRuleID  *string   `gorm:""`
	CreatedAt    time.Time `gorm:"not null;index:idx_redemptions_status_created,priority:2"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Redemption) TableName() string { return "redemptions" }

func (redemption *Redemption) BeforeCreate(tx *gorm.DB) error {
	if redemption.RedemptionID == "" {
		redemption.RedemptionID = uuid.NewString()
	}
	return nil
}
