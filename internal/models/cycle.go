package models

import (
	"time"

	"gorm.io/gorm"
)

// Cycle is the persisted form of one compounding attempt for one position
type Cycle struct {
	gorm.Model
	PositionKey string `gorm:"size:90;index;not null"`
	PoolAddress string `gorm:"size:44;index"`
	Owner       string `gorm:"size:44;index"`
	Phase       string `gorm:"size:16;index;not null"`

	// Claim checkpoint, populated once the Claiming phase succeeds
	Claimed        bool
	ClaimedAmountX uint64
	ClaimedAmountY uint64
	ClaimTxRefs    string `gorm:"type:jsonb"`

	ReinvestTxRef string `gorm:"size:90"`
	LastError     string `gorm:"type:text"`
	Attempts      int

	StartedAt time.Time `gorm:"index"`
}
