// models/claim_record.go
package models

import "time"

// ClaimRecord = one reward payout (or in-progress attempt) for an identity
// in one auction cycle. The (auction_id, user_id) pair is unique; a row with
// an empty tx_hash is an abandoned attempt and is safe to delete and retry.
type ClaimRecord struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AuctionID     int64      `gorm:"not null;uniqueIndex:idx_claims_auction_user,priority:1" json:"auction_id"`
	UserID        int64      `gorm:"not null;uniqueIndex:idx_claims_auction_user,priority:2" json:"user_id"` // negative for synthesized web identities
	Handle        string     `gorm:"type:varchar(128);index" json:"handle,omitempty"`
	SessionUserID string     `gorm:"type:varchar(128)" json:"session_user_id,omitempty"` // verified web identity, empty on the social path
	Address       string     `gorm:"type:varchar(64);not null;index" json:"address"`
	TxHash        string     `gorm:"type:varchar(80)" json:"tx_hash"`
	RewardAmount  string     `gorm:"type:varchar(80)" json:"reward_amount"` // token base units, decimal string
	ClaimSource   string     `gorm:"type:varchar(32);not null" json:"claim_source"`
	OriginIP      string     `gorm:"type:varchar(64)" json:"origin_ip,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
