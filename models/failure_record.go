// models/failure_record.go
package models

import "time"

// FailureRecord = one retry-eligible failed claim attempt, consumed by the
// asynchronous retry worker. Validation, duplicate and ban errors are never
// written here.
type FailureRecord struct {
	ID              string     `gorm:"primaryKey;type:uuid" json:"id"`
	UserID          int64      `gorm:"not null;index" json:"user_id"`
	Handle          string     `gorm:"type:varchar(128)" json:"handle,omitempty"`
	SessionUserID   string     `gorm:"type:varchar(128)" json:"session_user_id,omitempty"`
	Address         string     `gorm:"type:varchar(64);not null;index" json:"address"`
	AuctionID       int64      `gorm:"not null" json:"auction_id"`
	ErrorCode       string     `gorm:"type:varchar(64);not null" json:"error_code"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	TxHash          string     `gorm:"type:varchar(80)" json:"tx_hash,omitempty"`
	RequestSnapshot string     `gorm:"type:text" json:"request_snapshot,omitempty"` // raw request JSON for replay
	RetryCount      int        `gorm:"not null;default:0" json:"retry_count"`
	OriginIP        string     `gorm:"type:varchar(64);index" json:"origin_ip,omitempty"`
	RetriedAt       *time.Time `json:"retried_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
