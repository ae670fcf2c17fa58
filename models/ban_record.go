// models/ban_record.go
package models

import (
	"strings"
	"time"
)

// BanRecord is a deny-list entry. Created only by the abuse detector, updated
// (attempt counter, origin IP set) on repeat attempts, never deleted.
type BanRecord struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID             int64     `gorm:"index" json:"user_id"`
	Handle             string    `gorm:"type:varchar(128);index" json:"handle,omitempty"`
	Address            string    `gorm:"type:varchar(64);index" json:"address,omitempty"`
	Reason             string    `gorm:"type:text;not null" json:"reason"`
	AutoBanned         bool      `gorm:"not null" json:"auto_banned"`
	EvidenceTxHashes   string    `gorm:"type:text" json:"evidence_tx_hashes,omitempty"`   // comma-separated
	AttemptedAddresses string    `gorm:"type:text" json:"attempted_addresses,omitempty"`  // comma-separated
	AttemptCount       int64     `gorm:"not null;default:0" json:"attempt_count"`
	OriginIPs          string    `gorm:"type:text" json:"origin_ips,omitempty"` // comma-separated set
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AppendOriginIP adds ip to the observed set if not already present.
func (b *BanRecord) AppendOriginIP(ip string) {
	if ip == "" {
		return
	}
	for _, seen := range strings.Split(b.OriginIPs, ",") {
		if seen == ip {
			return
		}
	}
	if b.OriginIPs == "" {
		b.OriginIPs = ip
		return
	}
	b.OriginIPs += "," + ip
}
