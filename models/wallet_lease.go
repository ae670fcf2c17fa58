// models/wallet_lease.go
package models

import "time"

// WalletLease marks one pool signer as busy. The unique signer address makes
// acquisition an atomic insert that holds across processes; the lease key is
// what callers hand back on release.
type WalletLease struct {
	SignerAddress string    `gorm:"primaryKey;type:varchar(64)" json:"signer_address"`
	LeaseKey      string    `gorm:"type:uuid;uniqueIndex;not null" json:"lease_key"`
	Purpose       string    `gorm:"type:varchar(32);not null" json:"purpose"`
	AcquiredAt    time.Time `gorm:"not null" json:"acquired_at"`
}
