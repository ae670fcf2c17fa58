// models/claim_lock.go
package models

import "time"

// ClaimLock is one set-if-absent-with-expiry marker in the shared store.
// The primary key is the lock key itself; acquisition is an atomic insert.
type ClaimLock struct {
	Key       string    `gorm:"primaryKey;type:varchar(160)" json:"key"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
