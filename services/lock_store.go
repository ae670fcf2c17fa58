// services/lock_store.go
package services

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"claim-processor/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrLockHeld means another request currently owns the marker. Callers
// answer 429 and must not write a FailureRecord.
var ErrLockHeld = errors.New("claim already in progress")

// LockStore implements set-if-absent-with-expiry markers on the shared
// relational store. Acquisition is a single atomic insert against the
// primary key, so exclusion holds across processes.
type LockStore struct {
	DB *gorm.DB
}

func NewLockStore(db *gorm.DB) *LockStore {
	return &LockStore{DB: db}
}

// AddressLockKey keys the marker held by every claim.
func AddressLockKey(address string, auctionID int64) string {
	return fmt.Sprintf("claim:%s:%d", strings.ToLower(address), auctionID)
}

// UserLockKey keys the additional marker held on the social-identity path.
func UserLockKey(userID, auctionID int64) string {
	return fmt.Sprintf("claim:user:%d:%d", userID, auctionID)
}

// Acquire takes the marker or fails fast with ErrLockHeld. A marker whose
// TTL has lapsed is treated as abandoned: it is removed and the insert
// retried once.
func (s *LockStore) Acquire(key string, ttl time.Duration) error {
	if err := s.tryInsert(key, ttl); err == nil {
		return nil
	} else if !errors.Is(err, ErrLockHeld) {
		return err
	}

	expired := s.DB.Where("key = ? AND expires_at < ?", key, time.Now()).Delete(&models.ClaimLock{})
	if expired.Error != nil {
		return expired.Error
	}
	if expired.RowsAffected == 0 {
		return ErrLockHeld
	}
	log.Printf("🧹 [LOCK] reclaimed expired marker %s", key)
	return s.tryInsert(key, ttl)
}

func (s *LockStore) tryInsert(key string, ttl time.Duration) error {
	lock := models.ClaimLock{Key: key, ExpiresAt: time.Now().Add(ttl)}
	res := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockHeld
	}
	return nil
}

// Release deletes the markers. Safe to call for keys that were never
// acquired; every exit path of a claim goes through here.
func (s *LockStore) Release(keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.DB.Where("key = ?", key).Delete(&models.ClaimLock{}).Error; err != nil {
			log.Printf("❌ [LOCK] failed to release %s: %v", key, err)
		}
	}
}

// PurgeExpired removes lapsed markers; called by the maintenance scheduler
// so abandoned locks do not linger until the next contender trips over them.
func (s *LockStore) PurgeExpired() (int64, error) {
	res := s.DB.Where("expires_at < ?", time.Now()).Delete(&models.ClaimLock{})
	return res.RowsAffected, res.Error
}
