// services/failure_queue.go
package services

import (
	"log"
	"time"

	"claim-processor/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Dedup cooldowns: one burst from a single identity, address or origin must
// not flood the retry queue.
const (
	failureDedupIdentityWindow = 60 * time.Second
	failureDedupAddressWindow  = 30 * time.Second
	failureDedupIPWindow       = 30 * time.Second
)

// FailureQueue persists retry-eligible failures for the asynchronous retry
// worker. Only the enqueue/dequeue contract lives here; the worker itself is
// an external collaborator (a reference poller ships in workers/).
type FailureQueue struct {
	DB *gorm.DB
}

func NewFailureQueue(db *gorm.DB) *FailureQueue {
	return &FailureQueue{DB: db}
}

// Enqueue stores the record unless a recent one already covers the same
// identity, address or origin. Returns the stored id, or "" when deduped.
func (q *FailureQueue) Enqueue(f *models.FailureRecord) (string, error) {
	dup, err := q.recentDuplicate(f)
	if err != nil {
		return "", err
	}
	if dup {
		log.Printf("➡️ [FAILQ] skipping enqueue for user %d auction %d — recent record exists", f.UserID, f.AuctionID)
		return "", nil
	}

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if err := q.DB.Create(f).Error; err != nil {
		return "", err
	}
	log.Printf("📥 [FAILQ] queued failure %s (code=%s, user=%d, auction=%d)", f.ID, f.ErrorCode, f.UserID, f.AuctionID)
	return f.ID, nil
}

func (q *FailureQueue) recentDuplicate(f *models.FailureRecord) (bool, error) {
	now := time.Now()
	var count int64
	err := q.DB.Model(&models.FailureRecord{}).
		Where(
			q.DB.Where("user_id = ? AND auction_id = ? AND created_at > ?", f.UserID, f.AuctionID, now.Add(-failureDedupIdentityWindow)).
				Or("address = ? AND created_at > ?", f.Address, now.Add(-failureDedupAddressWindow)).
				Or("origin_ip <> '' AND origin_ip = ? AND created_at > ?", f.OriginIP, now.Add(-failureDedupIPWindow)),
		).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DequeueBatch hands the oldest unretried records to the retry worker.
func (q *FailureQueue) DequeueBatch(limit int) ([]models.FailureRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []models.FailureRecord
	err := q.DB.Where("retried_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// MarkRetried stamps the record after the worker has replayed it.
func (q *FailureQueue) MarkRetried(id string) error {
	now := time.Now()
	return q.DB.Model(&models.FailureRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retried_at":  &now,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}
