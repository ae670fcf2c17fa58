// services/ledger.go
package services

import (
	"errors"
	"log"
	"strings"
	"time"

	"claim-processor/models"

	"gorm.io/gorm"
)

// RecordOutcome tags the result of the exactly-once insert. Duplicate
// detection is a first-class signal routed to the abuse detector, not
// generic error handling.
type RecordOutcome int

const (
	RecordInserted RecordOutcome = iota
	// RecordDuplicate: the unique index fired after this path's own transfer
	// already succeeded, proving two transfers for one identity+auction.
	RecordDuplicate
	// RecordDegraded: the insert and the update fallback both failed. Funds
	// moved; bookkeeping needs operator reconciliation.
	RecordDegraded
)

// RecordResult carries the outcome plus the pre-existing row on duplicates.
type RecordResult struct {
	Outcome  RecordOutcome
	Existing *models.ClaimRecord
}

// LedgerService owns the claim_records table.
type LedgerService struct {
	DB *gorm.DB
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db}
}

// FindExisting returns a prior claim row for this identity or destination
// address in the auction, or nil.
func (s *LedgerService) FindExisting(auctionID, userID int64, address string) (*models.ClaimRecord, error) {
	var rec models.ClaimRecord
	err := s.DB.Where("auction_id = ? AND (user_id = ? OR lower(address) = ?)",
		auctionID, userID, strings.ToLower(address)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteIncomplete removes an abandoned row (no tx hash) so the identity can
// retry. Rows carrying a hash are never deleted here.
func (s *LedgerService) DeleteIncomplete(rec *models.ClaimRecord) error {
	if rec == nil || rec.TxHash != "" {
		return nil
	}
	log.Printf("🧹 [LEDGER] deleting abandoned claim row %d (auction %d, user %d)", rec.ID, rec.AuctionID, rec.UserID)
	return s.DB.Where("id = ? AND (tx_hash IS NULL OR tx_hash = '')", rec.ID).
		Delete(&models.ClaimRecord{}).Error
}

// Record inserts the completed claim exactly once. A unique-constraint
// collision is returned as RecordDuplicate together with the existing row;
// any other insert error falls back to an update-by-identity before
// degrading.
func (s *LedgerService) Record(rec *models.ClaimRecord) (*RecordResult, error) {
	err := s.DB.Create(rec).Error
	if err == nil {
		return &RecordResult{Outcome: RecordInserted}, nil
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing models.ClaimRecord
		fetchErr := s.DB.Where("auction_id = ? AND user_id = ?", rec.AuctionID, rec.UserID).
			First(&existing).Error
		if fetchErr != nil {
			log.Printf("❌ [LEDGER] duplicate detected but fetch of existing row failed: %v", fetchErr)
			return &RecordResult{Outcome: RecordDuplicate}, nil
		}
		return &RecordResult{Outcome: RecordDuplicate, Existing: &existing}, nil
	}

	log.Printf("⚠️ [LEDGER] insert failed (%v), falling back to update-by-identity", err)
	res := s.DB.Model(&models.ClaimRecord{}).
		Where("auction_id = ? AND user_id = ?", rec.AuctionID, rec.UserID).
		Updates(map[string]interface{}{
			"tx_hash":       rec.TxHash,
			"address":       rec.Address,
			"reward_amount": rec.RewardAmount,
			"claimed_at":    rec.ClaimedAt,
			"origin_ip":     rec.OriginIP,
		})
	if res.Error == nil && res.RowsAffected > 0 {
		return &RecordResult{Outcome: RecordInserted}, nil
	}
	return &RecordResult{Outcome: RecordDegraded}, nil
}

// HasClaimed answers the status endpoint.
func (s *LedgerService) HasClaimed(auctionID, userID int64) (bool, string, error) {
	var rec models.ClaimRecord
	err := s.DB.Where("auction_id = ? AND user_id = ? AND tx_hash <> ''", auctionID, userID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, rec.TxHash, nil
}

// DistinctAddressesForHandle lists destination addresses that already carry
// a completed claim for this handle in this auction. Feeds the
// address-cycling detector.
func (s *LedgerService) DistinctAddressesForHandle(auctionID int64, handle string) ([]string, error) {
	var addresses []string
	err := s.DB.Model(&models.ClaimRecord{}).
		Where("auction_id = ? AND lower(handle) = ? AND tx_hash <> ''", auctionID, strings.ToLower(handle)).
		Distinct().
		Pluck("lower(address)", &addresses).Error
	return addresses, err
}

// CountClaimsByIP feeds the origin-volume limit.
func (s *LedgerService) CountClaimsByIP(auctionID int64, ip string) (int64, error) {
	if ip == "" {
		return 0, nil
	}
	var count int64
	err := s.DB.Model(&models.ClaimRecord{}).
		Where("auction_id = ? AND origin_ip = ? AND tx_hash <> ''", auctionID, ip).
		Count(&count).Error
	return count, err
}

// PurgeAbandoned deletes hashless rows past the grace window; called by the
// maintenance scheduler.
func (s *LedgerService) PurgeAbandoned(olderThan time.Duration) (int64, error) {
	res := s.DB.Where("(tx_hash IS NULL OR tx_hash = '') AND created_at < ?", time.Now().Add(-olderThan)).
		Delete(&models.ClaimRecord{})
	return res.RowsAffected, res.Error
}
