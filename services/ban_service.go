// services/ban_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"claim-processor/models"

	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// ErrBanned is the fixed, non-informative error surfaced to banned callers.
// No detail leaks: detail would aid evasion.
var ErrBanned = errors.New("not eligible for rewards")

// EvidenceArchiver receives forensic evidence payloads on auto-ban. The R2
// archive in utils implements it; a nil archiver disables archival.
type EvidenceArchiver interface {
	ArchiveEvidence(ctx context.Context, key string, payload interface{}) error
}

// BanService is the abuse detector: deny-list lookups, origin-volume limits
// and the reactive auto-ban paths.
type BanService struct {
	DB                    *gorm.DB
	Archive               EvidenceArchiver
	MaxAddressesPerHandle int // distinct completed-claim addresses allowed per handle per auction
}

func NewBanService(db *gorm.DB, archive EvidenceArchiver, maxAddressesPerHandle int) *BanService {
	if maxAddressesPerHandle <= 0 {
		maxAddressesPerHandle = 2
	}
	return &BanService{DB: db, Archive: archive, MaxAddressesPerHandle: maxAddressesPerHandle}
}

// handleVariants expands a display handle into the lookup forms stored over
// time: case-folded, with and without the leading marker, and
// slug-normalized.
func handleVariants(handle string) []string {
	h := strings.ToLower(strings.TrimSpace(handle))
	if h == "" {
		return nil
	}
	bare := strings.TrimPrefix(h, "@")
	variants := []string{bare, "@" + bare}
	if s := slug.Make(bare); s != "" && s != bare {
		variants = append(variants, s)
	}
	return variants
}

// CheckBanned performs the three keyed lookups. On a hit it updates the ban
// bookkeeping (attempt counter, observed origin, attempted address) and
// returns ErrBanned.
func (s *BanService) CheckBanned(identity *Identity, originIP string) error {
	var ban models.BanRecord
	query := s.DB.Where("user_id <> 0 AND user_id = ?", identity.UserID).
		Or("address <> '' AND lower(address) = ?", strings.ToLower(identity.Address))
	if variants := handleVariants(identity.Handle); len(variants) > 0 {
		query = query.Or("handle <> '' AND lower(handle) IN ?", variants)
	}
	err := s.DB.Where(query).First(&ban).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ban.AttemptCount++
	ban.AppendOriginIP(originIP)
	addr := strings.ToLower(identity.Address)
	if !strings.Contains(ban.AttemptedAddresses, addr) {
		if ban.AttemptedAddresses == "" {
			ban.AttemptedAddresses = addr
		} else {
			ban.AttemptedAddresses += "," + addr
		}
	}
	if err := s.DB.Save(&ban).Error; err != nil {
		log.Printf("❌ [BAN] failed to update ban %d bookkeeping: %v", ban.ID, err)
	}
	log.Printf("🚫 [BAN] blocked attempt %d by banned identity (user=%d, handle=%s)", ban.AttemptCount, identity.UserID, identity.Handle)
	return ErrBanned
}

// BanForDuplicateTransfer is the unconditional auto-ban: a unique-constraint
// collision after a confirmed transfer proves two transfers were obtained
// for one identity+auction.
func (s *BanService) BanForDuplicateTransfer(ctx context.Context, identity *Identity, txHashes []string, originIP string) {
	ban := models.BanRecord{
		UserID:           identity.UserID,
		Handle:           strings.ToLower(strings.TrimPrefix(identity.Handle, "@")),
		Address:          strings.ToLower(identity.Address),
		Reason:           fmt.Sprintf("duplicate on-chain transfer for auction %d", identity.AuctionID),
		AutoBanned:       true,
		EvidenceTxHashes: strings.Join(txHashes, ","),
		AttemptCount:     1,
	}
	ban.AppendOriginIP(originIP)
	if err := s.DB.Create(&ban).Error; err != nil {
		log.Printf("❌ [BAN] failed to persist duplicate-transfer ban for user %d: %v", identity.UserID, err)
		return
	}
	log.Printf("🔨 [BAN] auto-banned user %d for auction %d — duplicate transfers %v", identity.UserID, identity.AuctionID, txHashes)
	s.archiveEvidence(ctx, &ban, map[string]interface{}{
		"reason":     "duplicate_transfer",
		"auction_id": identity.AuctionID,
		"user_id":    identity.UserID,
		"handle":     identity.Handle,
		"address":    identity.Address,
		"tx_hashes":  txHashes,
		"origin_ip":  originIP,
		"banned_at":  time.Now().UTC(),
	})
}

// CheckAddressCycling bans a handle that accumulates completed claims for
// the same auction from more than the allowed number of distinct addresses.
// The ban lands before the next distinct-address claim completes.
func (s *BanService) CheckAddressCycling(ctx context.Context, ledger *LedgerService, identity *Identity, originIP string) error {
	if identity.Handle == "" {
		return nil
	}
	addresses, err := ledger.DistinctAddressesForHandle(identity.AuctionID, strings.TrimPrefix(strings.ToLower(identity.Handle), "@"))
	if err != nil {
		return err
	}
	current := strings.ToLower(identity.Address)
	for _, a := range addresses {
		if a == current {
			return nil // same address retrying, not cycling
		}
	}
	if len(addresses) < s.MaxAddressesPerHandle {
		return nil
	}

	ban := models.BanRecord{
		UserID:             identity.UserID,
		Handle:             strings.ToLower(strings.TrimPrefix(identity.Handle, "@")),
		Address:            current,
		Reason:             fmt.Sprintf("address cycling: %d distinct addresses for auction %d", len(addresses)+1, identity.AuctionID),
		AutoBanned:         true,
		AttemptedAddresses: strings.Join(append(addresses, current), ","),
		AttemptCount:       1,
	}
	ban.AppendOriginIP(originIP)
	if err := s.DB.Create(&ban).Error; err != nil {
		log.Printf("❌ [BAN] failed to persist cycling ban for handle %s: %v", identity.Handle, err)
	} else {
		log.Printf("🔨 [BAN] auto-banned handle %s — %d distinct claim addresses in auction %d", identity.Handle, len(addresses)+1, identity.AuctionID)
		s.archiveEvidence(ctx, &ban, map[string]interface{}{
			"reason":     "address_cycling",
			"auction_id": identity.AuctionID,
			"handle":     identity.Handle,
			"addresses":  append(addresses, current),
			"origin_ip":  originIP,
			"banned_at":  time.Now().UTC(),
		})
	}
	return ErrBanned
}

func (s *BanService) archiveEvidence(ctx context.Context, ban *models.BanRecord, payload map[string]interface{}) {
	if s.Archive == nil {
		return
	}
	key := fmt.Sprintf("bans/%d-%d.json", ban.ID, time.Now().Unix())
	if err := s.Archive.ArchiveEvidence(ctx, key, payload); err != nil {
		// archival is best-effort, the ban row is the source of truth
		log.Printf("⚠️ [BAN] evidence archive failed for ban %d: %v", ban.ID, err)
	}
}
