// services/claim_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"strconv"
	"time"

	"claim-processor/chain"
	"claim-processor/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// TransferExecutor is the on-chain execution engine. *chain.Executor
// satisfies it; tests substitute a fake.
type TransferExecutor interface {
	ExecuteTransfer(ctx context.Context, signer *chain.Signer, dest common.Address, amount *big.Int) (string, error)
}

// Error codes surfaced in responses and failure records.
const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidAuction = "invalid_auction"
	CodeAlreadyClaimed = "already_claimed"
	CodeForbidden      = "forbidden"
	CodeInProgress     = "claim_in_progress"
	CodePoolExhausted  = "pool_exhausted"
	CodeTransferFailed = "transfer_failed"
	CodeWalletUnfunded = "wallet_unfunded"
	CodeLedgerDegraded = "ledger_write_failed"
	CodeUpstreamError  = "upstream_error"
)

// ClaimConfig carries the per-deployment policy knobs.
type ClaimConfig struct {
	LockTTL             time.Duration
	RewardAmounts       map[string]*big.Int // token base units per claim source
	IPClaimLimit        int64               // completed claims allowed per origin IP per auction
	DirectWalletSources map[string]bool     // sources that bypass lease bookkeeping
}

// ClaimResult is a successful outcome. Duplicate marks the forensic case
// where the transfer succeeded but another path recorded first.
type ClaimResult struct {
	TxHash    string
	Duplicate bool
	Warning   string
}

// claimFailure is one terminal failure branch. retryable decides whether a
// FailureRecord is written: user/attacker errors never are.
type claimFailure struct {
	status    int
	code      string
	message   string
	txHash    string
	retryable bool
}

// ClaimService orchestrates the full claim flow.
type ClaimService struct {
	DB       *gorm.DB
	Ledger   *LedgerService
	Bans     *BanService
	Locks    *LockStore
	Pool     *WalletPool
	Executor TransferExecutor
	Auctions AuctionLookup
	Identity IdentityVerifier // nil disables social-path holder verification
	Failures *FailureQueue
	Config   ClaimConfig
}

func NewClaimService(db *gorm.DB, ledger *LedgerService, bans *BanService, locks *LockStore,
	pool *WalletPool, executor TransferExecutor, auctions AuctionLookup,
	identity IdentityVerifier, failures *FailureQueue, cfg ClaimConfig) *ClaimService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.IPClaimLimit <= 0 {
		cfg.IPClaimLimit = 10
	}
	return &ClaimService{
		DB: db, Ledger: ledger, Bans: bans, Locks: locks, Pool: pool,
		Executor: executor, Auctions: auctions, Identity: identity,
		Failures: failures, Config: cfg,
	}
}

// HandleClaim is the POST /claims handler.
func (s *ClaimService) HandleClaim(c *fiber.Ctx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("💥 [CLAIM] panic recovered: %v", r)
			err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false, "error": "internal error",
			})
		}
	}()

	var req ClaimRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false, "error": "Invalid request body", "code": CodeInvalidRequest,
		})
	}

	sessionUserID, _ := c.Locals("session_user_id").(string)
	sessionHandle, _ := c.Locals("session_handle").(string)

	identity, err := CanonicalIdentity(&req, sessionUserID, sessionHandle)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false, "error": verr.Message, "code": CodeInvalidRequest,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false, "error": "internal error",
		})
	}

	snapshot, _ := json.Marshal(req)

	// Deliberately not the request context: once a transaction is submitted
	// it is followed to confirmation even if the caller disconnects, because
	// it may still land on-chain and must be reconciled, not orphaned.
	ctx := context.Background()

	result, failure := s.Process(ctx, identity, c.IP(), string(snapshot))
	if failure != nil {
		body := fiber.Map{"success": false, "error": failure.message}
		if failure.code != "" {
			body["code"] = failure.code
		}
		if failure.txHash != "" {
			body["tx_hash"] = failure.txHash
		}
		return c.Status(failure.status).JSON(body)
	}

	body := fiber.Map{"success": true, "tx_hash": result.TxHash}
	if result.Warning != "" {
		body["warning"] = result.Warning
	}
	if result.Duplicate {
		body["duplicate"] = true
	}
	return c.JSON(body)
}

// Process runs the claim flow for a canonical identity. Shared by the HTTP
// handler and the failure retry worker.
func (s *ClaimService) Process(ctx context.Context, identity *Identity, originIP, snapshot string) (*ClaimResult, *claimFailure) {
	result, failure := s.process(ctx, identity, originIP, snapshot)
	if failure != nil && failure.retryable && s.Failures != nil {
		if _, err := s.Failures.Enqueue(&models.FailureRecord{
			UserID:          identity.UserID,
			Handle:          identity.Handle,
			SessionUserID:   identity.SessionUserID,
			Address:         identity.Address,
			AuctionID:       identity.AuctionID,
			ErrorCode:       failure.code,
			ErrorMessage:    failure.message,
			TxHash:          failure.txHash,
			RequestSnapshot: snapshot,
			OriginIP:        originIP,
		}); err != nil {
			log.Printf("❌ [CLAIM] failed to queue failure for user %d: %v", identity.UserID, err)
		}
	}
	return result, failure
}

func (s *ClaimService) process(ctx context.Context, identity *Identity, originIP, snapshot string) (*ClaimResult, *claimFailure) {
	// 1. auction window: only the single latest settled auction is claimable
	latest, err := s.Auctions.LatestSettled(ctx)
	if err != nil {
		return nil, &claimFailure{status: fiber.StatusServiceUnavailable, code: CodeUpstreamError,
			message: "Auction lookup unavailable, try again later", retryable: true}
	}
	if identity.AuctionID != latest {
		return nil, &claimFailure{status: fiber.StatusBadRequest, code: CodeInvalidAuction,
			message: "Invalid auction ID: only auction " + strconv.FormatInt(latest, 10) + " is claimable"}
	}

	// 2. deny-list and volume checks
	if err := s.Bans.CheckBanned(identity, originIP); err != nil {
		if errors.Is(err, ErrBanned) {
			return nil, &claimFailure{status: fiber.StatusForbidden, code: CodeForbidden, message: ErrBanned.Error()}
		}
		return nil, s.internalFailure("ban check failed", err)
	}
	ipClaims, err := s.Ledger.CountClaimsByIP(identity.AuctionID, originIP)
	if err != nil {
		return nil, s.internalFailure("ip volume check failed", err)
	}
	if ipClaims >= s.Config.IPClaimLimit {
		log.Printf("🚫 [CLAIM] origin %s exceeded claim volume for auction %d", originIP, identity.AuctionID)
		return nil, &claimFailure{status: fiber.StatusForbidden, code: CodeForbidden, message: ErrBanned.Error()}
	}

	// 3. social-path eligibility and address-ownership proof
	if identity.Source != SourceWeb && s.Identity != nil {
		proof, err := s.Identity.VerifyHolder(ctx, identity.UserID, identity.Handle, identity.Address)
		if err != nil {
			return nil, &claimFailure{status: fiber.StatusServiceUnavailable, code: CodeUpstreamError,
				message: "Identity verification unavailable, try again later", retryable: true}
		}
		if !proof.Eligible || !proof.OwnsAddress {
			return nil, &claimFailure{status: fiber.StatusForbidden, code: CodeForbidden,
				message: "Identity verification failed"}
		}
	}

	// 4. distributed locks: address key always, numeric-id key on the
	// social path. Contention is a concurrent duplicate, not a fault.
	lockKeys := []string{AddressLockKey(identity.Address, identity.AuctionID)}
	if identity.Source != SourceWeb {
		lockKeys = append(lockKeys, UserLockKey(identity.UserID, identity.AuctionID))
	}
	var held []string
	for _, key := range lockKeys {
		if err := s.Locks.Acquire(key, s.Config.LockTTL); err != nil {
			s.Locks.Release(held...)
			if errors.Is(err, ErrLockHeld) {
				return nil, &claimFailure{status: fiber.StatusTooManyRequests, code: CodeInProgress,
					message: "A claim for this identity is already in progress, try again shortly"}
			}
			return nil, s.internalFailure("lock acquisition failed", err)
		}
		held = append(held, key)
	}
	defer s.Locks.Release(held...)

	// 5. early duplicate check against the ledger
	existing, err := s.Ledger.FindExisting(identity.AuctionID, identity.UserID, identity.Address)
	if err != nil {
		return nil, s.internalFailure("duplicate check failed", err)
	}
	if existing != nil {
		if existing.TxHash != "" {
			return nil, &claimFailure{status: fiber.StatusBadRequest, code: CodeAlreadyClaimed,
				message: "Reward already claimed for this auction", txHash: existing.TxHash}
		}
		if err := s.Ledger.DeleteIncomplete(existing); err != nil {
			return nil, s.internalFailure("abandoned row cleanup failed", err)
		}
	}

	// 6. address-cycling detection, before a third distinct address completes
	if err := s.Bans.CheckAddressCycling(ctx, s.Ledger, identity, originIP); err != nil {
		if errors.Is(err, ErrBanned) {
			return nil, &claimFailure{status: fiber.StatusForbidden, code: CodeForbidden, message: ErrBanned.Error()}
		}
		return nil, s.internalFailure("cycling check failed", err)
	}

	// 7. borrow a signer
	amount, ok := s.Config.RewardAmounts[identity.Source]
	if !ok || amount == nil || amount.Sign() <= 0 {
		return nil, s.internalFailure("no reward amount configured for source "+identity.Source, nil)
	}
	var lease *WalletLease
	if s.Config.DirectWalletSources[identity.Source] {
		lease, err = s.Pool.Direct(identity.Source)
	} else {
		lease, err = s.Pool.Acquire(ctx, identity.Source)
	}
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			return nil, &claimFailure{status: fiber.StatusServiceUnavailable, code: CodePoolExhausted,
				message: "All reward wallets are busy, try again later", retryable: true}
		}
		return nil, s.internalFailure("wallet acquisition failed", err)
	}
	defer s.Pool.Release(lease)

	// 8. execute the transfer
	txHash, err := s.Executor.ExecuteTransfer(ctx, lease.Signer, common.HexToAddress(identity.Address), amount)
	if err != nil {
		if errors.Is(err, chain.ErrInsufficientGasFunds) || errors.Is(err, chain.ErrInsufficientTokenBalance) {
			log.Printf("🚨 [CLAIM] FATAL wallet funding error on %s: %v", lease.Signer.Address.Hex(), err)
			return nil, &claimFailure{status: fiber.StatusInternalServerError, code: CodeWalletUnfunded,
				message: "Reward wallet requires operator attention"}
		}
		log.Printf("❌ [CLAIM] transfer failed for user %d auction %d: %v", identity.UserID, identity.AuctionID, err)
		return nil, &claimFailure{status: fiber.StatusInternalServerError, code: CodeTransferFailed,
			message: "Transfer failed, queued for retry", txHash: txHash, retryable: true}
	}

	// 9. record exactly once; a unique-index collision here proves a second
	// transfer was obtained and triggers the unconditional auto-ban.
	now := time.Now()
	rec := &models.ClaimRecord{
		AuctionID:     identity.AuctionID,
		UserID:        identity.UserID,
		Handle:        identity.Handle,
		SessionUserID: identity.SessionUserID,
		Address:       identity.Address,
		TxHash:        txHash,
		RewardAmount:  amount.String(),
		ClaimSource:   identity.Source,
		OriginIP:      originIP,
		ClaimedAt:     &now,
	}
	recorded, err := s.Ledger.Record(rec)
	if err != nil {
		return nil, s.internalFailure("ledger write failed", err)
	}

	switch recorded.Outcome {
	case RecordDuplicate:
		hashes := []string{txHash}
		if recorded.Existing != nil && recorded.Existing.TxHash != "" {
			hashes = append([]string{recorded.Existing.TxHash}, hashes...)
		}
		s.Bans.BanForDuplicateTransfer(ctx, identity, hashes, originIP)
		// the transfer did happen: the caller still sees success, flagged
		// for monitoring
		return &ClaimResult{TxHash: txHash, Duplicate: true}, nil
	case RecordDegraded:
		log.Printf("⚠️ [CLAIM] transfer %s confirmed but ledger degraded for user %d", txHash, identity.UserID)
		if s.Failures != nil {
			if _, qerr := s.Failures.Enqueue(&models.FailureRecord{
				UserID: identity.UserID, Handle: identity.Handle,
				SessionUserID: identity.SessionUserID, Address: identity.Address,
				AuctionID: identity.AuctionID, ErrorCode: CodeLedgerDegraded,
				ErrorMessage:    "on-chain transfer confirmed, ledger write failed",
				TxHash:          txHash,
				RequestSnapshot: snapshot,
				OriginIP:        originIP,
			}); qerr != nil {
				log.Printf("❌ [CLAIM] failed to queue reconciliation record: %v", qerr)
			}
		}
		return &ClaimResult{TxHash: txHash, Warning: "claim recorded with degraded bookkeeping"}, nil
	default:
		log.Printf("✅ [CLAIM] user %d claimed auction %d — tx %s", identity.UserID, identity.AuctionID, txHash)
		return &ClaimResult{TxHash: txHash}, nil
	}
}

func (s *ClaimService) internalFailure(msg string, err error) *claimFailure {
	if err != nil {
		log.Printf("❌ [CLAIM] %s: %v", msg, err)
	} else {
		log.Printf("❌ [CLAIM] %s", msg)
	}
	return &claimFailure{status: fiber.StatusInternalServerError, code: CodeUpstreamError,
		message: "Internal error, queued for retry", retryable: true}
}

// RetryClaim replays a queued failure through the same flow. Used by the
// retry worker.
func (s *ClaimService) RetryClaim(ctx context.Context, f models.FailureRecord) error {
	var req ClaimRequest
	source := ""
	if f.RequestSnapshot != "" {
		if err := json.Unmarshal([]byte(f.RequestSnapshot), &req); err == nil {
			source = req.ClaimSource
		}
	}
	if source == "" {
		if f.SessionUserID != "" {
			source = SourceWeb
		} else {
			source = SourceMiniApp
		}
	}
	identity := &Identity{
		UserID:        f.UserID,
		Handle:        f.Handle,
		SessionUserID: f.SessionUserID,
		Address:       f.Address,
		AuctionID:     f.AuctionID,
		Source:        source,
	}
	_, failure := s.Process(ctx, identity, f.OriginIP, f.RequestSnapshot)
	if failure != nil {
		return errors.New(failure.message)
	}
	return nil
}

// HandleClaimStatus answers GET /claims/status?user_id=&auction_id=.
func (s *ClaimService) HandleClaimStatus(c *fiber.Ctx) error {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid user_id parameter"})
	}
	auctionID, err := strconv.ParseInt(c.Query("auction_id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid auction_id parameter"})
	}

	claimed, txHash, err := s.Ledger.HasClaimed(auctionID, userID)
	if err != nil {
		log.Printf("DB Error fetching claim status: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	body := fiber.Map{"claimed": claimed}
	if txHash != "" {
		body["tx_hash"] = txHash
	}
	return c.JSON(body)
}

// HandleHealth answers GET /healthz with a DB liveness probe.
func (s *ClaimService) HandleHealth(c *fiber.Ctx) error {
	sqlDB, err := s.DB.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
