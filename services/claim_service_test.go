package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"claim-processor/chain"
	"claim-processor/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeAuctions struct {
	latest int64
	err    error
}

func (f *fakeAuctions) LatestSettled(context.Context) (int64, error) { return f.latest, f.err }

type fakeVerifier struct {
	proof HolderProof
	err   error
}

func (f *fakeVerifier) ValidateSession(context.Context, string) (*SessionInfo, error) {
	return nil, errors.New("not used")
}

func (f *fakeVerifier) VerifyHolder(context.Context, int64, string, string) (*HolderProof, error) {
	if f.err != nil {
		return nil, f.err
	}
	proof := f.proof
	return &proof, nil
}

type fakeExecutor struct {
	mu      sync.Mutex
	hash    string
	err     error
	calls   int
	midCall func() // runs after submission is simulated, before return
}

func (f *fakeExecutor) ExecuteTransfer(_ context.Context, _ *chain.Signer, _ common.Address, _ *big.Int) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.midCall != nil {
		f.midCall()
	}
	return f.hash, f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type claimHarness struct {
	db       *gorm.DB
	svc      *ClaimService
	executor *fakeExecutor
	auctions *fakeAuctions
	verifier *fakeVerifier
	ledger   *LedgerService
	locks    *LockStore
	queue    *FailureQueue
}

func newClaimHarness(t *testing.T) *claimHarness {
	t.Helper()
	db := newTestDB(t)
	ledger := NewLedgerService(db)
	locks := NewLockStore(db)
	queue := NewFailureQueue(db)
	executor := &fakeExecutor{hash: "0xbbb"}
	auctions := &fakeAuctions{latest: 118}
	verifier := &fakeVerifier{proof: HolderProof{Eligible: true, OwnsAddress: true}}
	pool := NewWalletPool(db, map[string][]*chain.Signer{
		SourceMiniApp: {testSigner(t), testSigner(t)},
		SourceWeb:     {testSigner(t)},
	}, 200*time.Millisecond, 20*time.Millisecond)

	svc := NewClaimService(db, ledger, NewBanService(db, nil, 2), locks, pool,
		executor, auctions, verifier, queue, ClaimConfig{
			LockTTL: time.Minute,
			RewardAmounts: map[string]*big.Int{
				SourceMiniApp: big.NewInt(1000),
				SourceWeb:     big.NewInt(500),
			},
			IPClaimLimit:        3,
			DirectWalletSources: map[string]bool{SourceWeb: true},
		})
	return &claimHarness{
		db: db, svc: svc, executor: executor, auctions: auctions,
		verifier: verifier, ledger: ledger, locks: locks, queue: queue,
	}
}

func (h *claimHarness) failureCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.FailureRecord{}).Count(&n).Error)
	return n
}

func claimIdentity() *Identity {
	return &Identity{
		UserID:    42,
		Handle:    "alice",
		Address:   "0xAbC0000000000000000000000000000000000001",
		AuctionID: 118,
		Source:    SourceMiniApp,
	}
}

func TestClaimHappyPath(t *testing.T) {
	h := newClaimHarness(t)

	result, failure := h.svc.Process(context.Background(), claimIdentity(), "10.0.0.1", "")
	require.Nil(t, failure)
	require.Equal(t, "0xbbb", result.TxHash)
	require.False(t, result.Duplicate)
	require.Equal(t, 1, h.executor.callCount())

	claimed, hash, err := h.ledger.HasClaimed(118, 42)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, "0xbbb", hash)

	// locks and leases are gone once the claim settles
	var n int64
	require.NoError(t, h.db.Model(&models.ClaimLock{}).Count(&n).Error)
	require.Zero(t, n)
	require.NoError(t, h.db.Model(&models.WalletLease{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestClaimRepeatIsRejectedWithoutTransfer(t *testing.T) {
	h := newClaimHarness(t)
	ctx := context.Background()

	_, failure := h.svc.Process(ctx, claimIdentity(), "10.0.0.1", "")
	require.Nil(t, failure)

	_, failure = h.svc.Process(ctx, claimIdentity(), "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusBadRequest, failure.status)
	require.Equal(t, CodeAlreadyClaimed, failure.code)
	require.Equal(t, "0xbbb", failure.txHash, "the response carries the original transfer hash")

	require.Equal(t, 1, h.executor.callCount(), "no second transfer may be attempted")
	require.Zero(t, h.failureCount(t), "duplicates are not retry material")
}

func TestClaimRejectsNonLatestAuction(t *testing.T) {
	h := newClaimHarness(t)

	identity := claimIdentity()
	identity.AuctionID = 117

	_, failure := h.svc.Process(context.Background(), identity, "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusBadRequest, failure.status)
	require.Equal(t, CodeInvalidAuction, failure.code)
	require.Zero(t, h.executor.callCount())
	require.Zero(t, h.failureCount(t))
}

func TestClaimAuctionLookupOutageIsRetryable(t *testing.T) {
	h := newClaimHarness(t)
	h.auctions.err = errors.New("connection refused")

	_, failure := h.svc.Process(context.Background(), claimIdentity(), "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusServiceUnavailable, failure.status)
	require.Equal(t, CodeUpstreamError, failure.code)
	require.EqualValues(t, 1, h.failureCount(t), "upstream outages queue for retry")
}

func TestClaimBannedIdentityGetsOpaqueRefusal(t *testing.T) {
	h := newClaimHarness(t)
	require.NoError(t, h.db.Create(&models.BanRecord{UserID: 42, Reason: "seeded"}).Error)

	_, failure := h.svc.Process(context.Background(), claimIdentity(), "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusForbidden, failure.status)
	require.Equal(t, ErrBanned.Error(), failure.message)
	require.Zero(t, h.executor.callCount())
	require.Zero(t, h.failureCount(t))
}

func TestClaimHolderVerificationGates(t *testing.T) {
	h := newClaimHarness(t)
	h.verifier.proof = HolderProof{Eligible: true, OwnsAddress: false}

	_, failure := h.svc.Process(context.Background(), claimIdentity(), "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusForbidden, failure.status)
	require.Zero(t, h.executor.callCount())
	require.Zero(t, h.failureCount(t))
}

func TestClaimLockContentionFailsFast(t *testing.T) {
	h := newClaimHarness(t)
	identity := claimIdentity()

	// another in-flight claim holds the address marker
	require.NoError(t, h.locks.Acquire(AddressLockKey(identity.Address, identity.AuctionID), time.Minute))

	start := time.Now()
	_, failure := h.svc.Process(context.Background(), identity, "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusTooManyRequests, failure.status)
	require.Equal(t, CodeInProgress, failure.code)
	require.Less(t, time.Since(start), time.Second, "contention must not block")
	require.Zero(t, h.executor.callCount())
	require.Zero(t, h.failureCount(t), "contention is not a fault")
}

func TestClaimPartialLockAcquisitionRollsBack(t *testing.T) {
	h := newClaimHarness(t)
	identity := claimIdentity()

	// address marker is free, the user marker is taken
	require.NoError(t, h.locks.Acquire(UserLockKey(identity.UserID, identity.AuctionID), time.Minute))

	_, failure := h.svc.Process(context.Background(), identity, "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusTooManyRequests, failure.status)

	// the address marker acquired first must have been released
	require.NoError(t, h.locks.Acquire(AddressLockKey(identity.Address, identity.AuctionID), time.Minute))
}

func TestClaimTransferFailureQueuesForRetry(t *testing.T) {
	h := newClaimHarness(t)
	h.executor.hash = ""
	h.executor.err = errors.New("transaction was not confirmed within the wait window")

	_, failure := h.svc.Process(context.Background(), claimIdentity(), "10.0.0.1", `{"claim_source":"mini_app"}`)
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusInternalServerError, failure.status)
	require.Equal(t, CodeTransferFailed, failure.code)

	records, err := h.queue.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, CodeTransferFailed, records[0].ErrorCode)
	require.Equal(t, `{"claim_source":"mini_app"}`, records[0].RequestSnapshot)

	claimed, _, err := h.ledger.HasClaimed(118, 42)
	require.NoError(t, err)
	require.False(t, claimed, "a failed transfer must not reach the ledger")
}

func TestClaimFundingErrorIsFatalNotRetryable(t *testing.T) {
	h := newClaimHarness(t)
	h.executor.hash = ""
	h.executor.err = chain.ErrInsufficientTokenBalance

	_, failure := h.svc.Process(context.Background(), claimIdentity(), "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, CodeWalletUnfunded, failure.code)
	require.Zero(t, h.failureCount(t), "retrying cannot fix an unfunded wallet")
}

func TestClaimPoolExhaustionIsRetryable(t *testing.T) {
	h := newClaimHarness(t)
	ctx := context.Background()

	// occupy every mini_app signer
	for i := 0; i < 2; i++ {
		_, err := h.svc.Pool.Acquire(ctx, SourceMiniApp)
		require.NoError(t, err)
	}

	_, failure := h.svc.Process(ctx, claimIdentity(), "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusServiceUnavailable, failure.status)
	require.Equal(t, CodePoolExhausted, failure.code)
	require.EqualValues(t, 1, h.failureCount(t))
}

// TestClaimRaceProducingTwoTransfersBansAndFlags covers the window where a
// competing process records its claim between this process's early duplicate
// check and its ledger write: both transfers happened, the unique index
// catches it, and the identity is auto-banned with both hashes as evidence.
func TestClaimRaceProducingTwoTransfersBansAndFlags(t *testing.T) {
	h := newClaimHarness(t)
	identity := claimIdentity()

	h.executor.midCall = func() {
		// the competing claim lands while our transfer is in flight
		now := time.Now()
		err := h.db.Create(&models.ClaimRecord{
			AuctionID: 118, UserID: 42, Handle: "alice",
			Address: identity.Address, TxHash: "0xaaa",
			RewardAmount: "1000", ClaimSource: SourceMiniApp, ClaimedAt: &now,
		}).Error
		require.NoError(t, err)
	}

	result, failure := h.svc.Process(context.Background(), identity, "10.0.0.1", "")
	require.Nil(t, failure, "the transfer did go through, the caller sees success")
	require.True(t, result.Duplicate)
	require.Equal(t, "0xbbb", result.TxHash)

	var ban models.BanRecord
	require.NoError(t, h.db.Where("user_id = ?", 42).First(&ban).Error)
	require.True(t, ban.AutoBanned)
	require.Equal(t, "0xaaa,0xbbb", ban.EvidenceTxHashes, "both transfer hashes are preserved as evidence")

	// the next attempt by the same identity is refused outright
	_, failure = h.svc.Process(context.Background(), identity, "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusForbidden, failure.status)
}

func TestClaimAddressCyclingBlocksThirdAddress(t *testing.T) {
	h := newClaimHarness(t)
	ctx := context.Background()

	for i, addr := range []string{
		"0xAbC0000000000000000000000000000000000001",
		"0xAbC0000000000000000000000000000000000002",
	} {
		identity := claimIdentity()
		identity.UserID = int64(i + 1)
		identity.Address = addr
		_, failure := h.svc.Process(ctx, identity, "10.0.0.1", "")
		require.Nil(t, failure)
	}

	third := claimIdentity()
	third.UserID = 3
	third.Address = "0xAbC0000000000000000000000000000000000003"
	transfersBefore := h.executor.callCount()

	_, failure := h.svc.Process(ctx, third, "10.0.0.1", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusForbidden, failure.status)
	require.Equal(t, transfersBefore, h.executor.callCount(), "the cycling ban lands before the transfer")
}

func TestClaimIPVolumeLimit(t *testing.T) {
	h := newClaimHarness(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		identity := claimIdentity()
		identity.UserID = i
		identity.Handle = ""
		identity.Address = common.BigToAddress(big.NewInt(i)).Hex()
		_, failure := h.svc.Process(ctx, identity, "10.0.0.99", "")
		require.Nil(t, failure)
	}

	over := claimIdentity()
	over.UserID = 4
	over.Handle = ""
	over.Address = common.BigToAddress(big.NewInt(4)).Hex()
	_, failure := h.svc.Process(ctx, over, "10.0.0.99", "")
	require.NotNil(t, failure)
	require.Equal(t, fiber.StatusForbidden, failure.status)

	// a different origin is unaffected
	fresh := claimIdentity()
	fresh.UserID = 5
	fresh.Handle = ""
	fresh.Address = common.BigToAddress(big.NewInt(5)).Hex()
	_, failure = h.svc.Process(ctx, fresh, "10.0.0.100", "")
	require.Nil(t, failure)
}

func TestClaimRetryReplaysQueuedFailure(t *testing.T) {
	h := newClaimHarness(t)
	ctx := context.Background()

	h.executor.hash = ""
	h.executor.err = errors.New("nonce too low")
	snapshot := `{"numeric_id":42,"address":"0xAbC0000000000000000000000000000000000001","auction_id":118,"handle":"alice","claim_source":"mini_app"}`
	_, failure := h.svc.Process(ctx, claimIdentity(), "10.0.0.1", snapshot)
	require.NotNil(t, failure)

	records, err := h.queue.DequeueBatch(1)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// the chain recovered
	h.executor.hash = "0xbbb"
	h.executor.err = nil

	require.NoError(t, h.svc.RetryClaim(ctx, records[0]))

	claimed, hash, err := h.ledger.HasClaimed(118, 42)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, "0xbbb", hash)
}

func TestClaimHandlerEndToEnd(t *testing.T) {
	h := newClaimHarness(t)

	app := fiber.New()
	app.Post("/claims", h.svc.HandleClaim)
	app.Get("/claims/status", h.svc.HandleClaimStatus)

	body, _ := json.Marshal(ClaimRequest{
		NumericID:   42,
		Address:     "0xAbC0000000000000000000000000000000000001",
		AuctionID:   118,
		Handle:      "alice",
		ClaimSource: SourceMiniApp,
	})
	req := httptest.NewRequest(http.MethodPost, "/claims", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Success bool   `json:"success"`
		TxHash  string `json:"tx_hash"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.Equal(t, "0xbbb", out.TxHash)

	// status endpoint sees the completed claim
	req = httptest.NewRequest(http.MethodGet, "/claims/status?user_id=42&auction_id=118", nil)
	resp, err = app.Test(req, 5000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Claimed bool   `json:"claimed"`
		TxHash  string `json:"tx_hash"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.True(t, status.Claimed)
	require.Equal(t, "0xbbb", status.TxHash)

	// a malformed body never reaches the flow
	req = httptest.NewRequest(http.MethodPost, "/claims", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req, 5000)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
