// services/wallet_pool.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"claim-processor/chain"
	"claim-processor/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPoolExhausted means no signer for the purpose freed up within the wait
// window. 503-class transient failure, eligible for the retry queue.
var ErrPoolExhausted = errors.New("no wallet available for purpose")

// WalletLease is the caller's handle on one borrowed signer. A zero Key
// marks a direct (bypass) lease with no bookkeeping to undo.
type WalletLease struct {
	Key        string
	Signer     *chain.Signer
	Purpose    string
	AcquiredAt time.Time
}

type poolWallet struct {
	signer  *chain.Signer
	purpose string
}

// WalletPool lends funded signers, one per in-flight claim. Busy/free state
// lives in the wallet_leases table so exclusion holds across processes.
type WalletPool struct {
	DB         *gorm.DB
	wallets    []poolWallet
	waitWindow time.Duration
	pollStep   time.Duration
	leaseTTL   time.Duration
}

const (
	defaultPoolWaitWindow = 5 * time.Second
	defaultPoolPollStep   = 500 * time.Millisecond
	defaultLeaseTTL       = 10 * time.Minute
)

type walletPoolEntry struct {
	PrivateKey  string `json:"private_key"`
	Distributor string `json:"distributor"`
	Token       string `json:"token"`
	Purpose     string `json:"purpose"`
}

// NewWalletPoolFromEnv parses WALLET_POOL_JSON:
// [{"private_key":"...","distributor":"0x..","token":"0x..","purpose":"mini_app"}, ...]
func NewWalletPoolFromEnv(db *gorm.DB) (*WalletPool, error) {
	raw := os.Getenv("WALLET_POOL_JSON")
	if raw == "" {
		return nil, fmt.Errorf("WALLET_POOL_JSON environment variable not set")
	}
	var entries []walletPoolEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse WALLET_POOL_JSON: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("WALLET_POOL_JSON contains no wallets")
	}

	pool := &WalletPool{
		DB:         db,
		waitWindow: envSeconds("WALLET_POOL_WAIT_SECONDS", defaultPoolWaitWindow),
		pollStep:   defaultPoolPollStep,
		leaseTTL:   defaultLeaseTTL,
	}
	for i, e := range entries {
		signer, err := chain.NewSigner(e.PrivateKey, e.Distributor, e.Token)
		if err != nil {
			return nil, fmt.Errorf("wallet %d: %w", i, err)
		}
		if e.Purpose == "" {
			return nil, fmt.Errorf("wallet %d: purpose is required", i)
		}
		pool.wallets = append(pool.wallets, poolWallet{signer: signer, purpose: e.Purpose})
	}
	log.Printf("✅ Wallet pool loaded: %d signer(s)", len(pool.wallets))
	return pool, nil
}

// NewWalletPool builds a pool from pre-parsed signers (tests, tooling).
func NewWalletPool(db *gorm.DB, signers map[string][]*chain.Signer, waitWindow, pollStep time.Duration) *WalletPool {
	pool := &WalletPool{DB: db, waitWindow: waitWindow, pollStep: pollStep, leaseTTL: defaultLeaseTTL}
	if pool.waitWindow <= 0 {
		pool.waitWindow = defaultPoolWaitWindow
	}
	if pool.pollStep <= 0 {
		pool.pollStep = defaultPoolPollStep
	}
	for purpose, list := range signers {
		for _, s := range list {
			pool.wallets = append(pool.wallets, poolWallet{signer: s, purpose: purpose})
		}
	}
	return pool
}

// Size reports how many signers serve a purpose.
func (p *WalletPool) Size(purpose string) int {
	n := 0
	for _, w := range p.wallets {
		if w.purpose == purpose {
			n++
		}
	}
	return n
}

// Acquire borrows a free signer for the purpose, polling within the wait
// window. Every successful acquisition must be paired with exactly one
// Release on every exit path.
func (p *WalletPool) Acquire(ctx context.Context, purpose string) (*WalletLease, error) {
	deadline := time.Now().Add(p.waitWindow)
	for {
		for _, w := range p.wallets {
			if w.purpose != purpose {
				continue
			}
			lease := models.WalletLease{
				SignerAddress: w.signer.Address.Hex(),
				LeaseKey:      uuid.NewString(),
				Purpose:       purpose,
				AcquiredAt:    time.Now(),
			}
			res := p.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
			if res.Error != nil {
				return nil, res.Error
			}
			if res.RowsAffected > 0 {
				return &WalletLease{
					Key:        lease.LeaseKey,
					Signer:     w.signer,
					Purpose:    purpose,
					AcquiredAt: lease.AcquiredAt,
				}, nil
			}
		}
		if time.Now().After(deadline) {
			log.Printf("⚠️ [POOL] exhausted: no free %s signer within %s", purpose, p.waitWindow)
			return nil, fmt.Errorf("%w %q", ErrPoolExhausted, purpose)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollStep):
		}
	}
}

// Release returns the signer to the pool. Idempotent: a second call, or a
// call for a direct lease, is a no-op.
func (p *WalletPool) Release(lease *WalletLease) {
	if lease == nil || lease.Key == "" {
		return
	}
	if err := p.DB.Where("lease_key = ?", lease.Key).Delete(&models.WalletLease{}).Error; err != nil {
		log.Printf("❌ [POOL] failed to release lease %s: %v", lease.Key, err)
	}
}

// Direct returns the purpose's single signer without lease bookkeeping.
// Only valid when exactly one signer serves the purpose; deployments that
// do not need N-way concurrency use this bypass.
func (p *WalletPool) Direct(purpose string) (*WalletLease, error) {
	var found *chain.Signer
	for _, w := range p.wallets {
		if w.purpose != purpose {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("direct wallet requires exactly one %q signer, pool has several", purpose)
		}
		found = w.signer
	}
	if found == nil {
		return nil, fmt.Errorf("%w %q", ErrPoolExhausted, purpose)
	}
	return &WalletLease{Signer: found, Purpose: purpose, AcquiredAt: time.Now()}, nil
}

// ReapStale drops leases past the TTL; a leaked lease would otherwise shrink
// pool capacity permanently. Called by the maintenance scheduler.
func (p *WalletPool) ReapStale() (int64, error) {
	res := p.DB.Where("acquired_at < ?", time.Now().Add(-p.leaseTTL)).Delete(&models.WalletLease{})
	if res.RowsAffected > 0 {
		log.Printf("🧹 [POOL] reaped %d stale lease(s)", res.RowsAffected)
	}
	return res.RowsAffected, res.Error
}

// envSeconds reads an integer-seconds env var with a default.
func envSeconds(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	var secs int
	if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil || secs <= 0 {
		log.Printf("⚠️  Invalid %s=%q, using default %s", name, raw, def)
		return def
	}
	return time.Duration(secs) * time.Second
}
