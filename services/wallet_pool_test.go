package services

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"claim-processor/chain"
	"claim-processor/models"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testSigner(t *testing.T) *chain.Signer {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	return &chain.Signer{
		Key:     key,
		Address: gethcrypto.PubkeyToAddress(key.PublicKey),
	}
}

func newTestPool(t *testing.T, db *gorm.DB, purpose string, n int) *WalletPool {
	t.Helper()
	signers := make([]*chain.Signer, 0, n)
	for i := 0; i < n; i++ {
		signers = append(signers, testSigner(t))
	}
	return NewWalletPool(db, map[string][]*chain.Signer{purpose: signers},
		200*time.Millisecond, 20*time.Millisecond)
}

func leaseCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.WalletLease{}).Count(&n).Error; err != nil {
		t.Errorf("lease count query failed: %v", err)
	}
	return n
}

func TestPoolAcquireMarksSignerBusy(t *testing.T) {
	db := newTestDB(t)
	pool := newTestPool(t, db, SourceMiniApp, 1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, SourceMiniApp)
	require.NoError(t, err)
	require.NotEmpty(t, lease.Key)
	require.EqualValues(t, 1, leaseCount(t, db))

	// the only signer is out, a second borrower times out
	_, err = pool.Acquire(ctx, SourceMiniApp)
	require.ErrorIs(t, err, ErrPoolExhausted)

	pool.Release(lease)
	require.EqualValues(t, 0, leaseCount(t, db))

	_, err = pool.Acquire(ctx, SourceMiniApp)
	require.NoError(t, err)
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	pool := newTestPool(t, db, SourceWeb, 1)

	lease, err := pool.Acquire(context.Background(), SourceWeb)
	require.NoError(t, err)

	pool.Release(lease)
	pool.Release(lease)
	pool.Release(nil)
	require.EqualValues(t, 0, leaseCount(t, db))
}

func TestPoolPurposesDoNotContend(t *testing.T) {
	db := newTestDB(t)
	pool := NewWalletPool(db, map[string][]*chain.Signer{
		SourceMiniApp: {testSigner(t)},
		SourceWeb:     {testSigner(t)},
	}, 200*time.Millisecond, 20*time.Millisecond)
	ctx := context.Background()

	_, err := pool.Acquire(ctx, SourceMiniApp)
	require.NoError(t, err)
	_, err = pool.Acquire(ctx, SourceWeb)
	require.NoError(t, err)
}

func TestPoolDirectBypass(t *testing.T) {
	db := newTestDB(t)

	single := newTestPool(t, db, SourceMobile, 1)
	lease, err := single.Direct(SourceMobile)
	require.NoError(t, err)
	require.Empty(t, lease.Key)
	require.EqualValues(t, 0, leaseCount(t, db))
	single.Release(lease) // no bookkeeping to undo

	multi := newTestPool(t, db, SourceMiniApp, 2)
	_, err = multi.Direct(SourceMiniApp)
	require.Error(t, err)

	_, err = multi.Direct("unknown_purpose")
	require.ErrorIs(t, err, ErrPoolExhausted)
}

// TestPoolLeaseConservation injects random mid-flight failures between
// acquire and release and checks the two properties that matter: leased
// count never exceeds pool size, and nothing leaks once all workers finish.
func TestPoolLeaseConservation(t *testing.T) {
	db := newTestDB(t)
	const poolSize = 3
	pool := newTestPool(t, db, SourceMiniApp, poolSize)
	rng := rand.New(rand.NewSource(7))

	steps := make([]time.Duration, 64)
	for i := range steps {
		steps[i] = time.Duration(rng.Intn(5)) * time.Millisecond
	}

	var overCommitted atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				lease, err := pool.Acquire(context.Background(), SourceMiniApp)
				if err != nil {
					continue // exhausted under contention is fine
				}
				if leaseCount(t, db) > poolSize {
					overCommitted.Store(true)
				}
				func() {
					defer func() { _ = recover() }()
					defer pool.Release(lease) // release survives the injected failure
					time.Sleep(steps[(worker*5+j)%len(steps)])
					if (worker+j)%3 == 0 {
						panic("injected mid-flight failure")
					}
				}()
			}
		}(i)
	}
	wg.Wait()

	require.False(t, overCommitted.Load(), "leased wallets exceeded pool size")
	require.EqualValues(t, 0, leaseCount(t, db), "every acquired lease must be released")
}

func TestPoolReapStale(t *testing.T) {
	db := newTestDB(t)
	pool := newTestPool(t, db, SourceMiniApp, 1)

	require.NoError(t, db.Create(&models.WalletLease{
		SignerAddress: "0x000000000000000000000000000000000000dead",
		LeaseKey:      "11111111-1111-1111-1111-111111111111",
		Purpose:       SourceMiniApp,
		AcquiredAt:    time.Now().Add(-time.Hour),
	}).Error)

	n, err := pool.ReapStale()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
