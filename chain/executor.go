// chain/executor.go
package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrInsufficientGasFunds means the signer cannot pay gas. Operator
	// intervention required, never retried.
	ErrInsufficientGasFunds = errors.New("signer has insufficient native balance for gas")
	// ErrInsufficientTokenBalance means the signer holds fewer reward tokens
	// than one payout. Operator intervention required, never retried.
	ErrInsufficientTokenBalance = errors.New("signer has insufficient token balance")
	// ErrReceiptTimeout means the bounded receipt wait expired and a direct
	// receipt lookup also came back empty.
	ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")
)

// ExecutorConfig carries the empirically-chosen knobs. Zero values fall back
// to the defaults below.
type ExecutorConfig struct {
	MaxAttempts   int           // submission attempts per step
	BackoffBase   time.Duration // first retry delay, doubled per attempt
	ReceiptWait   time.Duration // bounded wait for one receipt
	ReceiptPoll   time.Duration
	GasLimit      uint64
	MinGasBalance *big.Int // native-balance floor below which the signer is considered unfunded
}

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
	defaultReceiptWait = 45 * time.Second
	defaultReceiptPoll = 2 * time.Second
	defaultGasLimit    = 300_000

	// Gas pricing: suggested price +30%, plus a further +20% per retry so a
	// replacement is never underpriced against our own stuck submission.
	gasBumpBasePercent   = 130
	gasBumpPerAttemptPct = 20
)

// Executor submits and confirms reward transfers for one chain.
type Executor struct {
	client  Client
	chainID *big.Int
	cfg     ExecutorConfig
}

func NewExecutor(client Client, chainID *big.Int, cfg ExecutorConfig) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.ReceiptWait <= 0 {
		cfg.ReceiptWait = defaultReceiptWait
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = defaultReceiptPoll
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if cfg.MinGasBalance == nil {
		// 0.005 native units at 18 decimals
		cfg.MinGasBalance = new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil))
	}
	return &Executor{client: client, chainID: chainID, cfg: cfg}
}

// GasPriceForAttempt escalates the suggested price per retry. Strictly
// monotonic in the attempt number.
func GasPriceForAttempt(suggested *big.Int, attempt int) *big.Int {
	pct := big.NewInt(int64(gasBumpBasePercent + gasBumpPerAttemptPct*attempt))
	price := new(big.Int).Mul(suggested, pct)
	return price.Div(price, big.NewInt(100))
}

// ExecuteTransfer pays amount of the signer's reward token to dest through
// the bound distributor contract. Returns the transaction hash on success.
//
// The caller owns the signer lease; the executor never touches pool state.
func (e *Executor) ExecuteTransfer(ctx context.Context, signer *Signer, dest common.Address, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("reward amount must be positive")
	}

	if err := e.checkFunding(ctx, signer, amount); err != nil {
		return "", err
	}
	if err := e.ensureAllowance(ctx, signer, amount); err != nil {
		return "", fmt.Errorf("approval step failed: %w", err)
	}

	calldata := DistributeCalldata([]common.Address{dest}, []*big.Int{amount})

	var txHash common.Hash
	err := withRetry(ctx, e.cfg.MaxAttempts, e.cfg.BackoffBase, IsTransient, func(attempt int) error {
		hash, err := e.submitAndConfirm(ctx, signer, signer.Distributor, calldata, attempt)
		if err != nil {
			log.Printf("⚠️ [CHAIN] transfer attempt %d via %s failed: %v", attempt, signer.Address.Hex(), err)
			return err
		}
		txHash = hash
		return nil
	})
	if err != nil {
		return "", err
	}
	return txHash.Hex(), nil
}

func (e *Executor) checkFunding(ctx context.Context, signer *Signer, amount *big.Int) error {
	native, err := e.client.BalanceAt(ctx, signer.Address, nil)
	if err != nil {
		return fmt.Errorf("native balance check failed: %w", err)
	}
	if native.Cmp(e.cfg.MinGasBalance) < 0 {
		log.Printf("🚨 [CHAIN] signer %s below gas floor (%s wei)", signer.Address.Hex(), native.String())
		return ErrInsufficientGasFunds
	}

	tokens, err := TokenBalance(ctx, e.client, signer.Token, signer.Address)
	if err != nil {
		return fmt.Errorf("token balance check failed: %w", err)
	}
	if tokens.Cmp(amount) < 0 {
		log.Printf("🚨 [CHAIN] signer %s holds %s tokens, needs %s", signer.Address.Hex(), tokens.String(), amount.String())
		return ErrInsufficientTokenBalance
	}
	return nil
}

// ensureAllowance grants the distributor spending rights when the current
// allowance is short. An apparent timeout re-reads the allowance before
// concluding failure: the approval may have been mined regardless.
func (e *Executor) ensureAllowance(ctx context.Context, signer *Signer, amount *big.Int) error {
	allowance, err := TokenAllowance(ctx, e.client, signer.Token, signer.Address, signer.Distributor)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	// Approve a large batch worth of payouts so this path stays cold.
	grant := new(big.Int).Mul(amount, big.NewInt(10_000))
	calldata := ApproveCalldata(signer.Distributor, grant)

	return withRetry(ctx, e.cfg.MaxAttempts, e.cfg.BackoffBase, IsTransient, func(attempt int) error {
		_, err := e.submitAndConfirm(ctx, signer, signer.Token, calldata, attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrReceiptTimeout) {
			current, rerr := TokenAllowance(ctx, e.client, signer.Token, signer.Address, signer.Distributor)
			if rerr == nil && current.Cmp(amount) >= 0 {
				log.Printf("✅ [CHAIN] approval for %s confirmed on re-read after wait timeout", signer.Address.Hex())
				return nil
			}
		}
		return err
	})
}

// submitAndConfirm builds, signs and sends one transaction with a fresh
// nonce, then follows it to a receipt. A nonce is never cached between
// attempts: a stale nonce under concurrent retries is a correctness hazard.
func (e *Executor) submitAndConfirm(ctx context.Context, signer *Signer, to common.Address, calldata []byte, attempt int) (common.Hash, error) {
	nonce, err := e.client.PendingNonceAt(ctx, signer.Address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce lookup failed: %w", err)
	}
	suggested, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price lookup failed: %w", err)
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      e.cfg.GasLimit,
		GasPrice: GasPriceForAttempt(suggested, attempt),
		Data:     calldata,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(e.chainID), signer.Key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	hash := signed.Hash()
	log.Printf("📤 [CHAIN] submitted %s (nonce %d, attempt %d)", hash.Hex(), nonce, attempt)

	receipt, err := e.waitMined(ctx, hash)
	if err != nil {
		return hash, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("transaction %s execution reverted", hash.Hex())
	}
	return hash, nil
}

// waitMined polls for a receipt within the bounded wait. On expiry it asks
// the node one final time directly: a local wait timeout is not proof of
// on-chain failure.
func (e *Executor) waitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	deadline := time.NewTimer(e.cfg.ReceiptWait)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Printf("⚠️ [CHAIN] receipt poll for %s: %v", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			// reconcile against the source of truth before giving up
			receipt, err := e.client.TransactionReceipt(ctx, hash)
			if err == nil && receipt != nil {
				return receipt, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}
