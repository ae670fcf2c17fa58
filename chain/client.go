// chain/client.go
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the subset of the Ethereum RPC used by the executor.
// *ethclient.Client satisfies it; tests substitute a fake.
type Client interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Signer is one funded pool account bound to a reward-distribution contract
// and the ERC-20 token it disburses.
type Signer struct {
	Key         *ecdsa.PrivateKey
	Address     common.Address
	Distributor common.Address
	Token       common.Address
}

// NewSigner parses a hex private key and the two bound contract addresses.
func NewSigner(privateHex, distributor, token string) (*Signer, error) {
	h := strings.TrimSpace(strings.TrimPrefix(privateHex, "0x"))
	if h == "" {
		return nil, fmt.Errorf("empty signer private key")
	}
	key, err := gethcrypto.HexToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("invalid signer private key: %w", err)
	}
	if !common.IsHexAddress(distributor) {
		return nil, fmt.Errorf("invalid distributor address %q", distributor)
	}
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token address %q", token)
	}
	return &Signer{
		Key:         key,
		Address:     gethcrypto.PubkeyToAddress(key.PublicKey),
		Distributor: common.HexToAddress(distributor),
		Token:       common.HexToAddress(token),
	}, nil
}
