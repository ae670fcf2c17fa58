// chain/erc20.go
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Hand-packed ERC-20 / distributor calldata. The contract surface is three
// view calls and two state-changing calls, not worth an abigen binding.
var (
	selBalanceOf        = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
	selAllowance        = gethcrypto.Keccak256([]byte("allowance(address,address)"))[:4]
	selApprove          = gethcrypto.Keccak256([]byte("approve(address,uint256)"))[:4]
	selDistributeTokens = gethcrypto.Keccak256([]byte("distributeTokens(address[],uint256[])"))[:4]
)

func padAddress(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func padBig(x *big.Int) []byte {
	return common.LeftPadBytes(x.Bytes(), 32)
}

func callUint(ctx context.Context, c Client, to common.Address, data []byte) (*big.Int, error) {
	res, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(res), nil
}

// TokenBalance returns balanceOf(owner) on the given token.
func TokenBalance(ctx context.Context, c Client, token, owner common.Address) (*big.Int, error) {
	data := append(append([]byte{}, selBalanceOf...), padAddress(owner)...)
	bal, err := callUint(ctx, c, token, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf() call failed: %w", err)
	}
	return bal, nil
}

// TokenAllowance returns allowance(owner, spender) on the given token.
func TokenAllowance(ctx context.Context, c Client, token, owner, spender common.Address) (*big.Int, error) {
	data := append(append([]byte{}, selAllowance...), padAddress(owner)...)
	data = append(data, padAddress(spender)...)
	allowance, err := callUint(ctx, c, token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance() call failed: %w", err)
	}
	return allowance, nil
}

// ApproveCalldata encodes approve(spender, amount).
func ApproveCalldata(spender common.Address, amount *big.Int) []byte {
	data := append(append([]byte{}, selApprove...), padAddress(spender)...)
	return append(data, padBig(amount)...)
}

// DistributeCalldata encodes distributeTokens(recipients, amounts), the
// distributor's batched transfer entry point.
func DistributeCalldata(recipients []common.Address, amounts []*big.Int) []byte {
	// head: two dynamic-array offsets; tail: length-prefixed elements
	headWords := 2
	offset1 := headWords * 32
	offset2 := offset1 + 32*(1+len(recipients))

	data := append([]byte{}, selDistributeTokens...)
	data = append(data, padBig(big.NewInt(int64(offset1)))...)
	data = append(data, padBig(big.NewInt(int64(offset2)))...)
	data = append(data, padBig(big.NewInt(int64(len(recipients))))...)
	for _, r := range recipients {
		data = append(data, padAddress(r)...)
	}
	data = append(data, padBig(big.NewInt(int64(len(amounts))))...)
	for _, a := range amounts {
		data = append(data, padBig(a)...)
	}
	return data
}
