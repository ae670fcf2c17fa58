// services/validator.go
package services

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Claim sources. Each source selects a reward-amount policy and a wallet
// pool partition.
const (
	SourceMiniApp = "mini_app"
	SourceMobile  = "mobile"
	SourceWeb     = "web"
)

// ClaimRequest is the raw inbound payload.
type ClaimRequest struct {
	NumericID        int64  `json:"numeric_id"`
	Address          string `json:"address"`
	AuctionID        int64  `json:"auction_id"`
	Handle           string `json:"handle"`
	RewardContextURL string `json:"reward_context_url"`
	ClaimSource      string `json:"claim_source"`
}

// Identity is the canonical form every downstream component consumes.
// Exactly one identity scheme is authoritative per source: the social paths
// carry a verified positive numeric id, the web path a verified session user
// id plus a synthesized negative numeric id so the ledger keeps one shape.
type Identity struct {
	UserID        int64
	Handle        string
	SessionUserID string
	Address       string
	AuctionID     int64
	Source        string
}

// ValidationError marks user/attacker input errors. Never retried, never
// queued.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// CanonicalIdentity normalizes a raw request into an Identity or fails with
// a *ValidationError. sessionUserID/sessionHandle come from the session
// middleware and are required on the web path only.
func CanonicalIdentity(req *ClaimRequest, sessionUserID, sessionHandle string) (*Identity, error) {
	if req == nil {
		return nil, validationErrorf("Missing request body")
	}

	source := strings.TrimSpace(req.ClaimSource)
	switch source {
	case SourceMiniApp, SourceMobile, SourceWeb:
	case "":
		return nil, validationErrorf("Missing required field: claim_source")
	default:
		return nil, validationErrorf("Unknown claim_source: %s", source)
	}

	address := strings.TrimSpace(req.Address)
	if address == "" {
		return nil, validationErrorf("Missing required field: address")
	}
	if !common.IsHexAddress(address) {
		return nil, validationErrorf("Invalid destination address: %s", address)
	}
	address = common.HexToAddress(address).Hex()

	if req.AuctionID <= 0 {
		return nil, validationErrorf("Missing required field: auction_id")
	}

	identity := &Identity{
		Address:   address,
		AuctionID: req.AuctionID,
		Source:    source,
	}

	if source == SourceWeb {
		if sessionUserID == "" {
			return nil, validationErrorf("Missing verified session for web claim")
		}
		identity.SessionUserID = sessionUserID
		identity.Handle = strings.TrimSpace(sessionHandle)
		identity.UserID = SynthesizedWebID(address)
		return identity, nil
	}

	// social paths: numeric id, handle and address are all required
	if req.NumericID <= 0 {
		return nil, validationErrorf("Missing or invalid required field: numeric_id")
	}
	handle := strings.TrimSpace(req.Handle)
	if handle == "" {
		return nil, validationErrorf("Missing required field: handle")
	}
	identity.UserID = req.NumericID
	identity.Handle = handle
	return identity, nil
}

// SynthesizedWebID derives a deterministic negative numeric id from the
// destination address so web claims share the social ledger schema without
// ever colliding with a real positive social id.
func SynthesizedWebID(address string) int64 {
	sum := gethcrypto.Keccak256([]byte(strings.ToLower(address)))
	id := int64(binary.BigEndian.Uint64(sum[:8]) >> 1) // 63 bits, always >= 0
	if id == 0 {
		id = 1
	}
	return -id
}
