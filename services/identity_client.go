// services/identity_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"claim-processor/utils"
)

// SessionInfo is what the identity provider returns for a verified web
// session: a stable user id and, optionally, a verified social handle.
type SessionInfo struct {
	UserID string `json:"user_id"`
	Handle string `json:"handle,omitempty"`
}

// HolderProof is the social-path eligibility answer.
type HolderProof struct {
	Eligible    bool `json:"eligible"`
	OwnsAddress bool `json:"owns_address"`
}

// IdentityVerifier covers both identity-provider calls the claim flow makes.
type IdentityVerifier interface {
	ValidateSession(ctx context.Context, sessionToken string) (*SessionInfo, error)
	VerifyHolder(ctx context.Context, numericID int64, handle, address string) (*HolderProof, error)
}

type IdentityClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewIdentityClient(baseURL, token string) *IdentityClient {
	return &IdentityClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  utils.HTTPClient,
	}
}

func (c *IdentityClient) post(ctx context.Context, path string, body, out interface{}) error {
	jsonData, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		log.Printf("IdentityService %s returned %d: %s", path, resp.StatusCode, string(raw))
		return fmt.Errorf("identity service call failed: %d", resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}

// ValidateSession exchanges a bearer session token for the verified identity
// behind it.
func (c *IdentityClient) ValidateSession(ctx context.Context, sessionToken string) (*SessionInfo, error) {
	var out SessionInfo
	err := c.post(ctx, "/auth/validate", map[string]interface{}{
		"session_token": sessionToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.UserID == "" {
		return nil, fmt.Errorf("identity service returned empty user id")
	}
	return &out, nil
}

// VerifyHolder asks the identity service whether the social identity is
// eligible and owns the destination address.
func (c *IdentityClient) VerifyHolder(ctx context.Context, numericID int64, handle, address string) (*HolderProof, error) {
	var out HolderProof
	err := c.post(ctx, "/holders/verify", map[string]interface{}{
		"numeric_id": numericID,
		"handle":     handle,
		"address":    address,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
