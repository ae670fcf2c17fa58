// services/auction_client.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"claim-processor/utils"
)

// AuctionLookup is the "latest settled auction" collaborator. Only the
// single latest auction id is claimable.
type AuctionLookup interface {
	LatestSettled(ctx context.Context) (int64, error)
}

type AuctionClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewAuctionClient(baseURL, token string) *AuctionClient {
	return &AuctionClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  utils.HTTPClient,
	}
}

// LatestSettled calls the auction service for the current claimable id.
func (c *AuctionClient) LatestSettled(ctx context.Context) (int64, error) {
	url := fmt.Sprintf("%s/api/v1/auctions/latest-settled", c.BaseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to call auction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		log.Printf("AuctionService /latest-settled returned %d: %s", resp.StatusCode, string(body))
		return 0, fmt.Errorf("auction lookup failed: %d", resp.StatusCode)
	}

	var out struct {
		AuctionID int64 `json:"auction_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode auction response: %w", err)
	}
	if out.AuctionID <= 0 {
		return 0, fmt.Errorf("auction service returned invalid id %d", out.AuctionID)
	}
	return out.AuctionID, nil
}
