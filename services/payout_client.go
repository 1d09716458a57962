// sign-bounty-system/services/payout_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"sign-bounty-system/models"
)

// PayoutClient executes transfers. Implementations must be idempotent per claim id.
type PayoutClient interface {
	RequestPayout(ctx context.Context, req models.PayoutRequest) (*models.PayoutReceipt, error)
}

// PayoutFailure is a transfer the payout service refused or could not finish.
type PayoutFailure struct {
	Reason string
}

func (f *PayoutFailure) Error() string { return "payout failed: " + f.Reason }

func (f *PayoutFailure) Unwrap() error { return models.ErrPayoutFailed }

type HTTPPayoutClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPPayoutClient(baseURL, token string) *HTTPPayoutClient {
	return &HTTPPayoutClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type payoutResponse struct {
	ReceiptID string `json:"receipt_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

// RequestPayout calls POST /payouts on the payout service.
func (c *HTTPPayoutClient) RequestPayout(ctx context.Context, reqBody models.PayoutRequest) (*models.PayoutReceipt, error) {
	url := fmt.Sprintf("%s/payouts", c.BaseURL)
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reqBody.ClaimID)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, &PayoutFailure{Reason: fmt.Sprintf("transport: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out payoutResponse
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode != http.StatusOK {
		log.Printf("[PAYOUT] payout service returned %d for claim %s: %s", resp.StatusCode, reqBody.ClaimID, string(body))
		reason := out.Reason
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, &PayoutFailure{Reason: reason}
	}
	if decodeErr != nil {
		return nil, &PayoutFailure{Reason: "malformed response"}
	}
	if strings.EqualFold(out.Status, "failed") || out.ReceiptID == "" {
		reason := out.Reason
		if reason == "" {
			reason = "no receipt"
		}
		return nil, &PayoutFailure{Reason: reason}
	}
	return &models.PayoutReceipt{ReceiptID: out.ReceiptID}, nil
}

// SandboxPayoutClient approves every transfer without moving money. It backs
// local runs where no payout service is configured.
type SandboxPayoutClient struct{}

func (SandboxPayoutClient) RequestPayout(_ context.Context, req models.PayoutRequest) (*models.PayoutReceipt, error) {
	if req.ClaimID == "" {
		return nil, &PayoutFailure{Reason: "missing claim id"}
	}
	log.Printf("[PAYOUT] sandbox transfer of %d to %s for claim %s", req.Amount, req.WorkerID, req.ClaimID)
	return &models.PayoutReceipt{ReceiptID: "sandbox-" + req.ClaimID}, nil
}

// failureReason flattens a client error into the stored reason.
func failureReason(err error) string {
	var f *PayoutFailure
	if errors.As(err, &f) {
		return f.Reason
	}
	return err.Error()
}
