package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/0gfoundation/x402-gate/internal/payment"
)

// HTTP records payments with an external ledger service.
type HTTP struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTP(baseURL, apiKey string) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type recordResponse struct {
	LedgerID string `json:"ledgerId"`
}

func (c *HTTP) RecordPayment(ctx context.Context, p payment.Canonical) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.ClaimKey())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		// 409: already recorded under this idempotency key.
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ledger RecordPayment %s: status %d: %s", p.AuthorizationID, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out recordResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return "", fmt.Errorf("ledger RecordPayment: decode: %w", err)
	}
	return out.LedgerID, nil
}
