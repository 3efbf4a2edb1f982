package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/platefast/ordercore/internal/payment/application"
	"github.com/platefast/ordercore/internal/payment/domain"
)

// Client talks to the external card provider. Every charge carries an
// Idempotency-Key header so provider-side retries are safe.
type Client struct {
	log     *slog.Logger
	baseURL string
	hc      *http.Client
}

func NewClient(log *slog.Logger, baseURL string, timeout time.Duration) *Client {
	return &Client{
		log:     log,
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
	}
}

type chargeBody struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
}

type chargeReply struct {
	Approved  bool   `json:"approved"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

func (c *Client) Charge(ctx context.Context, req application.ChargeRequest) (application.ChargeResult, error) {
	body, err := json.Marshal(chargeBody{OrderID: req.OrderID, AmountCents: req.AmountCents})
	if err != nil {
		return application.ChargeResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return application.ChargeResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return application.ChargeResult{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return application.ChargeResult{}, fmt.Errorf("%w: provider returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPaymentRequired:
		// 402 carries a structured decline, same body shape as 200.
	default:
		return application.ChargeResult{}, fmt.Errorf("provider returned unexpected status %d", resp.StatusCode)
	}

	var reply chargeReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return application.ChargeResult{}, fmt.Errorf("%w: decode reply: %v", domain.ErrProviderUnavailable, err)
	}
	return application.ChargeResult{
		Approved:  reply.Approved,
		Reference: reply.Reference,
		Reason:    reply.Reason,
	}, nil
}
