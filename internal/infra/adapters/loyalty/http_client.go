package loyalty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tablebook-referrals/internal/domain/ports/adapter"
	"tablebook-referrals/internal/infra/logging"
)

var _ adapter.LoyaltyClient = (*HTTPClient)(nil)

// ErrRejected is returned when the loyalty service refuses a credit outright.
// Retrying the same request will not help.
var ErrRejected = errors.New("loyalty: credit rejected")

// HTTPClient posts point credits to the loyalty service.
// POST {base}/v1/points/credit with a service bearer token.
type HTTPClient struct {
	BaseURL string
	Token   string
	Client  *http.Client

	log *zerolog.Logger
}

type creditBody struct {
	UserID       string `json:"userId"`
	Points       int64  `json:"points"`
	Reason       string `json:"reason"`
	RedemptionID string `json:"redemptionId"`
	Party        string `json:"party"`
}

func NewHTTPClient(baseURL, token string, timeout time.Duration, logger *zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		log:     logging.Component(logger, "loyalty_http"),
	}
}

func (c *HTTPClient) Name() string { return "http" }

func (c *HTTPClient) Credit(ctx context.Context, req adapter.CreditRequest) error {
	payload, err := json.Marshal(creditBody{
		UserID:       req.UserID,
		Points:       req.Points,
		Reason:       req.Reason,
		RedemptionID: req.RedemptionID,
		Party:        string(req.Party),
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/points/credit", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if tid := logging.TraceIDFrom(ctx); tid != "" {
		httpReq.Header.Set("X-Trace-ID", tid)
	}

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("loyalty credit: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	// a replayed key that was already applied
	case resp.StatusCode == http.StatusConflict:
		c.log.Debug().Str("idempotency_key", req.IdempotencyKey).Msg("credit already applied")
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		c.log.Error().Int("status", resp.StatusCode).Str("body", string(body)).Str("idempotency_key", req.IdempotencyKey).Msg("loyalty rejected credit")
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("loyalty credit: status %d", resp.StatusCode)
	}
}
