package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Gateway sends codes through an HTTP SMS provider authenticated by API key.
// The provider contract is a single JSON POST; delivery-status polling is the
// provider's concern, not ours.
type Gateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewGateway creates a gateway sender.
func NewGateway(baseURL, apiKey string) *Gateway {
	return &Gateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type sendRequest struct {
	Receptor string `json:"receptor"`
	Token    string `json:"token"`
	Template string `json:"template"`
}

type sendResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (g *Gateway) Send(ctx context.Context, phone, code string) error {
	body, err := json.Marshal(sendRequest{Receptor: phone, Token: code, Template: "otp"})
	if err != nil {
		return fmt.Errorf("marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/sms/verify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "ApiKey "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms dispatch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var parsed sendResponse
		if json.Unmarshal(payload, &parsed) == nil && parsed.Message != "" {
			return fmt.Errorf("sms provider rejected (%d): %s", resp.StatusCode, parsed.Message)
		}
		return fmt.Errorf("sms provider rejected: status %d", resp.StatusCode)
	}
	return nil
}

var _ Sender = (*Gateway)(nil)
