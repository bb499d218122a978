package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Facilitator is a typed client for an x402 facilitator service.
type Facilitator struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewFacilitator(baseURL string) *Facilitator {
	return &Facilitator{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type verifyRequest struct {
	X402Version         int          `json:"x402Version"`
	PaymentPayload      *Payload     `json:"paymentPayload"`
	PaymentRequirements Requirements `json:"paymentRequirements"`
}

func (f *Facilitator) Verify(ctx context.Context, payload *Payload, reqs Requirements) (*VerifyResponse, error) {
	return postJSON[VerifyResponse](ctx, f, "/verify", verifyRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
}

func (f *Facilitator) Settle(ctx context.Context, payload *Payload, reqs Requirements) (*SettleResponse, error) {
	return postJSON[SettleResponse](ctx, f, "/settle", verifyRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
}

func (f *Facilitator) Supported(ctx context.Context) (*SupportedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/supported", nil)
	if err != nil {
		return nil, err
	}
	return doJSON[SupportedResponse](f, req)
}

func postJSON[T any](ctx context.Context, f *Facilitator, path string, in any) (*T, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON[T](f, req)
}

func doJSON[T any](f *Facilitator, req *http.Request) (*T, error) {
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, fmt.Errorf("facilitator %s: http %d: %v", req.URL.Path, resp.StatusCode, errBody)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
