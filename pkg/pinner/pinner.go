// Package pinner uploads document bytes to a Pinata-compatible IPFS pinning
// service and returns the content identifier. The service is an external
// collaborator: upload bytes, get back a CID.
package pinner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
)

type Client struct {
	BaseURL    string
	JWT        string
	HTTPClient *http.Client
}

func New(baseURL, jwt string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		JWT:        jwt,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// Pin uploads data under name and returns the CID the service assigned.
// The CID is validated before it is trusted anywhere else; the locator is
// otherwise opaque to this service.
func (c *Client) Pin(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/pinning/pinFileToIPFS", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+c.JWT)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pin upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("pin upload: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("pin upload: decode response: %w", err)
	}
	if _, err := cid.Decode(out.IpfsHash); err != nil {
		return "", fmt.Errorf("pin upload: service returned malformed CID %q: %w", out.IpfsHash, err)
	}
	return out.IpfsHash, nil
}
