// Package contentstore uploads certificate payloads to a Pinata-compatible
// IPFS pinning endpoint.
package contentstore

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
)

// DefaultEndpoint is the Pinata pin-file API.
const DefaultEndpoint = "https://api.pinata.cloud/pinning/pinFileToIPFS"

// UploadError reports a non-2xx response from the pinning endpoint.
type UploadError struct {
	Status int
	Body   string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("contentstore: upload failed: status %d: %s", e.Status, e.Body)
}

// Client is a synchronous, non-retrying pinning client. Retries, if desired,
// belong to the caller.
type Client struct {
	endpoint string
	jwt      string
	http     *http.Client
}

// NewClient builds a client for the endpoint using bearer-JWT auth.
func NewClient(endpoint, jwt string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	jwt = strings.TrimSpace(jwt)
	if jwt == "" {
		return nil, fmt.Errorf("contentstore: pinning jwt required")
	}
	return &Client{
		endpoint: endpoint,
		jwt:      jwt,
		http:     &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Upload pins the blob and returns its content identifier.
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("contentstore: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("contentstore: write form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("contentstore: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("contentstore: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.jwt)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("contentstore: post file: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("contentstore: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UploadError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("contentstore: decode response: %w", err)
	}
	if strings.TrimSpace(parsed.IpfsHash) == "" {
		return "", fmt.Errorf("contentstore: response missing IpfsHash")
	}
	return parsed.IpfsHash, nil
}
