// Package keystoreclient is the boundary to the keystore service that holds
// TEE-derived master keys and decrypts user secrets (spec §1(c), §4.6,
// §4.7). The coordinator forwards the requesting account identity; the
// keystore itself evaluates nothing — access-condition evaluation lives in
// internal/secrets, upstream of this call.
package keystoreclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type Client interface {
	// Encrypt returns ciphertext for plaintext scoped to (projectID, accountID).
	Encrypt(ctx context.Context, projectID, accountID string, plaintext []byte) ([]byte, error)
	// Decrypt reverses Encrypt. Used both for storage-record reads and for
	// secrets-profile decryption ahead of an execute job.
	Decrypt(ctx context.Context, projectID, accountID string, ciphertext []byte) ([]byte, error)
}

type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{BaseURL: baseURL, HTTP: httpClient}
}

type cryptoRequest struct {
	ProjectID string `json:"project_id"`
	AccountID string `json:"account_id"`
	Data      []byte `json:"data"`
}

type cryptoResponse struct {
	Data  []byte `json:"data"`
	Error string `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, path string, req cryptoRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("keystoreclient: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("keystoreclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("keystoreclient: do: %w", err)
	}
	defer resp.Body.Close()

	var cr cryptoResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("keystoreclient: decode: %w", err)
	}
	if cr.Error != "" {
		return nil, fmt.Errorf("keystoreclient: %s", cr.Error)
	}
	return cr.Data, nil
}

func (c *HTTPClient) Encrypt(ctx context.Context, projectID, accountID string, plaintext []byte) ([]byte, error) {
	return c.do(ctx, "/encrypt", cryptoRequest{ProjectID: projectID, AccountID: accountID, Data: plaintext})
}

func (c *HTTPClient) Decrypt(ctx context.Context, projectID, accountID string, ciphertext []byte) ([]byte, error) {
	return c.do(ctx, "/decrypt", cryptoRequest{ProjectID: projectID, AccountID: accountID, Data: ciphertext})
}
