package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultAuthorityTimeout bounds the remote validation call. Past it the
// caller treats the authority as unreachable, never as an authoritative
// rejection.
const DefaultAuthorityTimeout = 5 * time.Second

// AuthorityClient talks to the remote license authority.
type AuthorityClient struct {
	baseURL string
	client  *http.Client
}

func NewAuthorityClient(baseURL string, timeout time.Duration) *AuthorityClient {
	if timeout <= 0 {
		timeout = DefaultAuthorityTimeout
	}
	return &AuthorityClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type validateRequest struct {
	LicenseKey string `json:"license_key"`
	NodeType   string `json:"node_type"`
	Timestamp  int64  `json:"timestamp"`
}

// ValidateResponse is the authority's wire format for a validation.
type ValidateResponse struct {
	Valid    bool     `json:"valid"`
	Tier     string   `json:"tier"`
	Features []string `json:"features"`
	Usage    struct {
		Current int64 `json:"current"`
	} `json:"usage"`
	Limits struct {
		Monthly   int64 `json:"monthly"`
		BatchSize int64 `json:"batch_size"`
		APICalls  int64 `json:"api_calls"`
	} `json:"limits"`
	Expires int64 `json:"expires"`
}

type usageRequest struct {
	LicenseKey string `json:"license_key"`
	Operation  string `json:"operation"`
	Count      int64  `json:"count"`
	Timestamp  int64  `json:"timestamp"`
}

// Validate asks the authority about a key. A transport failure, timeout,
// or server error comes back wrapped in ErrAuthorityUnreachable; a parsed
// response with Valid=false is the authoritative rejection and is the
// caller's to map.
func (a *AuthorityClient) Validate(ctx context.Context, licenseKey, scope string) (*ValidateResponse, error) {
	body, err := json.Marshal(validateRequest{
		LicenseKey: licenseKey,
		NodeType:   scope,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sentimetry-cloud/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorityUnreachable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed ValidateResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("%w: malformed response: %v", ErrAuthorityUnreachable, err)
		}
		return &parsed, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The authority answered and said no.
		return &ValidateResponse{Valid: false}, nil
	default:
		return nil, fmt.Errorf("%w: status %d", ErrAuthorityUnreachable, resp.StatusCode)
	}
}

// RecordUsage posts a fire-and-forget usage record. Callers run this off
// the request path and only log failures.
func (a *AuthorityClient) RecordUsage(ctx context.Context, licenseKey, operation string, count int64) error {
	body, err := json.Marshal(usageRequest{
		LicenseKey: licenseKey,
		Operation:  operation,
		Count:      count,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal usage request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/usage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sentimetry-cloud/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("usage endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
