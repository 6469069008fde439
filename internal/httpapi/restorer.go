package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Restorer is the external inference provider: it takes a reference to the
// original photo and returns a reference to the restored result. The call is
// opaque to the credit core.
type Restorer interface {
	Restore(ctx context.Context, originalRef string) (string, error)
}

// HTTPRestorer calls a JSON inference endpoint.
type HTTPRestorer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRestorer wires an HTTP-backed Restorer.
func NewHTTPRestorer(endpoint string, timeout time.Duration) *HTTPRestorer {
	return &HTTPRestorer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type restoreProviderRequest struct {
	Image string `json:"image"`
}

type restoreProviderResponse struct {
	Output string `json:"output"`
}

// Restore submits the original reference and returns the provider's output
// reference.
func (restorer *HTTPRestorer) Restore(ctx context.Context, originalRef string) (string, error) {
	payload, err := json.Marshal(restoreProviderRequest{Image: originalRef})
	if err != nil {
		return "", fmt.Errorf("encode restore request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, restorer.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build restore request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := restorer.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("call restore provider: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("restore provider status %d", response.StatusCode)
	}
	var decoded restoreProviderResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode restore response: %w", err)
	}
	if decoded.Output == "" {
		return "", fmt.Errorf("restore provider returned empty output")
	}
	return decoded.Output, nil
}
