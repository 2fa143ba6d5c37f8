// Package actuate opens gates through an HTTP relay controller.
package actuate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/telemetry"
)

type openRequest struct {
	TenantID string `json:"tenant_id"`
	Method   string `json:"method"`
}

// Relay posts to {base}/v1/gates/{tenant}/open. The idempotency key lets the
// controller drop a repeated request; a 409 means it already ran.
type Relay struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewRelay(baseURL, token string, client *http.Client) (*Relay, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	return &Relay{baseURL: trimmed, token: strings.TrimSpace(token), client: telemetry.InstrumentClient(client)}, nil
}

func (r *Relay) Actuate(ctx context.Context, tenantID, method, idempotencyKey string) error {
	payload, err := json.Marshal(openRequest{TenantID: tenantID, Method: method})
	if err != nil {
		return fmt.Errorf("encode open request: %w", err)
	}
	endpoint := r.baseURL + "/v1/gates/" + url.PathEscape(tenantID) + "/open"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build open request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Idempotency-Key", idempotencyKey)
	if r.token != "" {
		request.Header.Set("Authorization", "Bearer "+r.token)
	}
	response, err := r.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: relay: %v", ports.ErrUnavailable, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	switch {
	case response.StatusCode >= 200 && response.StatusCode <= 299, response.StatusCode == http.StatusConflict:
		return nil
	case response.StatusCode == http.StatusRequestTimeout, response.StatusCode == http.StatusTooManyRequests, response.StatusCode >= 500:
		return fmt.Errorf("%w: relay status %d", ports.ErrUnavailable, response.StatusCode)
	default:
		return fmt.Errorf("%w: relay status %d: %s", ports.ErrRejected, response.StatusCode, strings.TrimSpace(string(body)))
	}
}
