// Package identify calls an OCR service for plate and document captures.
package identify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
	"github.com/davidahmann/portero/core/telemetry"
)

type captureRequest struct {
	Kind      access.IdentificationKind `json:"kind"`
	SourceRef string                    `json:"source_ref"`
}

type captureResponse struct {
	RawValue       string    `json:"raw_value"`
	Confidence     float64   `json:"confidence"`
	CapturedAt     time.Time `json:"captured_at"`
	PhotoReference string    `json:"photo_reference"`
}

// HTTP posts capture requests to {base}/v1/identify. A 404 or 422 means
// nothing readable was in frame.
type HTTP struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

func NewHTTP(baseURL, token string, client *http.Client) (*HTTP, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("ocr url is required")
	}
	return &HTTP{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  telemetry.InstrumentClient(client),
		now:     time.Now,
	}, nil
}

func (c *HTTP) Identify(ctx context.Context, kind access.IdentificationKind, sourceRef string) (access.IdentificationResult, error) {
	payload, err := json.Marshal(captureRequest{Kind: kind, SourceRef: sourceRef})
	if err != nil {
		return access.IdentificationResult{}, fmt.Errorf("encode capture request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/identify", bytes.NewReader(payload))
	if err != nil {
		return access.IdentificationResult{}, fmt.Errorf("build capture request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return access.IdentificationResult{}, fmt.Errorf("%w: ocr: %v", ports.ErrUnavailable, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	switch {
	case response.StatusCode == http.StatusNotFound || response.StatusCode == http.StatusUnprocessableEntity:
		_, _ = io.Copy(io.Discard, response.Body)
		return access.IdentificationResult{}, fmt.Errorf("%w: no %s in frame", ports.ErrNotFound, kind)
	case response.StatusCode < 200 || response.StatusCode > 299:
		_, _ = io.Copy(io.Discard, response.Body)
		return access.IdentificationResult{}, fmt.Errorf("%w: ocr status %d", ports.ErrUnavailable, response.StatusCode)
	}
	var decoded captureResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&decoded); err != nil {
		return access.IdentificationResult{}, fmt.Errorf("%w: decode ocr response: %v", ports.ErrUnavailable, err)
	}
	if strings.TrimSpace(decoded.RawValue) == "" {
		return access.IdentificationResult{}, fmt.Errorf("%w: empty %s reading", ports.ErrNotFound, kind)
	}
	confidence := decoded.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	capturedAt := decoded.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = c.now()
	}
	return access.IdentificationResult{
		Kind:           kind,
		RawValue:       strings.TrimSpace(decoded.RawValue),
		Confidence:     confidence,
		CapturedAt:     capturedAt.UTC(),
		PhotoReference: decoded.PhotoReference,
	}, nil
}
