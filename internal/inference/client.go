// Package inference provides HTTP clients for the model-serving sidecars:
// the harmonic/noise separator and the neural vocoder. Both speak JSON
// requests with base64-packed float32 tensors and reply with raw
// little-endian float32 streams.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/book-expert/resampler-service/internal/core"
)

// API endpoints and paths.
const (
	apiSeparate = "/v1/separate"
	apiVocode   = "/v1/vocode"
	apiHealth   = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeRaw    = "application/octet-stream"
)

const float32Bytes = 4

// serviceError is the structured error body the sidecars return on failure.
type serviceError struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// client is the shared HTTP plumbing under both model clients.
type client struct {
	httpClient *http.Client
	baseURL    string
}

func newClient(baseURL string, timeout time.Duration) client {
	return client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// postTensors sends one JSON payload and returns the decoded float32 stream.
func (c client) postTensors(ctx context.Context, path string, payload any) ([]float64, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + path

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		url,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeRaw)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: request to %s: %w", core.ErrInferenceFailed, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", core.ErrInferenceFailed, err)
	}

	if len(raw) == 0 || len(raw)%float32Bytes != 0 {
		return nil, fmt.Errorf("%w: response is %d bytes, not a float32 stream",
			core.ErrInferenceFailed, len(raw))
	}

	return decodeFloat32(raw), nil
}

// HealthCheck verifies the model service is up before accepting work.
func (c client) HealthCheck(ctx context.Context) error {
	url := c.baseURL + apiHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse decodes a structured JSON error, falling back to the
// raw body so diagnostics are never lost.
func (c client) parseErrorResponse(resp *http.Response) error {
	var svcErr serviceError

	err := json.NewDecoder(resp.Body).Decode(&svcErr)
	if err == nil {
		return fmt.Errorf("%w: service error (%s): %s (code: %s)",
			core.ErrInferenceFailed, resp.Status, svcErr.Detail, svcErr.ErrorCode)
	}

	body, _ := io.ReadAll(resp.Body)

	return fmt.Errorf("%w: service returned %s, body: %s",
		core.ErrInferenceFailed, resp.Status, string(body))
}

// encodeFloat32 packs a float64 slice as base64 over little-endian float32.
func encodeFloat32(values []float64) string {
	raw := make([]byte, len(values)*float32Bytes)
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*float32Bytes:], math.Float32bits(float32(v)))
	}

	return base64.StdEncoding.EncodeToString(raw)
}

// decodeFloat32 unpacks a little-endian float32 stream into float64.
func decodeFloat32(raw []byte) []float64 {
	values := make([]float64, len(raw)/float32Bytes)
	for i := range values {
		bits := binary.LittleEndian.Uint32(raw[i*float32Bytes:])
		values[i] = float64(math.Float32frombits(bits))
	}

	return values
}
