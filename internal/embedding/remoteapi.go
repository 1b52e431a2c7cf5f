package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/pkg/types"
)

// RemoteAPI calls a hosted embedding API, guarded by the same circuit
// breaker configuration the teacher's llm.CircuitBreaker applies to LLM
// calls (3 consecutive failures trips the breaker, 30s open timeout, 2
// consecutive half-open successes closes it), plus a token-bucket limiter
// so a retry storm against a degraded endpoint never becomes the storm that
// keeps it degraded.
type RemoteAPI struct {
	baseURL string
	apiKey  string
	dim     int
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewRemoteAPI builds a provider bound to a hosted embedding endpoint.
func NewRemoteAPI(baseURL, apiKey string, dim int) *RemoteAPI {
	settings := gobreaker.Settings{
		Name:        "EmbeddingRemoteAPI",
		MaxRequests: 2,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &RemoteAPI{
		baseURL: baseURL,
		apiKey:  apiKey,
		dim:     dim,
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (r *RemoteAPI) Dim() int { return r.dim }

type remoteRequest struct {
	Input string `json:"input"`
}

type remoteResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (r *RemoteAPI) Embed(ctx context.Context, sector types.Sector, content string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, apperr.Timeout("embedding request rate-limited locally")
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.doEmbed(ctx, content)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperr.DependencyUnavailable("embedding remote api circuit open", err)
		}
		return nil, err
	}
	return result.([]float32), nil
}

func (r *RemoteAPI) doEmbed(ctx context.Context, content string) ([]float32, error) {
	body, err := json.Marshal(remoteRequest{Input: content})
	if err != nil {
		return nil, apperr.Internal("failed to encode remote api request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("failed to build remote api request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.DependencyUnavailable("embedding remote api unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.DependencyUnavailable(fmt.Sprintf("embedding remote api returned status %d", resp.StatusCode), nil)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Internal("failed to decode remote api response", err)
	}
	return out.Embedding, nil
}
