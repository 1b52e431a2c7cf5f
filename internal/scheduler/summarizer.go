package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/openmemory/openmemory/internal/apperr"
)

// Summarizer is the external summarization collaborator the reflection job
// calls out to. It is a narrow interface so tests can substitute a stub
// without standing up an HTTP server.
type Summarizer interface {
	Summarize(ctx context.Context, userID string, memories []string) (string, error)
}

// RemoteSummarizer calls a hosted summarization endpoint behind a circuit
// breaker, the same shielding pattern the teacher's internal/llm package
// wraps every outbound LLM call in.
type RemoteSummarizer struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRemoteSummarizer builds a RemoteSummarizer with a three-consecutive
// -failure trip threshold and a 30s open-state timeout, matching the
// teacher's CircuitBreaker defaults.
func NewRemoteSummarizer(baseURL, apiKey string) *RemoteSummarizer {
	settings := gobreaker.Settings{
		Name:        "reflection-summarizer",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &RemoteSummarizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type summarizeRequest struct {
	UserID   string   `json:"user_id"`
	Memories []string `json:"memories"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// Summarize asks the remote collaborator for a reflective summary of the
// given memory contents.
func (r *RemoteSummarizer) Summarize(ctx context.Context, userID string, memories []string) (string, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.doSummarize(ctx, userID, memories)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", apperr.DependencyUnavailable("summarization service circuit open", err)
		}
		return "", err
	}
	return result.(string), nil
}

func (r *RemoteSummarizer) doSummarize(ctx context.Context, userID string, memories []string) (string, error) {
	body, err := json.Marshal(summarizeRequest{UserID: userID, Memories: memories})
	if err != nil {
		return "", apperr.Internal("failed to marshal summarize request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/summarize", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Internal("failed to build summarize request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", apperr.DependencyUnavailable("summarization service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.DependencyUnavailable(fmt.Sprintf("summarization service returned status %d", resp.StatusCode), nil)
	}

	var out summarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Internal("failed to decode summarize response", err)
	}
	return out.Summary, nil
}
