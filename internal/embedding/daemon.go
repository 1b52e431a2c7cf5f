package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/pkg/types"
)

// Daemon calls a local Ollama-style embedding endpoint, the same HTTP shape
// the teacher's llm.OllamaClient uses for chat and embedding requests.
type Daemon struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

// NewDaemon builds a provider that POSTs to baseURL+"/api/embeddings".
func NewDaemon(baseURL, model string, dim int) *Daemon {
	return &Daemon{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *Daemon) Dim() int { return d.dim }

type daemonRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type daemonResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (d *Daemon) Embed(ctx context.Context, sector types.Sector, content string) ([]float32, error) {
	body, err := json.Marshal(daemonRequest{Model: d.model, Prompt: content})
	if err != nil {
		return nil, apperr.Internal("failed to encode daemon request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("failed to build daemon request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apperr.DependencyUnavailable("embedding daemon unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.DependencyUnavailable(fmt.Sprintf("embedding daemon returned status %d", resp.StatusCode), nil)
	}

	var out daemonResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Internal("failed to decode daemon response", err)
	}
	return out.Embedding, nil
}
