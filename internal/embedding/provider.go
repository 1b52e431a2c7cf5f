// Package embedding provides the pluggable embedding-generation providers
// OpenMemory routes memory content through, generalizing the teacher's
// internal/llm factory pattern (NewEmbeddingGenerator dispatching on a
// provider string) from text/chat generation to vector embedding only.
package embedding

import (
	"context"
	"fmt"

	"github.com/openmemory/openmemory/internal/config"
	"github.com/openmemory/openmemory/pkg/types"
)

// Provider generates a dense embedding for a piece of content, scoped to a
// cognitive sector so router implementations can dispatch to a
// sector-specific model.
type Provider interface {
	Embed(ctx context.Context, sector types.Sector, content string) ([]float32, error)
	Dim() int
}

// NewProvider builds the configured Provider, mirroring the teacher's
// llm.NewEmbeddingGenerator dispatch switch.
func NewProvider(cfg *config.EmbeddingConfig) (Provider, error) {
	switch cfg.Kind {
	case "synthetic", "":
		return NewSynthetic(cfg.Dim), nil
	case "local_daemon":
		return NewDaemon(cfg.DaemonURL, cfg.DaemonModel, cfg.Dim), nil
	case "remote_api":
		return NewRemoteAPI(cfg.RemoteAPIURL, cfg.RemoteAPIKey, cfg.Dim), nil
	case "router":
		return NewRouter(cfg)
	default:
		return nil, fmt.Errorf("embedding: unsupported provider kind %q", cfg.Kind)
	}
}
