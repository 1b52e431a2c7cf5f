package engine

import (
	"context"

	"github.com/openmemory/openmemory/internal/apperr"
)

// IngestDocumentRequest carries raw uploaded bytes plus the declared
// content type; extraction is delegated entirely to the configured
// DocumentExtractor.
type IngestDocumentRequest struct {
	UserID      string
	ContentType string
	Data        []byte
	Tags        []string
}

// IngestDocumentResult lists the memory ids created, one per chunk.
type IngestDocumentResult struct {
	MemoryIDs []string
}

// IngestDocument extracts text via the injected DocumentExtractor, splits it
// into cfg.ChunkSize-rune chunks, and adds each chunk as its own memory.
// Extractor errors carrying apperr.KindUnsupportedContentType or
// apperr.KindFileTooLarge propagate unchanged so the transport layer can
// map them to 415/413.
func (e *Engine) IngestDocument(ctx context.Context, req IngestDocumentRequest) (*IngestDocumentResult, error) {
	if e.extractor == nil {
		return nil, apperr.UnsupportedMedia("no document extractor configured")
	}

	text, err := e.extractor.Extract(ctx, req.ContentType, req.Data)
	if err != nil {
		return nil, err
	}

	chunks := chunkText(text, e.cfg.ChunkSize)
	if len(chunks) == 0 {
		return nil, apperr.Validation("document produced no extractable text")
	}

	ids := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		result, err := e.Add(ctx, AddRequest{UserID: req.UserID, Content: chunk, Tags: req.Tags})
		if err != nil {
			return nil, err
		}
		ids = append(ids, result.ID)
	}
	return &IngestDocumentResult{MemoryIDs: ids}, nil
}

// chunkText splits text into chunks of at most size runes, breaking on the
// nearest preceding whitespace when possible so words are not split.
func chunkText(text string, size int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		breakAt := end
		for i := end; i > start; i-- {
			if runes[i-1] == ' ' || runes[i-1] == '\n' {
				breakAt = i
				break
			}
		}
		if breakAt == start {
			breakAt = end
		}
		chunks = append(chunks, string(runes[start:breakAt]))
		start = breakAt
	}
	return chunks
}
