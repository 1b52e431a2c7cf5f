package engine

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openmemory/openmemory/internal/apperr"
)

// MaxDocumentBytes bounds what MarkdownExtractor will accept before erroring
// with apperr.KindFileTooLarge, matching document.go's stated error contract.
const MaxDocumentBytes = 2 << 20 // 2 MiB

// MarkdownExtractor implements DocumentExtractor for plain-text and
// Markdown uploads. It strips YAML frontmatter (delimited by "---" lines)
// the same way the teacher's importer/markdown.go does for bulk note
// imports, but only returns the prose body -- IngestDocument chunks and
// stores that body directly, so there is no separate ParsedFile structure
// to carry frontmatter/tags/wikilinks through.
type MarkdownExtractor struct{}

var _ DocumentExtractor = MarkdownExtractor{}

func (MarkdownExtractor) Extract(_ context.Context, contentType string, data []byte) (string, error) {
	if len(data) > MaxDocumentBytes {
		return "", apperr.FileTooLarge(fmt.Sprintf("document exceeds the %d byte limit", MaxDocumentBytes))
	}

	switch {
	case strings.HasPrefix(contentType, "text/markdown"), strings.HasPrefix(contentType, "text/x-markdown"):
		_, body, err := splitFrontmatter(string(data))
		if err != nil {
			return "", apperr.Validation(err.Error())
		}
		return strings.TrimSpace(body), nil
	case strings.HasPrefix(contentType, "text/plain"):
		return strings.TrimSpace(string(data)), nil
	default:
		return "", apperr.UnsupportedMedia("unsupported content type: " + contentType)
	}
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters) from
// the document body, adapted from the teacher's importer.splitFrontmatter.
// The frontmatter fields themselves are not surfaced here: IngestDocument's
// caller supplies tags directly on the request instead of deriving them
// from parsed notes.
func splitFrontmatter(text string) (map[string]interface{}, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]interface{}{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		return map[string]interface{}{}, text, nil
	}

	fmText := strings.Join(lines[1:closeIdx], "\n")
	fm := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(fmText), &fm); err != nil {
		return map[string]interface{}{}, text, fmt.Errorf("invalid YAML frontmatter: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}
