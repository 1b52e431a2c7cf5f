package query

import "context"

// StreamBatch is one frame of a streamed search: either a slice of newly
// qualified results, or (on the final frame) Done=true with no results.
type StreamBatch struct {
	Results []Result
	Done    bool
}

// StreamSearch runs Search and emits results in batches of batchSize over
// the returned channel, closing it after a final Done frame. It exists for
// callers with an event-stream transport (spec.md §4.4's "event: memories"
// / "event: done" framing); the ranking itself is identical to Search, the
// heap is simply drained in score order instead of returned all at once.
func (e *Engine) StreamSearch(ctx context.Context, req Request, batchSize int) (<-chan StreamBatch, <-chan error) {
	out := make(chan StreamBatch)
	errc := make(chan error, 1)

	if batchSize <= 0 {
		batchSize = 10
	}

	go func() {
		defer close(out)
		defer close(errc)

		results, err := e.Search(ctx, req)
		if err != nil {
			errc <- err
			return
		}

		for start := 0; start < len(results); start += batchSize {
			end := start + batchSize
			if end > len(results) {
				end = len(results)
			}
			select {
			case out <- StreamBatch{Results: results[start:end]}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- StreamBatch{Done: true}:
		case <-ctx.Done():
		}
	}()

	return out, errc
}
