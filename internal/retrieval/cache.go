// Package retrieval assembles cached grounding context from the subject index.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/studyprep/mcqgen/internal/index"
	"github.com/studyprep/mcqgen/internal/model"
)

// charsPerToken is the rough character-per-token estimate used to turn a
// token budget into a character budget.
const charsPerToken = 4

// broadQueryTopK is how many chunks a context draw requests from the index.
const broadQueryTopK = 20

// Querier is the slice of the index store the cache needs.
type Querier interface {
	Query(ctx context.Context, subject, queryText string, topK int) ([]model.SearchHit, error)
	Generation(subject string) uint64
}

type cacheKey struct {
	subject string
	budget  int
}

type cacheEntry struct {
	generation uint64
	rctx       model.RetrievalContext
}

// Cache memoizes retrieval contexts per (subject, token budget). Entries
// record the partition generation they were computed from, so a rebuild
// invalidates them on the next read without any explicit wiring.
type Cache struct {
	store Querier

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

// New creates an empty cache over the given index store.
func New(store Querier) *Cache {
	return &Cache{
		store:   store,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Context returns the grounding text for a subject, truncated to tokenBudget.
// A subject with no relevant chunks yields an empty-text context, not an
// error; generation may still be attempted against it.
func (c *Cache) Context(ctx context.Context, subject string, tokenBudget int) (model.RetrievalContext, error) {
	key := cacheKey{subject: index.Normalize(subject), budget: tokenBudget}
	gen := c.store.Generation(key.subject)

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && entry.generation == gen {
		return entry.rctx, nil
	}

	hits, err := c.store.Query(ctx, key.subject, "fundamental concepts of "+key.subject, broadQueryTopK)
	if err != nil {
		return model.RetrievalContext{}, fmt.Errorf("context query for %q: %w", key.subject, err)
	}

	rctx := assemble(key.subject, tokenBudget, hits)
	c.mu.Lock()
	c.entries[key] = cacheEntry{generation: gen, rctx: rctx}
	c.mu.Unlock()

	slog.Debug("computed retrieval context",
		"subject", key.subject,
		"token_budget", tokenBudget,
		"chunks", len(rctx.SourceChunkIDs),
		"chars", len(rctx.Text),
	)
	return rctx, nil
}

// Invalidate drops every cached entry for a subject so the next read
// recomputes it. Used for the orchestrator's fresh-draw retry.
func (c *Cache) Invalidate(subject string) {
	key := index.Normalize(subject)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.subject == key {
			delete(c.entries, k)
		}
	}
}

// assemble concatenates hits, separated by blank lines, until the character
// budget is spent, truncating the final chunk if needed.
func assemble(subject string, tokenBudget int, hits []model.SearchHit) model.RetrievalContext {
	budget := tokenBudget * charsPerToken
	var sb strings.Builder
	var chunkIDs []int64

	for _, h := range hits {
		if sb.Len() >= budget {
			break
		}
		piece := h.ChunkText
		if sb.Len() > 0 {
			piece = "\n\n" + piece
		}
		remaining := budget - sb.Len()
		if len(piece) > remaining {
			piece = piece[:remaining]
		}
		sb.WriteString(piece)
		chunkIDs = append(chunkIDs, h.ChunkID)
	}

	return model.RetrievalContext{
		Subject:        subject,
		TokenBudget:    tokenBudget,
		Text:           sb.String(),
		SourceChunkIDs: chunkIDs,
	}
}
