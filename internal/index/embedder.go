package index

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder turns text into vectors. The index never inspects the vectors
// beyond their dimensionality, so any embedding backend works.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// embedBatchSize bounds how many texts are sent per embedding request.
const embedBatchSize = 32

// OpenAIEmbedder computes embeddings through an OpenAI-compatible API
// (including Ollama's /v1 endpoint).
type OpenAIEmbedder struct {
	api   *openai.Client
	model string
}

// NewOpenAIEmbedder creates an embedder for the given endpoint and model.
func NewOpenAIEmbedder(baseURL, apiKey, modelName string) *OpenAIEmbedder {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIEmbedder{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Embed returns one vector per input text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := e.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return nil, fmt.Errorf("embedding API call: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(resp.Data), end-start)
		}
		for _, d := range resp.Data {
			vectors = append(vectors, d.Embedding)
		}
	}
	return vectors, nil
}
