// Package embedding provides embedding service implementations: the
// Google GenAI engine for production and a deterministic local engine
// for tests and offline operation.
package embedding

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/genai"

	"engramd/internal/logging"
	"engramd/internal/types"
)

// GenAIEngine generates embeddings using the Gemini API.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

var _ types.EmbeddingEngine = (*GenAIEngine)(nil)

// NewGenAIEngine creates a GenAI embedding engine.
func NewGenAIEngine(ctx context.Context, apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}
	return &GenAIEngine{client: client, model: model}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}

	logging.Get(logging.CategoryEmbedding).Debugw("embedded text",
		"model", e.model, "dims", len(result.Embeddings[0].Values))
	return result.Embeddings[0].Values, nil
}

// CosineSimilarity computes similarity between two vectors in [-1,1].
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector length mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
