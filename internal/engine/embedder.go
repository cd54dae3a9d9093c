package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	openai "github.com/sashabaranov/go-openai"
)

// Embedder generates vector embeddings for text. Embedding failure is
// fatal to the operation that needed the vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// OpenAIEmbedder uses OpenAI's embedding API. Query embeddings are
// cached briefly so repeated lookups within a turn skip the round trip.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
	cache  *gocache.Cache
}

// NewOpenAIEmbedder creates an embedder for text-embedding-3-small
// (1536 dimensions).
func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  string(openai.SmallEmbedding3),
		dims:   1536,
		cache:  gocache.New(5*time.Minute, 10*time.Minute),
	}
}

func (o *OpenAIEmbedder) Model() string   { return "openai:" + o.model }
func (o *OpenAIEmbedder) Dimensions() int { return o.dims }

// Embed returns the embedding vector for text, from cache when possible.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if cached, ok := o.cache.Get(text); ok {
		return cached.([]float64), nil
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embeddings")
	}

	raw := resp.Data[0].Embedding
	vec := make([]float64, len(raw))
	for i, v := range raw {
		vec[i] = float64(v)
	}
	o.cache.SetDefault(text, vec)
	return vec, nil
}

// MockEmbedder produces deterministic vectors from token hashes, so
// texts sharing words land near each other. For tests and dry runs.
// When Err is set, Embed fails; FailOn narrows the failure to texts
// containing the substring.
type MockEmbedder struct {
	Dims   int
	Err    error
	FailOn string
}

func (m *MockEmbedder) Model() string { return "mock" }

func (m *MockEmbedder) Dimensions() int {
	if m.Dims <= 0 {
		return 64
	}
	return m.Dims
}

// Embed hashes each token into a bucket and L2-normalizes the result.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if m.Err != nil && (m.FailOn == "" || strings.Contains(text, m.FailOn)) {
		return nil, m.Err
	}
	vec := make([]float64, m.Dimensions())
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%len(vec)] += 1.0
	}
	normalize(vec)
	return vec, nil
}

// tokenize splits text into lowercase tokens, stripping punctuation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 1 { // skip single-char tokens
				tokens = append(tokens, current.String())
			}
			current.Reset()
		}
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// normalize performs in-place L2 normalization.
func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

// CosineSimilarity computes the cosine similarity between two vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
