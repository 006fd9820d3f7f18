package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/tentickle/tentickle/internal/model"
	"github.com/tentickle/tentickle/internal/retry"
)

const DefaultEmbeddingModel = "text-embedding-3-small"

// Embedder produces embedding vectors for texts.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// OpenAIEmbedder calls the OpenAI embeddings API through the official
// SDK, with the shared retry wrapper owning backoff.
type OpenAIEmbedder struct {
	client        openai.Client
	sdkOpts       []option.RequestOption
	model         string
	maxRetries    int
	retryBaseWait time.Duration
}

// EmbedderOption configures the embedder.
type EmbedderOption func(*OpenAIEmbedder)

// WithEmbedderAPIKey sets the API key.
func WithEmbedderAPIKey(key string) EmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.sdkOpts = append(e.sdkOpts, option.WithAPIKey(key))
	}
}

// WithEmbedderEndpoint sets the API base URL.
func WithEmbedderEndpoint(endpoint string) EmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.sdkOpts = append(e.sdkOpts, option.WithBaseURL(endpoint))
	}
}

// WithEmbedderModel sets the embedding model.
func WithEmbedderModel(m string) EmbedderOption {
	return func(e *OpenAIEmbedder) {
		if m != "" {
			e.model = m
		}
	}
}

// WithEmbedderHTTPClient sets the HTTP client.
func WithEmbedderHTTPClient(client *http.Client) EmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.sdkOpts = append(e.sdkOpts, option.WithHTTPClient(client))
	}
}

// NewOpenAIEmbedder creates an embedder against the OpenAI API. The API
// key defaults to OPENAI_API_KEY via the SDK.
func NewOpenAIEmbedder(opts ...EmbedderOption) *OpenAIEmbedder {
	e := &OpenAIEmbedder{
		model:         DefaultEmbeddingModel,
		maxRetries:    retry.DefaultMaxRetries,
		retryBaseWait: retry.DefaultBaseWait,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.client = openai.NewClient(append([]option.RequestOption{option.WithMaxRetries(0)}, e.sdkOpts...)...)
	return e
}

// Name returns the provider name.
func (e *OpenAIEmbedder) Name() string { return "openai" }

// Embed returns one vector per input text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}

	var result *openai.CreateEmbeddingResponse
	err := retry.Do(ctx, func() error {
		var callErr error
		result, callErr = e.client.Embeddings.New(ctx, params)
		if callErr == nil {
			return nil
		}
		var apierr *openai.Error
		if errors.As(callErr, &apierr) {
			return model.NewAPIError(apierr.StatusCode, apierr.Error())
		}
		return fmt.Errorf("error making request: %w", callErr)
	}, retry.WithMaxRetries(e.maxRetries), retry.WithBaseWait(e.retryBaseWait))
	if err != nil {
		return nil, err
	}

	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", idx)
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		vectors[idx] = vec
	}
	return vectors, nil
}
