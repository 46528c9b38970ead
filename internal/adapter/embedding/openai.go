package embedding

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
)

// OpenAI embedding models.
const (
	ModelOpenAI3Small = "text-embedding-3-small"
	ModelOpenAI3Large = "text-embedding-3-large"
	ModelOpenAIAda002 = "text-embedding-ada-002"
)

// openAIMaxBatch is the API limit on inputs per request.
const openAIMaxBatch = 2048

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint. The
// vector dimension is requested explicitly, so it always matches the index.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
	batchSize int
}

var _ port.Embedder = (*OpenAIEmbedder)(nil)

// OpenAIOptions configures NewOpenAIEmbedder.
type OpenAIOptions struct {
	APIKeyEnv string
	Model     string
	BaseURL   string // empty = api.openai.com
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

func NewOpenAIEmbedder(opts OpenAIOptions) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv(opts.APIKeyEnv)
	if apiKey == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", opts.APIKeyEnv)
	}
	if opts.Model == "" {
		opts.Model = ModelOpenAI3Small
	}
	if opts.BatchSize <= 0 || opts.BatchSize > openAIMaxBatch {
		opts.BatchSize = openAIMaxBatch
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: opts.Timeout}),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAIEmbedder{
		client:    &client,
		model:     opts.Model,
		dimension: opts.Dimension,
		batchSize: opts.BatchSize,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (domain.Vector, error) {
	if text == "" {
		return nil, &domain.EmbeddingError{Err: ErrEmptyText}
	}
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits texts into API-sized requests.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]domain.Vector, error) {
	for i, text := range texts {
		if text == "" {
			return nil, &domain.EmbeddingError{Err: fmt.Errorf("text %d: %w", i, ErrEmptyText)}
		}
	}

	result := make([]domain.Vector, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))

		vecs, err := e.callAPI(ctx, texts[i:end])
		if err != nil {
			return nil, &domain.EmbeddingError{Err: fmt.Errorf("embed batch [%d:%d]: %w", i, end, err)}
		}
		copy(result[i:], vecs)
	}
	return result, nil
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}

func (e *OpenAIEmbedder) callAPI(ctx context.Context, texts []string) ([]domain.Vector, error) {
	params := openai.EmbeddingNewParams{
		Model:          e.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	// ada-002 rejects the dimensions parameter.
	if e.model != ModelOpenAIAda002 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}

	vecs := make([]domain.Vector, len(texts))
	for _, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= int64(len(texts)) {
			return nil, fmt.Errorf("unexpected embedding index %d for batch size %d", idx, len(texts))
		}
		v := make(domain.Vector, len(item.Embedding))
		for j, x := range item.Embedding {
			v[j] = float32(x)
		}
		if err := domain.CheckDimension(v, e.dimension); err != nil {
			return nil, err
		}
		vecs[idx] = v
	}

	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return vecs, nil
}
