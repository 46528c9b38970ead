package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reviewsearch/internal/adapter/analyzer"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/vector"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Great battery life!", []string{"great", "battery", "life"}},
		{"  --  ", nil},
		{"USB-C port, 2 cables", []string{"usb", "c", "port", "2", "cables"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := tokenize(tt.in)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashingEmbedder_Normalized(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEmbedder(64)

	v, err := e.Embed(ctx, "Great battery life, great screen")
	require.NoError(t, err)
	require.Len(t, v, 64)
	assert.InDelta(t, 1.0, vector.Norm(v), 1e-5)
	assert.EqualValues(t, 1, e.Documents())
}

func TestHashingEmbedder_EmptyText(t *testing.T) {
	e := NewHashingEmbedder(32)

	_, err := e.Embed(context.Background(), " !! ")
	var embErr *domain.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = e.EmbedQuery(context.Background(), "")
	require.ErrorAs(t, err, &embErr)
	assert.Zero(t, e.Documents())
}

func TestHashingEmbedder_QueryDoesNotLearn(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEmbedder(128)

	_, err := e.Embed(ctx, "battery drains fast")
	require.NoError(t, err)

	q1, err := e.EmbedQuery(ctx, "battery")
	require.NoError(t, err)
	q2, err := e.EmbedQuery(ctx, "battery")
	require.NoError(t, err)
	assert.Equal(t, q1, q2)
	assert.EqualValues(t, 1, e.Documents())
}

func TestHashingEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEmbedder(256)

	shoes, err := e.Embed(ctx, "comfortable running shoes with good grip")
	require.NoError(t, err)
	blender, err := e.Embed(ctx, "loud blender broke after a week")
	require.NoError(t, err)

	q, err := e.EmbedQuery(ctx, "running shoes")
	require.NoError(t, err)
	assert.Greater(t, vector.Cosine(q, shoes), vector.Cosine(q, blender))
}

func TestHashingEmbedder_BatchRejectedWhole(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEmbedder(32)

	_, err := e.EmbedBatch(ctx, []string{"good text", "  ", "more"})
	var embErr *domain.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Zero(t, e.Documents())

	vecs, err := e.EmbedBatch(ctx, []string{"good text", "more"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, uint32(2), e.Documents())
}

func TestHashingEmbedder_StateRestore(t *testing.T) {
	ctx := context.Background()
	a := NewHashingEmbedder(32)
	for _, text := range []string{"red apple", "green apple", "yellow banana"} {
		_, err := a.Embed(ctx, text)
		require.NoError(t, err)
	}

	b := NewHashingEmbedder(32)
	require.NoError(t, b.Restore(a.State()))
	assert.Equal(t, a.Documents(), b.Documents())

	qa, err := a.EmbedQuery(ctx, "apple")
	require.NoError(t, err)
	qb, err := b.EmbedQuery(ctx, "apple")
	require.NoError(t, err)
	assert.Equal(t, qa, qb)

	err = b.Restore(HashingState{DF: make([]uint32, 8)})
	var dim *domain.DimensionMismatchError
	assert.ErrorAs(t, err, &dim)
}

func TestOpenAIEmbedder(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = req.Model

		type item struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		}
		data := make([]item, len(req.Input))
		// answer out of order to exercise index placement
		for i := range req.Input {
			j := len(req.Input) - 1 - i
			data[i] = item{Object: "embedding", Index: j, Embedding: []float64{float64(j), 1, 0}}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIOptions{
		Model:     ModelOpenAI3Small,
		BaseURL:   srv.URL + "/",
		Dimension: 3,
	})
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
	assert.Equal(t, ModelOpenAI3Small, gotModel)

	_, err = e.Embed(context.Background(), "")
	var embErr *domain.EmbeddingError
	assert.True(t, errors.As(err, &embErr))
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","model":"m","usage":{"prompt_tokens":1,"total_tokens":1},` +
			`"data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIOptions{BaseURL: srv.URL + "/", Dimension: 4})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	var dimErr *domain.DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 2, dimErr.Actual)
}

func TestNewOpenAIEmbedder_MissingKey(t *testing.T) {
	t.Setenv("REVIEWSEARCH_TEST_KEY", "")
	_, err := NewOpenAIEmbedder(OpenAIOptions{APIKeyEnv: "REVIEWSEARCH_TEST_KEY"})
	assert.Error(t, err)
}

func TestHashingEmbedder_WithTokenizer(t *testing.T) {
	ctx := context.Background()
	tok := analyzer.NewTokenizer(analyzer.Options{Stemming: true, Negation: true})
	e := NewHashingEmbedder(1024, WithTokenizer(tok))

	charged, err := e.Embed(ctx, "charged overnight")
	require.NoError(t, err)
	charging, err := e.EmbedQuery(ctx, "charging overnight")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vector.Cosine(charged, charging), 1e-5)

	negated, err := e.EmbedQuery(ctx, "not charged overnight")
	require.NoError(t, err)
	assert.Less(t, vector.Cosine(charged, negated), float32(0.99))

	_, err = e.Embed(ctx, "the and of")
	var embErr *domain.EmbeddingError
	assert.ErrorAs(t, err, &embErr)
}
