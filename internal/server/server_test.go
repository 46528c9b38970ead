package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reviewsearch/config"
	"reviewsearch/internal/adapter/embedding"
	"reviewsearch/internal/adapter/fs"
	"reviewsearch/internal/adapter/memstore"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/index"
	"reviewsearch/internal/query"
	"reviewsearch/internal/usecase"
)

func newTestServer(t *testing.T) (http.Handler, *memstore.MemoryStore) {
	t.Helper()
	const dim = 64
	store := memstore.NewMemoryStore()
	idx := index.New(store, store, index.Options{Dimension: dim, MaxPartitionSize: 8, Logger: zerolog.Nop()})
	require.NoError(t, idx.Open(context.Background()))

	emb := embedding.NewHashingEmbedder(dim)
	q := query.New(idx.Partitions(), store, query.Config{Fanout: 100, Track: idx.Track})
	ingest := usecase.NewIngestUseCase(idx, emb, fs.NewWalker(nil, nil), 0, zerolog.Nop())
	search := usecase.NewSearchUseCase(q, emb, 5, 100, 0)

	s := New(config.ServerConfig{MaxBulk: 3}, ingest, search, idx, zerolog.Nop())
	return s.Handler(), store
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func review(title, body, product string, rating int) map[string]any {
	return map[string]any{
		"review_title":  title,
		"review_body":   body,
		"product_id":    product,
		"review_rating": rating,
	}
}

func TestServer_InsertSearchGetDelete(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/reviews", review("Great battery", "lasts all week", "phone", 5))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct{ ID domain.ReviewID }](t, w)
	require.NotZero(t, created.ID)

	// wrapped form
	w = do(t, h, http.MethodPost, "/reviews", map[string]any{"review": review("Bitter coffee", "too bitter", "coffee", 2)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/search", map[string]any{"query": "battery", "top_k": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[searchResponse](t, w)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, created.ID, res.Hits[0].ID)
	assert.Equal(t, "phone", res.Hits[0].ProductID)
	assert.Equal(t, 5, res.Hits[0].Rating)

	w = do(t, h, http.MethodGet, fmt.Sprintf("/reviews/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[reviewResponse](t, w)
	assert.Equal(t, uint32(1), got.Version)

	w = do(t, h, http.MethodPut, fmt.Sprintf("/reviews/%d", created.ID), review("Weak battery", "dies by noon", "phone", 5))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint32(2), decode[reviewResponse](t, w).Version)

	w = do(t, h, http.MethodDelete, fmt.Sprintf("/reviews/%d", created.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodGet, fmt.Sprintf("/reviews/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodDelete, fmt.Sprintf("/reviews/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Bulk(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/reviews/bulk", map[string]any{"reviews": []any{
		review("Comfy", "great shoes", "shoe", 4),
		review("", "", "shoe", 1),
		review("Tight", "runs small", "shoe", 3),
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[bulkResponse](t, w)
	assert.Equal(t, 2, resp.Inserted)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	assert.NotZero(t, resp.Results[0].ID)
	assert.NotEmpty(t, resp.Results[1].Error)
	assert.NotZero(t, resp.Results[2].ID)

	w = do(t, h, http.MethodPost, "/reviews/bulk", map[string]any{"reviews": []any{
		review("a", "a", "x", 1), review("b", "b", "x", 1), review("c", "c", "x", 1), review("d", "d", "x", 1),
	}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[domain.Stats](t, w).Records)
}

func TestServer_Errors(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed json", http.MethodPost, "/reviews", "{", http.StatusBadRequest},
		{"empty review", http.MethodPost, "/reviews", review("", "", "p", 1), http.StatusBadRequest},
		{"empty query", http.MethodPost, "/search", map[string]any{"query": ""}, http.StatusBadRequest},
		{"zero top_k", http.MethodPost, "/search", map[string]any{"query": "x", "top_k": 0}, http.StatusBadRequest},
		{"negative top_k", http.MethodPost, "/search", map[string]any{"query": "x", "top_k": -2}, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/reviews/abc", nil, http.StatusBadRequest},
		{"zero id", http.MethodDelete, "/reviews/0", nil, http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/reviews/12345", nil, http.StatusNotFound},
		{"update unknown", http.MethodPut, "/reviews/12345", review("a", "b", "p", 1), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestServer_StorageFailureIsUnavailable(t *testing.T) {
	h, store := newTestServer(t)

	store.FailNextPut(errors.New("disk full"))
	w := do(t, h, http.MethodPost, "/reviews", review("a", "b", "p", 1))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Health(t *testing.T) {
	h, _ := newTestServer(t)
	w := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", domain.ErrNotFound), http.StatusNotFound},
		{&domain.DimensionMismatchError{Expected: 3, Actual: 2}, http.StatusUnprocessableEntity},
		{&domain.EmbeddingError{Err: errors.New("x")}, http.StatusBadRequest},
		{query.ErrInvalidK, http.StatusBadRequest},
		{domain.ErrRetry, http.StatusServiceUnavailable},
		{domain.NewStorageError("put", errors.New("x")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}
