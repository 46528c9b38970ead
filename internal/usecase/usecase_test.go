package usecase

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reviewsearch/internal/adapter/embedding"
	"reviewsearch/internal/adapter/fs"
	"reviewsearch/internal/adapter/memstore"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/index"
	"reviewsearch/internal/query"
)

const testDim = 64

type testEnv struct {
	ingest *IngestUseCase
	search *SearchUseCase
	index  *index.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.NewMemoryStore()
	idx := index.New(store, store, index.Options{
		Dimension:        testDim,
		MaxPartitionSize: 8,
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, idx.Open(context.Background()))

	emb := embedding.NewHashingEmbedder(testDim)
	q := query.New(idx.Partitions(), store, query.Config{Fanout: 1000})
	return &testEnv{
		ingest: NewIngestUseCase(idx, emb, fs.NewWalker(nil, nil), 4, zerolog.Nop()),
		search: NewSearchUseCase(q, emb, 5, 10, 0),
		index:  idx,
	}
}

var reviews = []domain.Review{
	{Title: "Great battery", Body: "The battery lasts all week", ProductID: "phone", Rating: 5},
	{Title: "Broken screen", Body: "Screen cracked after one drop", ProductID: "phone", Rating: 1},
	{Title: "Comfortable shoes", Body: "Very comfortable for running", ProductID: "shoe", Rating: 4},
	{Title: "Too small", Body: "The shoes run small, order a size up", ProductID: "shoe", Rating: 3},
	{Title: "Tasty coffee", Body: "Rich coffee aroma and smooth taste", ProductID: "coffee", Rating: 5},
	{Title: "Stale beans", Body: "Coffee beans were stale and bitter", ProductID: "coffee", Rating: 2},
}

func TestIngest_AddAndSearch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	ids := map[domain.ReviewID]domain.Review{}
	for _, r := range reviews {
		id, err := env.ingest.Add(ctx, r)
		require.NoError(t, err)
		ids[id] = r
	}

	res, err := env.search.Search(ctx, "coffee taste", 2, 0)
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	for _, h := range res.Hits {
		assert.Equal(t, "coffee", h.Metadata.ProductID)
	}

	res, err = env.search.Search(ctx, "battery", 0, 0)
	require.NoError(t, err)
	assert.Len(t, res.Hits, 5, "default top_k")
	assert.Equal(t, "Great battery", ids[res.Hits[0].ID].Title)
}

func TestIngest_AddBatchIsolatesEmptyText(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	batch := append([]domain.Review(nil), reviews...)
	batch[2] = domain.Review{ProductID: "empty"}

	var last int
	results := env.ingest.AddBatch(ctx, batch, func(done, total int) {
		assert.Equal(t, len(batch), total)
		last = done
	})
	require.Len(t, results, len(batch))
	assert.Equal(t, len(batch), last)

	for i, r := range results {
		if i == 2 {
			var embErr *domain.EmbeddingError
			assert.ErrorAs(t, r.Err, &embErr)
			continue
		}
		assert.NoError(t, r.Err)
	}

	st, err := env.index.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(batch)-1, st.Records)
}

func TestIngest_UpdateDelete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	id, err := env.ingest.Add(ctx, reviews[0])
	require.NoError(t, err)
	for _, r := range reviews[1:] {
		_, err := env.ingest.Add(ctx, r)
		require.NoError(t, err)
	}

	rec, err := env.ingest.Update(ctx, id, domain.Review{Body: "espresso coffee machine"})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rec.Version)

	res, err := env.search.Search(ctx, "espresso", 1, 0)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, id, res.Hits[0].ID)

	require.NoError(t, env.ingest.Delete(ctx, id))
	res, err = env.search.Search(ctx, "espresso", 10, 0)
	require.NoError(t, err)
	for _, h := range res.Hits {
		assert.NotEqual(t, id, h.ID)
	}
}

func TestIngest_Files(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	dir := t.TempDir()

	jsonl := `{"review_title":"Great battery","review_body":"lasts long","product_id":"phone","review_rating":5}
{"review_title":"Bad","review_body":"","product_id":"phone","review_rating":1}
{"review_title":"","review_body":"","product_id":"phone","review_rating":1}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"), []byte(jsonl), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	arr := `{"reviews":[{"review_title":"Cozy","review_body":"warm socks","product_id":"sock","review_rating":4},
{"review_title":"Itchy","review_body":"wool scratches","product_id":"sock","review_rating":2},
{"review_title":"Fine","review_body":"does the job","product_id":"sock","review_rating":3}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.json"), []byte(arr), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jsonl"), []byte("{not json\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	var progressed int
	result, err := env.ingest.Ingest(ctx, dir, func(done int) { progressed = done })
	require.NoError(t, err)

	assert.Equal(t, 2, result.Files)
	assert.Equal(t, 6, result.Reviews)
	assert.Equal(t, 5, result.Inserted)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 6, progressed)
	require.Len(t, result.Errors, 2) // the empty review and the broken file
}

func TestSearch_TopKBounds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		for _, r := range reviews {
			_, err := env.ingest.Add(ctx, r)
			require.NoError(t, err)
		}
	}

	res, err := env.search.Search(ctx, "coffee", 50, 0)
	require.NoError(t, err)
	assert.Len(t, res.Hits, 10, "capped at max top_k")

	_, err = env.search.Search(ctx, "coffee", -1, 0)
	assert.ErrorIs(t, err, query.ErrInvalidK)

	_, err = env.search.Search(ctx, "   ", 5, 0)
	var embErr *domain.EmbeddingError
	assert.ErrorAs(t, err, &embErr)
}
