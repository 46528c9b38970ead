package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
)

// ErrEmptyText is wrapped in a *domain.EmbeddingError when a text has no
// tokens.
var ErrEmptyText = errors.New("text has no tokens")

// Tokenizer splits text into the terms that get hashed.
type Tokenizer interface {
	Tokenize(text string) []string
}

// HashingEmbedder is a hashed TF-IDF bag of words. Tokens are bucketed by
// xxhash into dim slots. Document frequencies are learned from indexed
// texts only; queries read them.
type HashingEmbedder struct {
	dim       int
	tokenizer Tokenizer

	mu   sync.RWMutex
	df   []uint32
	docs uint32
}

var (
	_ port.Embedder      = (*HashingEmbedder)(nil)
	_ port.QueryEmbedder = (*HashingEmbedder)(nil)
)

// HashingOption configures a HashingEmbedder.
type HashingOption func(*HashingEmbedder)

// WithTokenizer replaces the default tokenization, lower-cased
// alphanumeric runs.
func WithTokenizer(t Tokenizer) HashingOption {
	return func(e *HashingEmbedder) {
		e.tokenizer = t
	}
}

func NewHashingEmbedder(dim int, opts ...HashingOption) *HashingEmbedder {
	e := &HashingEmbedder{dim: dim, df: make([]uint32, dim)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed featurizes an indexed text and folds it into the corpus statistics.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) (domain.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.EmbeddingError{Err: err}
	}
	tf := e.termFrequencies(text)
	if len(tf) == 0 {
		return nil, &domain.EmbeddingError{Err: ErrEmptyText}
	}

	e.mu.Lock()
	for i := range tf {
		if e.df[i] < math.MaxUint32 {
			e.df[i]++
		}
	}
	if e.docs < math.MaxUint32 {
		e.docs++
	}
	v := e.weigh(tf, e.docs)
	e.mu.Unlock()

	return v, nil
}

// EmbedBatch embeds texts in order. The whole batch is rejected, and the
// corpus statistics left untouched, if any text has no tokens.
func (e *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]domain.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.EmbeddingError{Err: err}
	}
	tfs := make([]map[int]float32, len(texts))
	for i, text := range texts {
		tfs[i] = e.termFrequencies(text)
		if len(tfs[i]) == 0 {
			return nil, &domain.EmbeddingError{Err: fmt.Errorf("text %d: %w", i, ErrEmptyText)}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tf := range tfs {
		for i := range tf {
			if e.df[i] < math.MaxUint32 {
				e.df[i]++
			}
		}
		if e.docs < math.MaxUint32 {
			e.docs++
		}
	}
	out := make([]domain.Vector, len(texts))
	for i, tf := range tfs {
		out[i] = e.weigh(tf, e.docs)
	}
	return out, nil
}

// EmbedQuery featurizes a query without touching corpus statistics.
func (e *HashingEmbedder) EmbedQuery(ctx context.Context, text string) (domain.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.EmbeddingError{Err: err}
	}
	tf := e.termFrequencies(text)
	if len(tf) == 0 {
		return nil, &domain.EmbeddingError{Err: ErrEmptyText}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weigh(tf, max(e.docs, 1)), nil
}

func (e *HashingEmbedder) Dimension() int {
	return e.dim
}

func (e *HashingEmbedder) ModelName() string {
	return "hashing-tfidf"
}

// Documents reports how many texts have been indexed.
func (e *HashingEmbedder) Documents() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.docs
}

// HashingState is the learned corpus statistics of a HashingEmbedder.
type HashingState struct {
	DF   []uint32 `msgpack:"df"`
	Docs uint32   `msgpack:"docs"`
}

// State returns a copy of the corpus statistics.
func (e *HashingEmbedder) State() HashingState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return HashingState{DF: append([]uint32(nil), e.df...), Docs: e.docs}
}

// Restore replaces the corpus statistics with st, which must come from an
// embedder of the same dimension.
func (e *HashingEmbedder) Restore(st HashingState) error {
	if len(st.DF) != e.dim {
		return &domain.DimensionMismatchError{Expected: e.dim, Actual: len(st.DF)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	copy(e.df, st.DF)
	e.docs = st.Docs
	return nil
}

func (e *HashingEmbedder) termFrequencies(text string) map[int]float32 {
	tokens := e.tokens(text)
	tf := make(map[int]float32, len(tokens))
	for _, tok := range tokens {
		tf[e.bucket(tok)]++
	}
	return tf
}

func (e *HashingEmbedder) tokens(text string) []string {
	if e.tokenizer != nil {
		return e.tokenizer.Tokenize(text)
	}
	return tokenize(text)
}

func (e *HashingEmbedder) bucket(token string) int {
	return int(xxhash.Sum64String(token) % uint64(e.dim))
}

// weigh must be called with mu held.
func (e *HashingEmbedder) weigh(tf map[int]float32, docs uint32) domain.Vector {
	v := make(domain.Vector, e.dim)
	var norm float64
	for i, f := range tf {
		idf := math.Log(float64(docs+1)/float64(e.df[i]+1)) + 1
		v[i] = f * float32(idf)
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Max(math.Sqrt(norm), 1e-6)
	for i := range tf {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
