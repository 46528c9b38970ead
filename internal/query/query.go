// Package query answers top-k similarity queries over the partitioned
// index by probing the partitions whose centroids are closest to the query.
package query

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/partition"
	"reviewsearch/internal/port"
	"reviewsearch/internal/vector"
)

var ErrInvalidK = errors.New("top_k must be positive")

type Config struct {
	// Fanout is the default number of partitions probed per query.
	Fanout int
	// Parallelism bounds the partitions scored at once.
	Parallelism int
	// Track, when set, counts the query as foreground load.
	Track func() func()
	// OnDangling receives members that were found without a record.
	OnDangling func(ids ...domain.ReviewID)
	Logger     zerolog.Logger
}

type Options struct {
	TopK int
	// Fanout overrides Config.Fanout when positive.
	Fanout int
}

type Result struct {
	Hits []domain.ScoredReview `json:"hits"`
	// Probed counts the partitions whose members were scored.
	Probed int `json:"probed"`
	// Partial is set when the deadline passed before every candidate
	// partition was scored.
	Partial bool `json:"partial"`
}

type Engine struct {
	parts *partition.Manager
	store port.RecordStore
	cfg   Config
	log   zerolog.Logger
}

func New(parts *partition.Manager, store port.RecordStore, cfg Config) *Engine {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 8
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Engine{
		parts: parts,
		store: store,
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "query").Logger(),
	}
}

func (e *Engine) Search(ctx context.Context, q domain.Vector, topK int) (Result, error) {
	return e.SearchWithOptions(ctx, q, Options{TopK: topK})
}

func (e *Engine) SearchWithOptions(ctx context.Context, q domain.Vector, opts Options) (Result, error) {
	if e.cfg.Track != nil {
		defer e.cfg.Track()()
	}
	if opts.TopK <= 0 {
		return Result{}, ErrInvalidK
	}
	if err := domain.CheckDimension(q, e.parts.Options().Dimension); err != nil {
		return Result{}, err
	}
	fanout := opts.Fanout
	if fanout <= 0 {
		fanout = e.cfg.Fanout
	}

	cands := e.parts.SelectCandidates(q, fanout)
	if len(cands) == 0 {
		return Result{Hits: []domain.ScoredReview{}}, nil
	}

	c := &collector{
		best:    make(map[domain.ReviewID]domain.ScoredReview),
		scanned: make(map[partition.ID]uint64, len(cands)),
	}
	if err := e.scanAll(ctx, q, cands, c); err != nil {
		return Result{}, err
	}
	if c.retired && ctx.Err() == nil {
		// A candidate was split or merged away under us. Its members now
		// live in partitions that are new or have a new version.
		var next []partition.Candidate
		for _, cand := range e.parts.SelectCandidates(q, fanout) {
			if v, ok := c.scanned[cand.ID]; ok {
				if now, live := e.parts.Version(cand.ID); live && now == v {
					continue
				}
			}
			next = append(next, cand)
		}
		if err := e.scanAll(ctx, q, next, c); err != nil {
			return Result{}, err
		}
	}

	hits := make([]domain.ScoredReview, 0, len(c.best))
	for _, h := range c.best {
		hits = append(hits, h)
	}
	sortHits(hits)
	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}

	if c.partial {
		e.log.Debug().Int("probed", c.probed).Int("candidates", len(cands)).Msg("query deadline reached, returning partial result")
	}
	return Result{Hits: hits, Probed: c.probed, Partial: c.partial}, nil
}

// collector merges the hits of concurrently scanned partitions. All fields
// are guarded by mu.
type collector struct {
	mu   sync.Mutex
	best map[domain.ReviewID]domain.ScoredReview
	// scanned maps each scored partition to the version its hits came from.
	scanned map[partition.ID]uint64
	probed  int
	partial bool
	retired bool
}

func (e *Engine) scanAll(ctx context.Context, q domain.Vector, cands []partition.Candidate, c *collector) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for _, cand := range cands {
		if ctx.Err() != nil {
			c.mu.Lock()
			c.partial = true
			c.mu.Unlock()
			break
		}
		g.Go(func() error {
			res, err := e.scan(gctx, cand.ID, q)
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					c.partial = true
					return nil
				}
				return err
			}
			if res.retired {
				c.retired = true
			}
			if !res.scored {
				return nil
			}
			if _, again := c.scanned[cand.ID]; !again {
				c.probed++
			}
			c.scanned[cand.ID] = res.version
			for _, h := range res.hits {
				if prev, ok := c.best[h.ID]; !ok || h.Score > prev.Score {
					c.best[h.ID] = h
				}
			}
			return nil
		})
	}
	return g.Wait()
}

type scanResult struct {
	hits    []domain.ScoredReview
	version uint64
	// scored is false when the partition was gone before it could be read.
	scored  bool
	retired bool
}

// scan scores the members of partition id against q. If the partition
// changed while its vectors were fetched it is read once more; the second
// read is used either way. Hits read before the partition was retired stay
// valid, but the caller has to look for the members it lost.
func (e *Engine) scan(ctx context.Context, id partition.ID, q domain.Vector) (scanResult, error) {
	var res scanResult
	for attempt := 0; attempt < 2; attempt++ {
		ids, version, ok := e.parts.Snapshot(id)
		if !ok {
			res.retired = true
			return res, nil
		}
		recs, err := e.store.GetMany(ctx, ids)
		if err != nil {
			return scanResult{}, err
		}
		if len(recs) < len(ids) && e.cfg.OnDangling != nil {
			e.cfg.OnDangling(missing(ids, recs)...)
		}

		res.hits = res.hits[:0]
		for _, rec := range recs {
			res.hits = append(res.hits, domain.ScoredReview{
				ID:       rec.ID,
				Score:    vector.Cosine(q, rec.Vector),
				Metadata: rec.Metadata,
			})
		}
		res.version, res.scored = version, true

		now, live := e.parts.Version(id)
		if !live {
			res.retired = true
			break
		}
		if now == version {
			break
		}
	}
	return res, nil
}

func missing(ids []domain.ReviewID, recs []domain.ReviewRecord) []domain.ReviewID {
	found := make(map[domain.ReviewID]bool, len(recs))
	for _, rec := range recs {
		found[rec.ID] = true
	}
	var out []domain.ReviewID
	for _, id := range ids {
		if !found[id] {
			out = append(out, id)
		}
	}
	return out
}

func sortHits(hits []domain.ScoredReview) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
