package cli

import (
	"context"
	"errors"
	"fmt"

	"reviewsearch/config"
	"reviewsearch/internal/adapter/analyzer"
	"reviewsearch/internal/adapter/cache"
	"reviewsearch/internal/adapter/embedding"
	"reviewsearch/internal/adapter/fs"
	"reviewsearch/internal/adapter/store"
	"reviewsearch/internal/index"
	"reviewsearch/internal/port"
	"reviewsearch/internal/query"
	"reviewsearch/internal/usecase"
)

// runtime is the wired service: store, embedder, engines and use cases.
type runtime struct {
	cfg      *config.Config
	dbPath   string
	store    *store.BoltStore
	records  port.RecordStore
	cache    *cache.RecordCache
	embedder port.Embedder
	engine   *index.Engine
	query    *query.Engine
	ingest   *usecase.IngestUseCase
	search   *usecase.SearchUseCase
}

// openRuntime opens the index under dir. The caller must Close it.
func openRuntime(ctx context.Context, cfg *config.Config, dir string) (*runtime, error) {
	if cfg.Storage.Path == "" {
		if err := config.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create .reviewsearch directory: %w", err)
		}
	}
	rt := &runtime{cfg: cfg, dbPath: cfg.IndexDBPath(dir)}

	st, err := store.NewBoltStore(rt.dbPath, store.Options{
		Timeout:     cfg.Storage.Timeout,
		LockTimeout: cfg.Storage.LockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open index store: %w", err)
	}
	rt.store = st

	migration, err := st.Prepare(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	if migration.EmbedderChanged {
		log.Warn().Str("reason", migration.Reason).
			Msg("stored vectors were produced by another embedding setup, consider re-ingesting")
	}

	rt.records = st
	if cfg.Storage.CacheMB > 0 {
		rt.cache = cache.NewRecordCache(st, cfg.Storage.CacheMB, cfg.Storage.CacheTTL)
		rt.records = rt.cache
	}

	rt.embedder, err = newEmbedder(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	rt.engine = index.New(rt.records, st, index.Options{
		Dimension:          cfg.Index.Dimension,
		MaxPartitionSize:   cfg.Index.MaxPartitionSize,
		MergeLowWatermark:  cfg.Index.MergeLowWatermark,
		SplitIterations:    cfg.Index.SplitIterations,
		MaxRetries:         cfg.Index.MaxRetries,
		RetryDelay:         cfg.Index.RetryDelay,
		RetryMaxDelay:      cfg.Index.RetryMaxDelay,
		CheckpointInterval: cfg.Index.CheckpointInterval,
		FixupQueueSize:     cfg.Index.FixupQueueSize,
		Reassign: index.ReassignOptions{
			Enabled:        cfg.Reassign.Enabled,
			Interval:       cfg.Reassign.Interval,
			MaxInterval:    cfg.Reassign.MaxInterval,
			SampleSize:     cfg.Reassign.SampleSize,
			MovesPerSecond: cfg.Reassign.MovesPerSecond,
			LoadThreshold:  cfg.Reassign.LoadThreshold,
			Margin:         cfg.Reassign.Margin,
		},
		Logger: log,
	})
	if d := rt.embedder.Dimension(); d != rt.engine.Dimension() {
		st.Close()
		return nil, fmt.Errorf("embedder produces %d-dimensional vectors, index expects %d", d, rt.engine.Dimension())
	}
	if err := rt.engine.Open(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	rt.query = query.New(rt.engine.Partitions(), rt.records, query.Config{
		Fanout:      cfg.Search.Fanout,
		Parallelism: cfg.Search.Parallelism,
		Track:       rt.engine.Track,
		OnDangling:  rt.engine.ReportDangling,
		Logger:      log,
	})
	rt.ingest = usecase.NewIngestUseCase(
		rt.engine,
		rt.embedder,
		fs.NewWalker(cfg.Ingest.Includes, cfg.Ingest.Excludes),
		cfg.Ingest.BatchSize,
		log,
	)
	rt.search = usecase.NewSearchUseCase(rt.query, rt.embedder, cfg.Search.DefaultTopK, cfg.Search.MaxTopK, cfg.Search.Timeout)
	return rt, nil
}

func newEmbedder(ctx context.Context, cfg *config.Config, st *store.BoltStore) (port.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "hashing":
		var opts []embedding.HashingOption
		if cfg.Embedding.Analyzer == "english" {
			opts = append(opts, embedding.WithTokenizer(analyzer.NewTokenizer(analyzer.Options{
				Stemming: true,
				Negation: true,
			})))
		}
		emb := embedding.NewHashingEmbedder(cfg.Index.Dimension, opts...)
		var state embedding.HashingState
		ok, err := st.GetMeta(ctx, store.KeyEmbedderState, &state)
		if err != nil {
			return nil, fmt.Errorf("failed to load embedder state: %w", err)
		}
		if ok {
			if err := emb.Restore(state); err != nil {
				log.Warn().Err(err).Msg("ignoring stored embedder state")
			}
		}
		return emb, nil
	case "openai":
		emb, err := embedding.NewOpenAIEmbedder(embedding.OpenAIOptions{
			APIKeyEnv: cfg.Embedding.APIKeyEnv,
			Model:     cfg.Embedding.Model,
			BaseURL:   cfg.Embedding.BaseURL,
			Dimension: cfg.Index.Dimension,
			BatchSize: cfg.Embedding.BatchSize,
			Timeout:   cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return emb, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Embedding.Provider)
	}
}

// Close stops the engine, saves learned embedder statistics and closes
// the store.
func (rt *runtime) Close() error {
	var errs []error
	if err := rt.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if h, ok := rt.embedder.(*embedding.HashingEmbedder); ok {
		if err := rt.store.PutMeta(context.Background(), store.KeyEmbedderState, h.State()); err != nil {
			errs = append(errs, fmt.Errorf("failed to save embedder state: %w", err))
		}
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
