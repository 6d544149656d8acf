package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/cache"
	"github.com/sells-group/company-search/internal/company"
	"github.com/sells-group/company-search/internal/config"
	"github.com/sells-group/company-search/internal/cost"
	"github.com/sells-group/company-search/internal/db"
	"github.com/sells-group/company-search/internal/interpret"
	"github.com/sells-group/company-search/internal/kv"
	"github.com/sells-group/company-search/internal/metrics"
	"github.com/sells-group/company-search/internal/resilience"
	"github.com/sells-group/company-search/internal/search"
	"github.com/sells-group/company-search/internal/verify"
	"github.com/sells-group/company-search/internal/worker"
	anthropicpkg "github.com/sells-group/company-search/pkg/anthropic"
	"github.com/sells-group/company-search/pkg/gemini"
	"github.com/sells-group/company-search/pkg/google"
	"github.com/sells-group/company-search/pkg/jina"
	"github.com/sells-group/company-search/pkg/perplexity"
)

// storeEnv holds the opened company store and the handles it was built on.
type storeEnv struct {
	Store company.Store

	pool   *pgxpool.Pool // postgres only
	sqlite *sql.DB       // sqlite only
}

// Close releases the store.
func (se *storeEnv) Close() {
	if se.Store != nil {
		_ = se.Store.Close()
	}
}

// searchEnv holds everything the serve and search commands need.
type searchEnv struct {
	*storeEnv

	KV           kv.Store
	Orchestrator *search.Orchestrator
	Breakers     *resilience.Breakers
	Metrics      *metrics.Recorder // nil when metrics are disabled
}

// initStore opens and migrates the company store.
func initStore(ctx context.Context, c *config.Config) (*storeEnv, error) {
	se := &storeEnv{}
	switch c.Store.Driver {
	case "sqlite":
		sqlDB, err := db.OpenSQLite(c.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		se.sqlite = sqlDB
		se.Store = company.NewSQLiteStore(sqlDB)
	case "postgres":
		pool, err := db.Connect(ctx, c.Store.DatabaseURL, c.Store.Pool)
		if err != nil {
			return nil, err
		}
		se.pool = pool
		se.Store = company.NewPostgresStore(pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	if err := se.Store.Migrate(ctx); err != nil {
		se.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return se, nil
}

// initKV opens the key-value store. An empty kv.dsn reuses the company
// store's connection when the drivers match.
func initKV(ctx context.Context, c *config.Config, se *storeEnv) (kv.Store, func(), error) {
	noop := func() {}
	switch c.KV.Driver {
	case "memory":
		return kv.NewMemoryStore(), noop, nil
	case "sqlite":
		sqlDB, closeFn := se.sqlite, noop
		if c.KV.DSN != "" || sqlDB == nil {
			dsn := c.KV.DSN
			if dsn == "" {
				dsn = "company-search-kv.db"
			}
			opened, err := db.OpenSQLite(dsn)
			if err != nil {
				return nil, nil, err
			}
			sqlDB, closeFn = opened, func() { _ = opened.Close() }
		}
		st := kv.NewSQLiteStore(sqlDB)
		if err := st.Migrate(ctx); err != nil {
			closeFn()
			return nil, nil, eris.Wrap(err, "migrate kv store")
		}
		return st, closeFn, nil
	case "postgres":
		pool, closeFn := se.pool, noop
		if c.KV.DSN != "" || pool == nil {
			if c.KV.DSN == "" {
				return nil, nil, eris.New("kv.dsn is required for the postgres kv driver without a postgres store")
			}
			opened, err := db.Connect(ctx, c.KV.DSN, c.Store.Pool)
			if err != nil {
				return nil, nil, err
			}
			pool, closeFn = opened, opened.Close
		}
		st := kv.NewPostgresStore(pool)
		if err := st.Migrate(ctx); err != nil {
			closeFn()
			return nil, nil, eris.Wrap(err, "migrate kv store")
		}
		return st, closeFn, nil
	default:
		return nil, nil, eris.Errorf("unsupported kv driver: %s", c.KV.Driver)
	}
}

// initSearch builds the orchestrator and its collaborators. Callers should
// defer env.Close().
func initSearch(ctx context.Context, c *config.Config, mode string) (*searchEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	se, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	store, closeKV, err := initKV(ctx, c, se)
	if err != nil {
		se.Close()
		return nil, err
	}
	env := &searchEnv{storeEnv: se, KV: store}
	inner := se.Store
	env.Store = closingStore{Store: inner, after: closeKV}

	calc := cost.NewCalculator(c.Pricing)

	var recorder search.Recorder = search.NopRecorder{}
	if c.Metrics.Enabled {
		env.Metrics = metrics.New()
		recorder = env.Metrics
	}

	var locker company.Locker = company.NewLocalLocker(0)
	if c.Merge.Lock == "kv" {
		locker = kv.NewLocker(store, "merge:", time.Duration(c.Merge.LockTTLSecs)*time.Second)
	}

	verifier := verify.New(store, verify.Options{
		Timeout:  time.Duration(c.Verify.TimeoutSecs) * time.Second,
		CacheTTL: time.Duration(c.Verify.CacheTTLHours) * time.Hour,
	})

	var anthropicClient anthropicpkg.Client
	if c.Anthropic.Key != "" {
		anthropicClient = anthropicpkg.NewClient(c.Anthropic.Key)
	} else {
		zap.L().Warn("SEARCH_ANTHROPIC_KEY not set, queries are used verbatim and the claude worker is disabled")
	}

	sources, err := initSources(ctx, c, calc, anthropicClient)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Breakers = resilience.NewBreakers(resilience.BreakerConfig{})
	workers := make([]search.Searcher, 0, len(sources))
	for _, src := range sources {
		wc := c.Worker(src.Name())
		workers = append(workers, worker.New(src, worker.Options{
			BatchSize:         wc.BatchSize,
			MaxCalls:          wc.MaxCalls,
			RatePerSec:        wc.RatePerSec,
			VerifyDomains:     wc.VerifyDomains,
			VerifyConcurrency: c.Verify.Concurrency,
			Timeout:           c.Search.WorkerTimeout(),
			ExcludeLimit:      c.Search.ExcludeHintLimit,
		}, env.Breakers.Get(src.Name()), verifier))
	}
	if len(workers) == 0 {
		env.Close()
		return nil, eris.New("no search workers enabled")
	}

	names := make([]string, 0, len(workers))
	for _, w := range workers {
		names = append(names, w.Name())
	}
	zap.L().Info("search workers ready", zap.Strings("workers", names))

	env.Orchestrator = search.New(search.Deps{
		Store:  inner,
		Merger: company.NewMerger(inner, locker),
		Interpreter: interpret.New(anthropicClient, calc, interpret.Options{
			Model: c.Anthropic.InterpreterModel,
		}),
		Workers:  workers,
		Results:  cache.NewResultCache(store, c.Search.ResultCacheTTL()),
		Limiter:  cache.NewRateLimiter(store, c.RateLimit.SearchesPerHour),
		Recorder: recorder,
	}, search.Options{
		MaxRounds:    c.Search.MaxRounds,
		FlushSize:    c.Search.FlushSize,
		DefaultCount: c.Search.DefaultCount,
		MaxCount:     c.Search.MaxCount,
		EventBuffer:  c.Search.EventBuffer,
	})
	return env, nil
}

// initSources builds one Source per enabled worker. Sources without
// credentials are still built; the worker reports them as not configured.
func initSources(ctx context.Context, c *config.Config, calc *cost.Calculator, anthropicClient anthropicpkg.Client) ([]worker.Source, error) {
	var sources []worker.Source
	for _, name := range config.WorkerNames {
		if !c.Worker(name).Enabled {
			zap.L().Debug("worker disabled", zap.String("worker", name))
			continue
		}
		switch name {
		case config.WorkerClaude:
			sources = append(sources, worker.NewClaude(anthropicClient, calc, c.Anthropic.SearchModel))
		case config.WorkerPerplexity:
			var client perplexity.Client
			if c.Perplexity.Key != "" {
				client = perplexity.NewClient(c.Perplexity.Key,
					perplexity.WithBaseURL(c.Perplexity.BaseURL),
					perplexity.WithModel(c.Perplexity.Model))
			}
			sources = append(sources, worker.NewPerplexity(client, calc, c.Perplexity.Model))
		case config.WorkerGemini:
			var client gemini.Client
			if c.Gemini.Key != "" {
				gc, err := gemini.NewClient(ctx, c.Gemini.Key, gemini.WithModel(c.Gemini.Model))
				if err != nil {
					return nil, err
				}
				client = gc
			}
			sources = append(sources, worker.NewGemini(client, calc, c.Gemini.Model))
		case config.WorkerPlaces:
			var client google.Client
			if c.Google.Key != "" {
				client = google.NewClient(c.Google.Key, google.WithBaseURL(c.Google.BaseURL))
			}
			sources = append(sources, worker.NewPlaces(client, calc))
		case config.WorkerJina:
			var client jina.Client
			if c.Jina.Key != "" {
				client = jina.NewClient(c.Jina.Key, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
			}
			sources = append(sources, worker.NewJina(client, calc, c.Verify.DirectoryBlocklist))
		}
	}
	return sources, nil
}

// closingStore runs after once the wrapped store is closed, so the kv
// handles are released with the store.
type closingStore struct {
	company.Store
	after func()
}

func (s closingStore) Close() error {
	err := s.Store.Close()
	s.after()
	return err
}
