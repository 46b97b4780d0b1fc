package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/pavelanni/cbsepaper/internal/assembly"
	"github.com/pavelanni/cbsepaper/internal/blueprint"
	"github.com/pavelanni/cbsepaper/internal/cache"
	"github.com/pavelanni/cbsepaper/internal/corpus"
	"github.com/pavelanni/cbsepaper/internal/engine"
	"github.com/pavelanni/cbsepaper/internal/generation"
	appI18n "github.com/pavelanni/cbsepaper/internal/i18n"
	"github.com/pavelanni/cbsepaper/internal/index"
	"github.com/pavelanni/cbsepaper/internal/llm"
	"github.com/pavelanni/cbsepaper/internal/pool"
	"github.com/pavelanni/cbsepaper/internal/selector"
	"github.com/pavelanni/cbsepaper/internal/store"
)

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("db", "papergen.db", "SQLite database path")
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "Generation model name")
	f.String("embed-model", "nomic-embed-text", "Embedding model name")
	f.Bool("json-schema", true, "Send the paper schema as a structured-output response format")
	f.String("redis-addr", "", "Redis address for the embedding cache (empty disables)")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.Duration("cache-ttl", cache.DefaultTTL, "Embedding cache entry lifetime")
}

func addEngineFlags(cmd *cobra.Command) {
	addStoreFlags(cmd)
	addLLMFlags(cmd)
	f := cmd.Flags()
	f.StringP("lang", "l", "en", "Default language for messages (en, hi)")
	f.String("blueprints", "", "YAML file with additional blueprints")
	f.String("index", "sqlite", "Vector index backend (sqlite, pgvector)")
	f.String("pg-dsn", "", "PostgreSQL DSN for the pgvector index")
	f.Duration("search-timeout", index.DefaultTimeout, "Timeout of one similarity query")

	pc := pool.DefaultConfig()
	f.Int("topk-multiplier", pc.TopKMultiplier, "Candidates fetched per blueprint question")
	f.Int("min-topk", pc.MinTopK, "Smallest topK of a similarity query")
	f.Int("recent-chapters", pc.RecentChapters, "Recent chapters mentioned in query text")
	f.Int("query-concurrency", pc.Concurrency, "Parallel similarity queries")
	f.Int("avoid-recent-papers", pc.AvoidRecentPapers, "Avoid questions used by the last N papers (0 disables)")

	sc := selector.DefaultConfig()
	f.Float64("repetition-penalty", sc.RepetitionPenalty, "Score penalty per same-chapter selection in a section")
	f.Int("max-backtracks", sc.MaxBacktracks, "Backtracking limit of the selector")
	f.Int("max-per-chapter", sc.MaxPerChapter, "Cap of selections per chapter in a section (0 disables)")

	gc := generation.DefaultConfig()
	f.Int("max-attempts", gc.MaxAttempts, "Generation attempts accepted for validation")
	f.Int("unreachable-retries", gc.UnreachableRetries, "Retries when the generator is unreachable")
	f.Duration("call-timeout", gc.CallTimeout, "Timeout of one generation call")
	f.Duration("backoff-base", gc.BackoffBase, "First retry delay")
	f.Duration("backoff-max", gc.BackoffMax, "Largest retry delay")
	f.Float64("rate-limit", 0, "Generation calls per second (0 disables)")
	f.Int("rate-burst", 1, "Generation call burst")

	f.String("qp-code", assembly.DefaultQPCode, "QP code printed on papers")
	f.String("series", assembly.DefaultSeries, "Series printed on papers")
	f.String("set-num", assembly.DefaultSetNum, "Set number printed on papers")
	f.Bool("randomize-ids", false, "Assign random series, set and QP code to each paper")
}

// app holds the wired components of one process.
type app struct {
	store    *store.Store
	catalog  *blueprint.Catalog
	engine   *engine.Engine
	importer *corpus.Importer
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLLMClient(v *viper.Viper) (*llm.Client, error) {
	client, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		v.GetString("embed-model"),
		llm.WithJSONSchema(v.GetBool("json-schema")),
	)
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	return client, nil
}

// newEmbedder wraps the client with the Redis cache when one is configured and
// reachable. The returned func releases the cache connection.
func newEmbedder(ctx context.Context, v *viper.Viper, client *llm.Client) (pool.Embedder, func()) {
	addr := v.GetString("redis-addr")
	if addr == "" {
		return client, func() {}
	}
	rdb, err := cache.Connect(ctx, addr, v.GetString("redis-password"), v.GetInt("redis-db"))
	if err != nil {
		slog.Warn("embedding cache unavailable, continuing without it", "addr", addr, "error", err)
		return client, func() {}
	}
	slog.Info("embedding cache enabled", "addr", addr)
	return cache.New(rdb, client, client.EmbeddingModel(), v.GetDuration("cache-ttl"), slog.Default()), func() { _ = rdb.Close() }
}

func newImporter(db *store.Store, e pool.Embedder, embedModel string) *corpus.Importer {
	return corpus.NewImporter(db, e, embedModel, slog.Default())
}

// buildApp wires the engine from configuration. ping checks the generation endpoint
// before returning.
func buildApp(ctx context.Context, v *viper.Viper, ping bool) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}

	a.store, err = store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	a.catalog = blueprint.NewCatalog()
	if path := v.GetString("blueprints"); path != "" {
		if err := a.catalog.LoadFile(path); err != nil {
			return nil, err
		}
	}

	client, err := newLLMClient(v)
	if err != nil {
		return nil, err
	}
	if ping {
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	embedder, closeCache := newEmbedder(ctx, v, client)
	a.closers = append(a.closers, closeCache)
	a.importer = newImporter(a.store, embedder, client.EmbeddingModel())

	var backend index.Searcher
	switch kind := v.GetString("index"); kind {
	case "sqlite", "":
		info, err := a.store.GetCorpusInfo()
		if err != nil {
			return nil, fmt.Errorf("read corpus info: %w", err)
		}
		if info.EmbeddingModel != "" && info.EmbeddingModel != client.EmbeddingModel() {
			slog.Warn("corpus was embedded with a different model; similarity scores will be meaningless",
				"corpus_model", info.EmbeddingModel, "embed_model", client.EmbeddingModel())
		}
		backend = a.store
	case "pgvector":
		pg, err := index.NewPGVector(ctx, v.GetString("pg-dsn"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		backend = pg
	default:
		return nil, fmt.Errorf("unknown index backend %q (want sqlite or pgvector)", kind)
	}
	searcher := index.NewGateway(backend, v.GetDuration("search-timeout"), slog.Default())

	builder := pool.New(embedder, searcher, pool.Config{
		TopKMultiplier:    v.GetInt("topk-multiplier"),
		MinTopK:           v.GetInt("min-topk"),
		RecentChapters:    v.GetInt("recent-chapters"),
		Concurrency:       v.GetInt("query-concurrency"),
		AvoidRecentPapers: v.GetInt("avoid-recent-papers"),
	}, pool.WithChapterLister(a.store), pool.WithUsageLister(a.store))

	sel := selector.New(selector.Config{
		RepetitionPenalty: v.GetFloat64("repetition-penalty"),
		MaxBacktracks:     v.GetInt("max-backtracks"),
		MaxPerChapter:     v.GetInt("max-per-chapter"),
	}, slog.Default())

	genOpts := []generation.Option{generation.WithLogger(slog.Default())}
	if r := v.GetFloat64("rate-limit"); r > 0 {
		genOpts = append(genOpts, generation.WithLimiter(rate.NewLimiter(rate.Limit(r), max(1, v.GetInt("rate-burst")))))
	}
	gcfg := generation.DefaultConfig()
	gcfg.MaxAttempts = v.GetInt("max-attempts")
	gcfg.UnreachableRetries = v.GetInt("unreachable-retries")
	gcfg.CallTimeout = v.GetDuration("call-timeout")
	gcfg.BackoffBase = v.GetDuration("backoff-base")
	gcfg.BackoffMax = v.GetDuration("backoff-max")
	driver, err := generation.New(client, gcfg, genOpts...)
	if err != nil {
		return nil, fmt.Errorf("create generation driver: %w", err)
	}

	asm := assembly.New(assembly.Config{
		QPCode:    v.GetString("qp-code"),
		Series:    v.GetString("series"),
		SetNum:    v.GetString("set-num"),
		Randomize: v.GetBool("randomize-ids"),
	}, assembly.WithTitles(appI18n.SectionTitle))

	a.engine = engine.New(engine.Deps{
		Catalog:   a.catalog,
		Inferrer:  a.store,
		Pool:      builder,
		Selector:  sel,
		Generator: driver,
		Assembler: asm,
		Persister: a.store,
	}, slog.Default())

	slog.Debug("engine ready", "index", v.GetString("index"), "blueprints", len(a.catalog.List()),
		"call_timeout", gcfg.CallTimeout.Round(time.Second))
	return a, nil
}
