// Command resolverd runs the label resolution service: the tiered resolver
// pipeline plus the review queue admin API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rudnitski/healthup-resolver/internal/config"
	"github.com/rudnitski/healthup-resolver/internal/fuzzy"
	"github.com/rudnitski/healthup-resolver/internal/resolver"
	"github.com/rudnitski/healthup-resolver/internal/review"
	"github.com/rudnitski/healthup-resolver/internal/semantic"
	"github.com/rudnitski/healthup-resolver/internal/server"
	"github.com/rudnitski/healthup-resolver/internal/service/embedding"
	"github.com/rudnitski/healthup-resolver/internal/storage"
	"github.com/rudnitski/healthup-resolver/internal/telemetry"
	"github.com/rudnitski/healthup-resolver/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("RESOLVER_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("resolverd starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	if cfg.SeedFile != "" {
		if err := importSeeds(ctx, db, cfg.SeedFile, logger); err != nil {
			return fmt.Errorf("seed import: %w", err)
		}
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// Backfill embeddings for aliases stored without one (e.g. seeded rows, or
	// rows written while the provider was noop). Runs once at startup, non-fatal.
	if cfg.BackfillBatch > 0 {
		if n, err := backfillAliasEmbeddings(ctx, db, embedder, cfg.BackfillBatch); err != nil {
			logger.Warn("embedding backfill failed", "error", err)
		} else if n > 0 {
			logger.Info("embedding backfill complete", "count", n)
		}
	}

	matcher := fuzzy.NewStoreMatcher(db, embedder, cfg.FuzzyTimeout, logger)

	var sem semantic.Resolver
	if cfg.OpenAIAPIKey != "" {
		r, err := semantic.NewOpenAIResolver(cfg.OpenAIAPIKey, cfg.SemanticModel, cfg.SemanticBaseURL, logger)
		if err != nil {
			return fmt.Errorf("semantic resolver: %w", err)
		}
		sem = r
		logger.Info("semantic resolver: openai", "model", cfg.SemanticModel)
	} else {
		sem = semantic.NoopResolver{}
		logger.Warn("no OPENAI_API_KEY, semantic tier disabled (abstains on every item)")
	}

	reviewSvc := review.New(db, logger)

	audit := resolver.MultiEmitter{
		resolver.SlogEmitter{Logger: logger},
		resolver.StoreEmitter{DB: db, Logger: logger},
	}

	resolverSvc, err := resolver.New(resolver.Config{
		AcceptThreshold:     cfg.AcceptThreshold,
		AmbiguityDelta:      cfg.AmbiguityDelta,
		QueueLowerThreshold: cfg.QueueLowerThreshold,
		LearnThreshold:      cfg.LearnThreshold,
		MaxBatchSize:        cfg.MaxBatchSize,
		FuzzyTimeout:        cfg.FuzzyTimeout,
		SemanticTimeout:     cfg.SemanticTimeout,
		FuzzyTopK:           2,
	}, db, matcher, sem, embedder, reviewSvc, audit, logger)
	if err != nil {
		return fmt.Errorf("resolver: %w", err)
	}

	if db.HasNotifyConn() {
		go reviewNotifyLoop(ctx, db, logger)
	}

	srv := server.New(server.ServerConfig{
		DB:              db,
		Matcher:         matcher,
		ResolverSvc:     resolverSvc,
		ReviewSvc:       reviewSvc,
		Logger:          logger,
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		Version:         version,
		MaxRequestBytes: cfg.MaxRequestBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("resolverd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("resolverd stopped")
	return nil
}

// importSeeds loads a JSON seed vocabulary. Idempotent: existing codes and
// alias keys are left untouched.
func importSeeds(ctx context.Context, db *storage.DB, path string, logger *slog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seeds []storage.SeedEntry
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	inserted, err := db.SeedCanonical(ctx, seeds)
	if err != nil {
		return err
	}
	logger.Info("seed import complete", "entries", len(seeds), "aliases_inserted", inserted)
	return nil
}

// backfillAliasEmbeddings computes embeddings for alias rows missing one.
func backfillAliasEmbeddings(ctx context.Context, db *storage.DB, embedder embedding.Provider, batch int) (int, error) {
	total := 0
	for {
		keys, err := db.AliasKeysWithoutEmbedding(ctx, batch)
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			return total, nil
		}
		vecs, err := embedder.EmbedBatch(ctx, keys)
		if err != nil {
			return total, err
		}
		wrote := 0
		for i, key := range keys {
			if embedding.IsZeroVector(vecs[i]) {
				continue
			}
			if err := db.SetAliasEmbedding(ctx, key, vecs[i]); err != nil {
				return total, err
			}
			wrote++
		}
		total += wrote
		if wrote == 0 {
			// Noop provider, or nothing embeddable; avoid spinning.
			return total, nil
		}
		if len(keys) < batch {
			return total, nil
		}
	}
}

// reviewNotifyLoop surfaces freshly queued review items in the logs so
// operators see them without polling the admin API.
func reviewNotifyLoop(ctx context.Context, db *storage.DB, logger *slog.Logger) {
	if err := db.Listen(ctx, storage.ChannelReview); err != nil {
		logger.Warn("review listen failed", "error", err)
		return
	}
	for {
		channel, payload, err := db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("review notification wait failed", "error", err)
			return
		}
		logger.Info("review item queued", "channel", channel, "payload", payload)
	}
}

// newEmbeddingProvider selects the embedding provider. Auto mode prefers a
// reachable Ollama (on-premises, no per-call cost), then OpenAI if a key is
// present, else noop; the fuzzy tier degrades to trigram-only scoring on noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when RESOLVER_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai embedding provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (trigram-only fuzzy matching)")
		return embedding.NewNoopProvider(dims)

	default: // "auto"
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai embedding provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel)
			return p
		}
		logger.Warn("no embedding provider available, using noop (trigram-only fuzzy matching)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks whether an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
