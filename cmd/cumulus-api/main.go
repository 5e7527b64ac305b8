package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cumulusdata/cumulus/internal/catalog"
	"github.com/cumulusdata/cumulus/internal/dualwrite"
	"github.com/cumulusdata/cumulus/internal/httpapi"
	"github.com/cumulusdata/cumulus/internal/ingest"
	"github.com/cumulusdata/cumulus/internal/objectstore"
	"github.com/cumulusdata/cumulus/internal/relocate"
	"github.com/cumulusdata/cumulus/internal/store"
)

func main() {
	logger := newLogger(os.Getenv("CUMULUS_LOG_LEVEL"), os.Getenv("CUMULUS_LOG_FORMAT"))
	addr := os.Getenv("CUMULUS_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildAppFromEnv(ctx, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize backends")
	}
	defer a.Close()
	a.pipeline.Start()

	srv := &http.Server{Addr: addr, Handler: a.server, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Str("profile", a.profile).Msg("cumulus api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Str("service", "cumulus-api").Logger()
}

type app struct {
	profile    string
	relational store.RelationalStore
	documents  store.DocumentStore
	index      store.SearchIndex
	pipeline   *ingest.Pipeline
	server     *httpapi.Server
}

func (r *app) Close() {
	_ = r.pipeline.Close()
	_ = r.index.Close()
	_ = r.documents.Close()
	_ = r.relational.Close()
}

func buildAppFromEnv(ctx context.Context, logger zerolog.Logger) (*app, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("CUMULUS_BACKEND_PROFILE")))
	dsns, err := storageProfileDefaultsFromEnv(profile)
	if err != nil {
		return nil, err
	}
	dsns = dsns.withOverrides()

	relational, err := store.BuildRelationalStoreFromDSN(dsns.relational)
	if err != nil {
		return nil, fmt.Errorf("relational store: %w", err)
	}
	documents, err := store.BuildDocumentStoreFromDSN(ctx, dsns.document)
	if err != nil {
		_ = relational.Close()
		return nil, fmt.Errorf("document store: %w", err)
	}
	index, err := store.BuildSearchIndexFromDSN(dsns.index)
	if err != nil {
		_ = documents.Close()
		_ = relational.Close()
		return nil, fmt.Errorf("search index: %w", err)
	}
	closeStores := func() {
		_ = index.Close()
		_ = documents.Close()
		_ = relational.Close()
	}
	objects, err := objectstore.BuildFromDSN(ctx, dsns.object)
	if err != nil {
		closeStores()
		return nil, fmt.Errorf("object store: %w", err)
	}
	queue, err := ingest.BuildQueueFromDSN(dsns.queue, intEnv("CUMULUS_QUEUE_SIZE", 0))
	if err != nil {
		closeStores()
		return nil, fmt.Errorf("ingest queue: %w", err)
	}

	coord := dualwrite.New(relational, dualwrite.Options{
		Documents: documents,
		Index:     index,
		Objects:   objects,
	})
	coord.SetLogger(logger.With().Str("component", "dualwrite").Logger())

	pipeline := ingest.NewPipeline(coord, ingest.Options{
		Queue:       queue,
		Workers:     intEnv("CUMULUS_INGEST_WORKERS", 0),
		MaxAttempts: intEnv("CUMULUS_MAX_MESSAGE_ATTEMPTS", 0),
		RetryDelay:  durationEnv("CUMULUS_MESSAGE_RETRY_DELAY", 0),
	})
	pipeline.SetLogger(logger.With().Str("component", "ingest").Logger())

	engine := relocate.NewEngine(coord, objects, relocate.Options{
		Concurrency: intEnv("CUMULUS_MOVE_CONCURRENCY", 0),
		Catalog:     buildCatalogFromEnv(),
	})
	engine.SetLogger(logger.With().Str("component", "relocate").Logger())

	server := httpapi.NewServerWithConfig(coord, pipeline, engine, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("CUMULUS_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("CUMULUS_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("CUMULUS_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv("CUMULUS_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("CUMULUS_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("CUMULUS_MAX_BODY_BYTES", 0),
		BackendProfile:     profile,
	})
	server.SetLogger(logger.With().Str("component", "httpapi").Logger())

	return &app{
		profile:    profile,
		relational: relational,
		documents:  documents,
		index:      index,
		pipeline:   pipeline,
		server:     server,
	}, nil
}

func buildCatalogFromEnv() catalog.Reconciler {
	endpoint := strings.TrimSpace(os.Getenv("CUMULUS_CATALOG_ENDPOINT"))
	if endpoint == "" {
		return catalog.Nop{}
	}
	return catalog.NewHTTPReconciler(catalog.HTTPOptions{
		Endpoint: endpoint,
		Token:    os.Getenv("CUMULUS_CATALOG_TOKEN"),
		RetryMax: intEnv("CUMULUS_CATALOG_RETRY_MAX", 0),
	})
}

type backendDSNs struct {
	relational string
	document   string
	index      string
	object     string
	queue      string
}

// withOverrides applies the per-backend DSN variables over the profile.
func (d backendDSNs) withOverrides() backendDSNs {
	override := func(current *string, name string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*current = v
		}
	}
	override(&d.relational, "CUMULUS_RELATIONAL_DSN")
	override(&d.document, "CUMULUS_DOCUMENT_DSN")
	override(&d.index, "CUMULUS_INDEX_DSN")
	override(&d.object, "CUMULUS_OBJECT_DSN")
	override(&d.queue, "CUMULUS_QUEUE_DSN")
	return d
}

func storageProfileDefaultsFromEnv(profile string) (backendDSNs, error) {
	dataDir := strings.TrimSpace(os.Getenv("CUMULUS_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".cumulus"
	}
	switch profile {
	case "", "custom":
		return backendDSNs{}, nil
	case "memory", "inmemory":
		return backendDSNs{
			relational: "memory://",
			document:   "memory://",
			index:      "memory://",
			object:     "memory://",
			queue:      "memory://",
		}, nil
	case "durable-local", "local-durable":
		return backendDSNs{queue: filepath.Join(dataDir, "ingest-queue.json")}, nil
	case "production", "prod":
		postgresDSN := strings.TrimSpace(os.Getenv("CUMULUS_POSTGRES_DSN"))
		if postgresDSN == "" {
			return backendDSNs{}, fmt.Errorf("CUMULUS_POSTGRES_DSN is required when CUMULUS_BACKEND_PROFILE=%s", profile)
		}
		region := strings.TrimSpace(os.Getenv("AWS_REGION"))
		if region == "" {
			region = "us-east-1"
		}
		return backendDSNs{
			relational: postgresDSN,
			document:   "dynamodb://" + region,
			index:      strings.TrimSpace(os.Getenv("CUMULUS_ELASTICSEARCH_DSN")),
			object:     "s3://" + region,
			queue:      postgresDSN,
		}, nil
	default:
		return backendDSNs{}, fmt.Errorf("unsupported CUMULUS_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
