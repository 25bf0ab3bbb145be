package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/requests-cacher/pkg/cache"
	"github.com/Sternrassler/requests-cacher/pkg/client"
	"github.com/Sternrassler/requests-cacher/pkg/logging"
	"github.com/Sternrassler/requests-cacher/pkg/metrics"
	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// config is read from the environment.
type config struct {
	Domain       string            `env:"UPSTREAM_DOMAIN,required"`
	Headers      map[string]string `env:"UPSTREAM_HEADERS"`
	Port         string            `env:"PORT" envDefault:"8080"`
	DatabasePath string            `env:"CACHE_DB_PATH"`
	RedisAddr    string            `env:"REDIS_ADDR"`
	LogLevel     string            `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty    bool              `env:"LOG_PRETTY"`
}

func loadConfig(opts env.Options) (config, error) {
	var cfg config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig(env.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})
	logger := logging.NewLogger("cache-proxy")

	store, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open cache store")
	}

	sessionCfg := client.DefaultConfig(cfg.Domain, store)
	sessionCfg.Headers = cfg.Headers
	session, err := client.New(sessionCfg)
	if err != nil {
		closeStore(store, logger)
		logger.Fatal().Err(err).Msg("Failed to create session")
	}
	defer session.Close()

	addr := ":" + cfg.Port
	logger.Info().
		Str("addr", addr).
		Str("upstream", cfg.Domain).
		Msg("Starting cache proxy server")

	server := &http.Server{
		Addr:              addr,
		Handler:           newMux(session, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serve(server, logger)
}

// serve runs server until it stops and logs any failure other than a
// regular shutdown.
func serve(server *http.Server, logger zerolog.Logger) {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Str("addr", server.Addr).Msg("Server failed")
	}
}

func closeStore(store cache.Store, logger zerolog.Logger) {
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close cache store")
	}
}

// openStore selects Redis when REDIS_ADDR is set, otherwise SQLite at
// CACHE_DB_PATH or in the data directory above the working directory.
func openStore(ctx context.Context, cfg config, logger zerolog.Logger) (cache.Store, error) {
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("redis", cfg.RedisAddr).Msg("Using Redis cache store")
		return &ownedRedisStore{RedisStore: cache.NewRedisStore(redisClient), client: redisClient}, nil
	}

	if cfg.DatabasePath != "" {
		store, err := cache.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", store.Path()).Msg("Using SQLite cache store")
		return store, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working dir: %w", err)
	}
	store, err := cache.OpenDiscovered(wd)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", store.Path()).Msg("Using discovered SQLite cache store")
	return store, nil
}

// ownedRedisStore closes the Redis client it was opened with.
type ownedRedisStore struct {
	*cache.RedisStore
	client *redis.Client
}

func (s *ownedRedisStore) Close() error {
	return s.client.Close()
}

var _ cache.Store = (*ownedRedisStore)(nil)

func newMux(session *client.Session, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/cache/", cacheHandler(session, logger))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// cacheHandler serves GET /cache/<endpoint>?params through the session.
// Sessions are single-threaded, so requests are serialized.
func cacheHandler(session *client.Session, logger zerolog.Logger) http.HandlerFunc {
	var mu sync.Mutex

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		endpoint := strings.TrimPrefix(r.URL.Path, "/cache/")
		if endpoint == "" {
			http.Error(w, "endpoint is required", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		mu.Lock()
		body, err := session.Get(ctx, endpoint, queryParams(r))
		mu.Unlock()

		if err != nil {
			var httpErr *client.HTTPError
			if errors.As(err, &httpErr) {
				logger.Warn().
					Str("endpoint", endpoint).
					Int("status", httpErr.StatusCode).
					Msg("Upstream request failed")
				w.WriteHeader(httpErr.StatusCode)
				w.Write(httpErr.Body)
				return
			}
			logger.Error().Err(err).Str("endpoint", endpoint).Msg("Cache request failed")
			http.Error(w, fmt.Sprintf("request failed: %v", err), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.Error().Err(err).Msg("Failed to write response")
		}
	}
}

// queryParams converts the request query into session params.
func queryParams(r *http.Request) client.Params {
	query := r.URL.Query()
	if len(query) == 0 {
		return nil
	}

	params := make(client.Params, len(query))
	for key, values := range query {
		if len(values) == 1 {
			params[key] = values[0]
			continue
		}
		params[key] = values
	}
	return params
}
