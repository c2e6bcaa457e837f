package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	oauth "github.com/giantswarm/oidc-server"
	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/internal/config"
	"github.com/giantswarm/oidc-server/internal/logging"
	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/server"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/storage/bolt"
	"github.com/giantswarm/oidc-server/storage/memory"
	"github.com/giantswarm/oidc-server/storage/postgres"
	redisstore "github.com/giantswarm/oidc-server/storage/redis"
)

var Version = "dev"

const (
	shutdownTimeout = 10 * time.Second

	// securityEventRate bounds repeated security log lines per client.
	securityEventRate  = 1
	securityEventBurst = 5
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = run()
	case "keygen":
		err = keygen(os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q (want serve or keygen)", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// keygen writes a fresh RSA signing key pair.
func keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	dir := fs.String("dir", "keys", "directory to write private.pem and public.pem into")
	bits := fs.Int("bits", keys.DefaultKeyBits, "RSA modulus size")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := keys.Generate(*bits)
	if err != nil {
		return err
	}
	if err := keys.WritePEM(*dir, key); err != nil {
		return err
	}

	fmt.Printf("wrote %s/%s and %s/%s (kid %s)\n",
		*dir, keys.PrivateKeyFile, *dir, keys.PublicKeyFile, keys.Thumbprint(&key.PublicKey))
	return nil
}

// backend is what every token store offers besides the server interfaces.
type backend interface {
	storage.TokenStore
	storage.ClientStore
	storage.SettingsStore
	SaveClient(ctx context.Context, client *storage.Client) error
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	// Signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keyManager, err := keys.LoadFromFiles(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.KeyID)
	if err != nil {
		return err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion:  Version,
		Enabled:         cfg.Metrics == config.MetricsPrometheus,
		MetricsExporter: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("initializing instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("instrumentation shutdown failed", "error", err)
		}
	}()

	// Authorization codes live in memory unless Redis is configured.
	codeMemory := memory.New()
	defer codeMemory.Stop()
	codeMemory.SetLogger(logger)
	codeMemory.SetInstrumentation(inst)

	store, closeStore, err := openBackend(ctx, cfg, logger, codeMemory)
	if err != nil {
		return err
	}
	defer closeStore()

	var codeStore storage.CodeStore = codeMemory
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing OIDC_REDIS_URL: %w", err)
		}
		rdb := goredis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		codeStore = redisstore.NewCodeStore(rdb, "")
		logger.Info("authorization codes stored in redis", "addr", opts.Addr)
	}

	if err := registerClients(ctx, cfg, store, logger); err != nil {
		return err
	}

	srv, err := server.New(store, codeStore, store, store, keyManager, &server.Config{
		Issuer:          cfg.Issuer,
		AccessTokenTTL:  int64(cfg.AccessTokenTTL / time.Second),
		RefreshTokenTTL: int64(cfg.RefreshTokenTTL / time.Second),
		TrustProxy:      cfg.TrustProxy,
		// config.Load already rejects http issuers in production
		AllowInsecureHTTP: !cfg.IsProduction(),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating token server: %w", err)
	}

	auditor := security.NewAuditor(logger, true)
	auditor.SetInstrumentation(inst)
	eventLimiter := security.NewRateLimiter(securityEventRate, securityEventBurst, logger)
	defer eventLimiter.Stop()

	srv.SetInstrumentation(inst)
	srv.SetAuditor(auditor)
	srv.SetSecurityEventRateLimiter(eventLimiter)

	handlerConfig := &oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Rate:  cfg.RateLimit,
			Burst: cfg.RateLimitBurst,
		},
	}
	if cfg.AuthUserHeader != "" {
		handlerConfig.Authenticator = oauth.HeaderAuthenticator{Header: cfg.AuthUserHeader}
		logger.Info("authorization endpoint enabled", "user_header", cfg.AuthUserHeader)
	}
	handler := oauth.NewHandler(srv, handlerConfig, logger)
	defer handler.Close()

	cleanup := server.NewCleanupScheduler(store, cfg.CleanupInterval, logger, inst)
	cleanup.SetAuditor(auditor)
	cleanup.Start()
	defer cleanup.Stop()
	logger.Info("expired token cleanup scheduled", "interval", cleanup.Interval())

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if cfg.Metrics == config.MetricsPrometheus {
		mux.Handle("/metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
	}()

	logger.Info("starting server",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("issuer", cfg.Issuer),
		slog.String("storage", cfg.Storage),
		slog.String("kid", keyManager.KeyID()),
	)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// openBackend opens the token, client and settings store selected by
// OIDC_STORAGE. The memory backend reuses the code store instance.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger, mem *memory.Store) (backend, func(), error) {
	switch cfg.Storage {
	case config.StorageBolt:
		s, err := bolt.Open(cfg.BoltPath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using bolt storage", "path", cfg.BoltPath)
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("closing bolt db failed", "error", err)
			}
		}, nil

	case config.StoragePostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("migrating postgres: %w", err)
		}
		logger.Info("using postgres storage")
		return s, s.Close, nil

	default:
		logger.Warn("using in-memory storage; tokens do not survive a restart")
		return mem, func() {}, nil
	}
}

// registerClients upserts the clients listed in OIDC_CLIENTS.
func registerClients(ctx context.Context, cfg *config.Config, store backend, logger *slog.Logger) error {
	clients, err := cfg.ParseClients()
	if err != nil {
		return err
	}

	for _, c := range clients {
		client := &storage.Client{
			ClientID:     c.ClientID,
			ClientType:   storage.ClientTypePublic,
			RedirectURIs: []string{c.RedirectURI},
			GrantTypes:   []string{string(server.GrantTypeAuthorizationCode), string(server.GrantTypeRefreshToken)},
		}
		if c.Secret != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(c.Secret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hashing secret for client %q: %w", c.ClientID, err)
			}
			client.ClientType = storage.ClientTypeConfidential
			client.ClientSecretHash = string(hash)
		}

		if err := store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("registering client %q: %w", c.ClientID, err)
		}
		logger.Info("registered client", "client_id", c.ClientID, "client_type", client.ClientType)
	}

	return nil
}
