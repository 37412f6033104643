// Command policyhostd runs a policy host: it loads modules from the
// configured catalog, keeps them reloaded and serves the admin API and
// Prometheus metrics. Configuration comes from the environment; see package
// config.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/policyhost"
	"github.com/ggoodman/policyhost/admin"
	"github.com/ggoodman/policyhost/broker/redis"
	"github.com/ggoodman/policyhost/builtin"
	"github.com/ggoodman/policyhost/config"
	"github.com/ggoodman/policyhost/internal/jwtauth"
	"github.com/ggoodman/policyhost/reload"
	"github.com/ggoodman/policyhost/storage"
	"github.com/ggoodman/policyhost/storage/memory"
	redisstorage "github.com/ggoodman/policyhost/storage/redis"
	"github.com/ggoodman/policyhost/store"
	"github.com/ggoodman/policyhost/store/filestore"
	"github.com/ggoodman/policyhost/store/memstore"
	"github.com/ggoodman/policyhost/store/redisstore"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("policyhostd exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logHandler := cfg.LogHandler(os.Stderr)
	log := slog.New(logHandler)
	slog.SetDefault(log)

	kinds, err := cfg.ManagedKinds()
	if err != nil {
		return err
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	var checker builtin.PasswordChecker
	if cfg.UsersFile != "" {
		f, err := os.Open(cfg.UsersFile)
		if err != nil {
			return fmt.Errorf("open users file: %w", err)
		}
		users, err := builtin.LoadBcryptUsers(f)
		_ = f.Close()
		if err != nil {
			return err
		}
		checker = users
	}

	var (
		catalog  store.Catalog
		sessions storage.Storage
		triggers []reload.Trigger
		notifier admin.Notifier
	)
	switch cfg.Store {
	case config.StoreRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		if catalog, err = redisstore.New(redisstore.Config{Client: client, KeyPrefix: cfg.RedisPrefix}); err != nil {
			return err
		}
		if sessions, err = redisstorage.New(redisstorage.Config{Client: client, KeyPrefix: cfg.RedisPrefix + "storage:"}); err != nil {
			return err
		}
		b, err := redis.New(redis.Config{Client: client, KeyPrefix: cfg.RedisPrefix + "broker:"})
		if err != nil {
			return err
		}
		notifier = &reload.Notifier{Broker: b, NodeID: nodeID}
		triggers = append(triggers, reload.BrokerTrigger{Broker: b, NodeID: nodeID, LogHandler: logHandler})
	case config.StoreFile:
		if catalog, err = filestore.New(filestore.Config{Dir: cfg.ModuleDir}); err != nil {
			return err
		}
		triggers = append(triggers, reload.FileTrigger{Dir: cfg.ModuleDir, LogHandler: logHandler})
	default:
		if catalog, err = memstore.New(memstore.Config{}); err != nil {
			return err
		}
	}
	defer catalog.Close()
	if sessions == nil {
		if sessions, err = memory.NewWithSweep(cfg.SessionMaxItems, time.Minute); err != nil {
			return err
		}
	}
	if cfg.PollInterval > 0 {
		triggers = append(triggers, reload.PollTrigger{Interval: cfg.PollInterval})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.HandleKey == nil && cfg.Store == config.StoreRedis {
		log.Warn("POLICYHOST_HANDLE_KEY is not set; session handles will not verify on other nodes")
	}
	host, err := policyhost.New(policyhost.Config{
		Source:                 catalog,
		ErrorLog:               catalog,
		Kinds:                  kinds,
		ExternalAuthConfigured: cfg.ExternalAuth,
		PasswordChecker:        checker,
		InvokeTimeout:          cfg.InvokeTimeout,
		Storage:                sessions,
		SessionTTL:             cfg.SessionTTL,
		HandleKey:              ed25519.PrivateKey(cfg.HandleKey),
		Registerer:             reg,
		LogHandler:             logHandler,
	})
	if err != nil {
		return err
	}

	adminCfg := admin.Config{
		Reloader:   host.Coordinator(),
		ErrorLog:   catalog,
		Notifier:   notifier,
		Realm:      "policyhost",
		LogHandler: logHandler,
	}
	if cfg.AdminIssuer != "" {
		auth, err := adminAuthenticator(ctx, cfg)
		if err != nil {
			return err
		}
		adminCfg.Auth = auth
	}
	adminHandler, err := admin.New(adminCfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return host.Run(gctx, triggers...) })
	g.Go(func() error { return serve(gctx, log, "admin", cfg.ListenAddr, adminHandler) })
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		g.Go(func() error { return serve(gctx, log, "metrics", cfg.MetricsAddr, mux) })
	}

	log.Info("policyhostd started",
		slog.String("node", nodeID),
		slog.String("store", cfg.Store),
		slog.String("listen", cfg.ListenAddr),
	)
	return g.Wait()
}

func adminAuthenticator(ctx context.Context, cfg *config.Config) (jwtauth.Authenticator, error) {
	jc := jwtauth.Config{
		Issuer:         cfg.AdminIssuer,
		Audiences:      []string{cfg.AdminAudience},
		RequiredScopes: []string{cfg.AdminScope},
		RequireATType:  true,
	}
	if cfg.AdminJWKSURI != "" {
		return jwtauth.NewStatic(ctx, jc, cfg.AdminJWKSURI)
	}
	return jwtauth.NewFromDiscovery(ctx, jc)
}

// serve runs an HTTP server until ctx is done, then drains it.
func serve(ctx context.Context, log *slog.Logger, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}
	log.Info("shutting down", slog.String("server", name))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server shutdown: %w", name, err)
	}
	return nil
}
