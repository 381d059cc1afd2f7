package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/authrelay/authrelay/pkg/auth"
	"github.com/authrelay/authrelay/pkg/config"
	"github.com/authrelay/authrelay/pkg/observability"
	"github.com/authrelay/authrelay/pkg/session"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	httpLog := logrus.New()
	httpLog.SetFormatter(&logrus.JSONFormatter{})

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Session store and broadcaster: Redis when configured, in-process
	// otherwise.
	var store session.Store
	var broadcaster session.Broadcaster
	if cfg.Session.RedisURL != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisURL,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.WithError(err).Error("failed to reach redis")
			os.Exit(1)
		}
		store = session.NewRedisStore(client)
		broadcaster = session.NewRedisBroadcaster(client)
		defer client.Close()
	} else {
		store = session.NewMemoryStore()
		broadcaster = session.NewLocalBroadcaster()
	}
	defer broadcaster.Close()

	manager := session.NewManager(store, broadcaster, cfg.Session.Settings, log,
		session.WithMetrics(metrics))
	defer manager.Stop()

	// Providers behind one registry.
	samlProvider := auth.NewSAMLProvider(log)
	providers := auth.NewRegistry()
	providers.Register(auth.NewJWTProvider(log))
	providers.Register(auth.NewOAuth2Provider(log))
	providers.Register(samlProvider)
	providers.Register(auth.NewLDAPProvider(log))
	providers.Register(manager)

	// Provider-config storage is optional; without Postgres only presets
	// and environment overrides apply.
	var storage *auth.Storage
	if cfg.Providers.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.Providers.PostgresURL)
		if err != nil {
			log.WithError(err).Error("failed to open database")
			os.Exit(1)
		}
		defer db.Close()
		storage = auth.NewStorage(db)

		records, err := storage.ListProviders(true)
		if err != nil {
			log.WithError(err).Warn("failed to load stored provider configs")
		} else {
			stored := auth.SettingsFromRecords(records)
			if err := providers.ConfigureAll(stored); err != nil {
				log.WithError(err).Error("failed to apply stored provider configs")
				os.Exit(1)
			}
			for name, sc := range stored.SAML {
				if !sc.SigningEnabled || sc.Certificate == "" {
					continue
				}
				verifier, err := auth.NewXMLDSigVerifier(sc, cfg.Server.BaseURL+"/sso/metadata/"+name)
				if err != nil {
					log.WithError(err).WithField("saml_provider", name).
						Error("failed to build signature verifier")
					os.Exit(1)
				}
				samlProvider.SetVerifier(name, verifier)
			}
		}
	}

	if err := providers.ConfigureAll(cfg.ProviderSettings()); err != nil {
		log.WithError(err).Error("failed to apply provider settings")
		os.Exit(1)
	}
	if err := providers.InitializeAll(context.Background()); err != nil {
		log.WithError(err).Error("failed to initialize providers")
		os.Exit(1)
	}

	orchestrator := auth.NewOrchestrator(providers, log,
		auth.WithPersister(manager),
		auth.WithMetrics(metrics))

	router := mux.NewRouter()
	handlers := auth.NewHandlers(orchestrator, storage, manager.Settings(), cfg.Server.BaseURL, httpLog, metrics)
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	metricsServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.MetricsPort,
		Handler: observability.Handler(registry),
	}

	go func() {
		log.WithField("addr", metricsServer.Addr).Info("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	go func() {
		log.WithField("addr", server.Addr).Info("authrelay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("metrics shutdown failed")
	}
}
