package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blogchat/chatrelay/internal/chat"
	"github.com/blogchat/chatrelay/internal/config"
	"github.com/blogchat/chatrelay/internal/httpserver"
	"github.com/blogchat/chatrelay/internal/logging"
	"github.com/blogchat/chatrelay/internal/metrics"
	"github.com/blogchat/chatrelay/internal/observability"
	"github.com/blogchat/chatrelay/internal/provider"
	"github.com/blogchat/chatrelay/internal/version"
)

func main() {
	if err := config.LoadDotEnv("."); err != nil {
		log.Fatalf("load .env failed: %v", err)
	}
	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	closer, err := logging.Setup(cfg.LogFile, "[relayd] ")
	if err != nil {
		log.Fatalf("init rotating log: %v", err)
	}
	defer closer.Close()
	log.Printf("relayd %s env=%s engine=%s", version.FullInfo(), cfg.Environment, cfg.Engine)

	ctx := context.Background()
	tp, err := observability.Setup(ctx, cfg.TraceEndpoint, "chatrelay-relayd")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	if tp != nil {
		log.Printf("tracing enabled endpoint=%s", cfg.TraceEndpoint)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Printf("trace provider shutdown: %v", err)
			}
		}()
	}

	overrides, err := providerOverrides(cfg)
	if err != nil {
		log.Fatalf("load model catalog: %v", err)
	}
	engine, err := provider.ParseEngine(cfg.Engine)
	if err != nil {
		log.Fatalf("%v", err)
	}
	table, err := provider.New(provider.Options{
		Engine:           engine,
		UpstreamTimeout:  cfg.UpstreamTimeout,
		AnthropicVersion: cfg.AnthropicVersion,
		Overrides:        overrides,
	})
	if err != nil {
		log.Fatalf("build provider table: %v", err)
	}
	for _, p := range table.List() {
		log.Printf("provider %s default_model=%s", p.Kind, p.DefaultModel)
	}

	relay := httpserver.New(table)
	relay.SetLogger(cfg.LogLevel, logging.New("[relayd/http] "))
	if cfg.MetricsEnabled {
		relay.SetMetrics(metrics.NewCollector())
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           relay.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Replies stream for as long as the upstream produces tokens.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("relay listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigs
	log.Printf("received %s, draining for up to %s", sig, cfg.ShutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// providerOverrides layers the configured base URLs over the model catalog.
func providerOverrides(cfg config.RelayConfig) (map[chat.ProviderKind]provider.Settings, error) {
	overrides := map[chat.ProviderKind]provider.Settings{}
	if cfg.ModelCatalogFile != "" {
		catalog, err := provider.LoadCatalog(cfg.ModelCatalogFile)
		if err != nil {
			return nil, err
		}
		for kind, s := range catalog {
			overrides[kind] = s
		}
	}
	for kind, baseURL := range map[chat.ProviderKind]string{
		chat.ProviderDeepSeek:  cfg.DeepSeekBaseURL,
		chat.ProviderOpenAI:    cfg.OpenAIBaseURL,
		chat.ProviderAnthropic: cfg.AnthropicBaseURL,
		chat.ProviderGoogle:    cfg.GoogleBaseURL,
	} {
		if baseURL == "" {
			continue
		}
		s := overrides[kind]
		s.BaseURL = baseURL
		overrides[kind] = s
	}
	return overrides, nil
}
