package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"llmcouncil/internal/arena"
	"llmcouncil/internal/attachments"
	"llmcouncil/internal/auth"
	"llmcouncil/internal/catalog"
	"llmcouncil/internal/config"
	"llmcouncil/internal/council"
	"llmcouncil/internal/httpapi"
	"llmcouncil/internal/llm"
	"llmcouncil/internal/observability"
	"llmcouncil/internal/pending"
	"llmcouncil/internal/retrysynthesis"
	"llmcouncil/internal/storage"
	"llmcouncil/internal/websearch"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("llmcouncild")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel, cfg.LogFormat)

	baseCtx := context.Background()
	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracing(baseCtx, "llmcouncild", "dev", cfg.OTLPEndpoint)
		if err != nil {
			log.Warn().Err(err).Msg("otel init failed, continuing without tracing")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	gateway := llm.New(cfg.GatewayBaseURL, cfg.GatewayAPIKey)

	var searcher interface {
		Search(context.Context, string) (string, error)
	} = websearch.NoOp{}
	if cfg.WebSearchAPIKey != "" {
		searcher = websearch.New(cfg.WebSearchURL, cfg.WebSearchAPIKey)
	}

	store := storage.NewStore(cfg.DataDir)
	store.DefaultCouncilModels = cfg.DefaultCouncilModels
	store.DefaultChairmanModel = cfg.DefaultChairmanModel

	tracker := pending.NewTracker(cfg.DataDir)

	councilPipeline := &council.Pipeline{
		Gateway:       gateway,
		Store:         store,
		Pending:       tracker,
		WebSearch:     searcher,
		ChairmanModel: cfg.DefaultChairmanModel,
	}
	arenaPipeline := &arena.Pipeline{
		Gateway:        gateway,
		Store:          store,
		Pending:        tracker,
		WebSearch:      searcher,
		ModeratorModel: cfg.DefaultChairmanModel,
	}
	retryPipeline := &retrysynthesis.Pipeline{
		Gateway: gateway,
		Store:   store,
	}

	server := httpapi.NewServer(httpapi.Deps{
		Store:          store,
		Pending:        tracker,
		Council:        councilPipeline,
		Arena:          arenaPipeline,
		RetrySynthesis: retryPipeline,
		Catalog:        catalog.NewCache(gateway, time.Duration(cfg.CatalogTTLSeconds)*time.Second),
		Attachments:    attachments.NewStore(cfg.DataDir),

		Auth: auth.Config{
			Enabled:         cfg.AuthEnabled,
			TrustedProxyIPs: orDefaultProxyIPs(cfg.TrustedProxyIPs),
		},
		WebSearchEnabled:   cfg.WebSearchAPIKey != "",
		AttachmentMaxBytes: cfg.AttachmentMaxBytes,
	})

	httpServer := &http.Server{Addr: cfg.Addr(), Handler: server}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("llmcouncild listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	ctx, stop := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		return err
	}
	log.Info().Msg("llmcouncild stopped")
	return nil
}

func orDefaultProxyIPs(ips []string) []string {
	if len(ips) == 0 {
		return auth.DefaultTrustedProxyIPs
	}
	return ips
}
