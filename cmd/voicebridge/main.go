package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/voicebridge/internal/bridge"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/httpapi"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/provider"
	"github.com/ent0n29/voicebridge/internal/rails"
	"github.com/ent0n29/voicebridge/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	providers := bridge.Providers{
		STT: provider.NewFakeTranscriber(cfg.FakeSTT),
		LLM: provider.NewFakeCompleter(cfg.FakeLLM),
		TTS: provider.NewFakeSynthesizer(cfg.FakeTTS),
	}

	railsClient := rails.NewClient(cfg.RailsBaseURL, cfg.RailsTimeout)
	if railsClient.Enabled() {
		log.Printf("rails collaborator: %s", cfg.RailsBaseURL)
	} else {
		log.Printf("rails collaborator: disabled (RAILS_BASE_URL unset)")
	}

	registry := session.NewRegistry(cfg.MaxConnections)
	registry.SetChangeHook(func(count int) {
		metrics.ActiveConnections.Set(float64(count))
	})

	handler := bridge.NewHandler(cfg, registry, metrics, providers, railsClient)
	api := httpapi.New(cfg, registry, handler, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartHeartbeat(runCtx, cfg.HeartbeatInterval)

	go func() {
		log.Printf("bridge listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	// Stop accepting, stop the heartbeat, close every session, and exit
	// after a bounded grace period regardless of close handshakes.
	runCancel()
	registry.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
