package main

import (
	"log"
	"net/http"

	"github.com/chatrelay/chatrelay/internal/chatrelay"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/httpapi"
	"github.com/chatrelay/chatrelay/internal/provider"
)

func main() {
	cfg, err := config.FromEnv().Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
		log.Printf("CHATRELAY_JWT_SECRET not set, using the development secret")
	}

	store, err := chatrelay.BuildEntityStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("failed to initialize entity store: %v", err)
	}
	defer store.Close()

	stub := provider.NewStubProvider(nil)
	stub.SetCredentials(cfg.ProviderAccountID, cfg.ProviderAuthToken)
	dispatcher := provider.NewDispatcher(stub, provider.DispatcherOptions{
		Workers:     cfg.OutboundWorkers,
		QueueSize:   cfg.OutboundQueueSize,
		MaxAttempts: cfg.OutboundMaxAttempts,
		RetryDelay:  cfg.OutboundRetryDelay,
	})
	defer dispatcher.Close()

	hub := httpapi.NewHub(store, cfg.JWTSecret, nil)
	processor := chatrelay.NewProcessor(store, chatrelay.ProcessorOptions{
		Publisher: hub,
		Outbound:  dispatcher,
	})
	hub.AttachProcessor(processor)

	server := httpapi.NewServer(processor, store, hub, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	}, nil)

	if cfg.File != "" {
		watcher, err := config.Watch(cfg, func(updated config.Config) {
			stub.SetCredentials(updated.ProviderAccountID, updated.ProviderAuthToken)
			server.SetRateLimit(updated.RateLimitMax, updated.RateLimitWindow)
		}, nil)
		if err != nil {
			log.Fatalf("failed to watch config file: %v", err)
		}
		defer watcher.Close()
		log.Printf("watching %s for config changes", cfg.File)
	}

	log.Printf("chatrelay listening on %s (store %s)", cfg.Addr, cfg.StoreDSN)
	if err := http.ListenAndServe(cfg.Addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
