// Package main is the entry point for the llmgateway service.
package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/gcpauth"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/server"
	"github.com/howard-nolan/llmgateway/internal/sink"
	"github.com/howard-nolan/llmgateway/internal/telemetry"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	registry := buildRegistry(cfg)

	httpClient := &http.Client{}
	keyBag := gcpauth.KeyBag(cfg.KeyBag)
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	recordSink := buildSink(cfg)

	srv := server.New(cfg, registry, httpClient, keyBag, recordSink, metrics)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("llmgateway listening on :%d", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// buildRegistry constructs one adapter instance per (provider, model) pair
// named in config and registers it under that model name. A provider
// entry whose name isn't one of the two GCP Vertex backends this gateway
// knows about is a fatal misconfiguration — better to fail at startup
// than silently drop traffic for it.
func buildRegistry(cfg *config.Config) *provider.Registry {
	registry := provider.NewRegistry()

	for name, provCfg := range cfg.Providers {
		creds := bearerSourceFor(provCfg)

		switch name {
		case "gcp_vertex_anthropic":
			for _, model := range provCfg.Models {
				registry.Register(model, provider.NewAnthropicVertexProvider(provCfg.Project, provCfg.Location, model, creds))
				log.Printf("registered model %q -> provider %q", model, name)
			}
		case "gcp_vertex_gemini":
			for _, model := range provCfg.Models {
				registry.Register(model, provider.NewGeminiVertexProvider(provCfg.Project, provCfg.Location, model, creds))
				log.Printf("registered model %q -> provider %q", model, name)
			}
		default:
			log.Fatalf("unknown provider in config: %q", name)
		}
	}

	return registry
}

// bearerSourceFor picks the BearerSource a provider's adapters should use:
// statically minted JWTs when config resolved a service-account key file,
// or None (which fails closed with ApiKeyMissing) when it didn't.
func bearerSourceFor(provCfg config.ProviderConfig) gcpauth.BearerSource {
	if provCfg.Credentials != nil {
		return gcpauth.Static{Credentials: provCfg.Credentials}
	}
	return gcpauth.None{}
}

// buildSink selects the completed-inference sink from config: "redis"
// streams records to a Redis stream via XADD, anything else (including an
// empty Kind) falls back to the zero-dependency LogSink.
func buildSink(cfg *config.Config) sink.Sink {
	if cfg.Sink.Kind == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Sink.RedisAddr})
		return sink.NewRedisStreamSink(client, "llmgateway:inferences")
	}
	return sink.LogSink{}
}
