// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	ingest_api "github.com/vocalisai/api/ingest-api/api"
	ingest_config "github.com/vocalisai/api/ingest-api/config"
	internal_fallback_buffer "github.com/vocalisai/api/ingest-api/internal/buffer"
	internal_native_ingest "github.com/vocalisai/api/ingest-api/internal/native"
	internal_call_registry "github.com/vocalisai/api/ingest-api/internal/registry"
	internal_exotel_telephony "github.com/vocalisai/api/ingest-api/internal/telephony"
	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/connectors"
	"github.com/vocalisai/pkg/pubsub"
)

func main() {
	v, err := ingest_config.InitConfig()
	if err != nil {
		log.Printf("ingest: config init failed: %+v", err)
		os.Exit(1)
	}
	cfg, err := ingest_config.GetApplicationConfig(v)
	if err != nil {
		log.Printf("ingest: invalid configuration: %+v", err)
		os.Exit(1)
	}

	logger, err := commons.NewApplicationLogger()
	if err != nil {
		log.Printf("ingest: logger init failed: %+v", err)
		os.Exit(1)
	}
	defer logger.Sync()

	adapter, err := pubsub.NewAdapter(cfg.PubSub, logger)
	if err != nil {
		logger.Errorf("ingest: pubsub init failed: %+v", err)
		os.Exit(1)
	}
	defer adapter.Close()

	registry := internal_call_registry.NewNoop()
	if cfg.RegistryRedis.URL != "" {
		rc, err := connectors.NewRedisConnector(cfg.RegistryRedis, logger)
		if err != nil {
			logger.Errorf("ingest: registry redis init failed: %+v", err)
			os.Exit(1)
		}
		defer rc.Close()
		registry = internal_call_registry.New(rc, logger)
	}

	var verifier internal_native_ingest.TokenVerifier
	if cfg.AuthPublicKeyPath != "" {
		verifier, err = internal_native_ingest.NewTokenVerifier(cfg.AuthPublicKeyPath)
		if err != nil {
			logger.Errorf("ingest: auth key load failed: %+v", err)
			os.Exit(1)
		}
	}

	buffer := internal_fallback_buffer.New(cfg.ExoMaxBufferMs, logger)
	bridge := internal_exotel_telephony.NewBridge(
		adapter, buffer, registry,
		cfg.ExoBridgeEnabled, cfg.AmplificationFactor, logger,
	)
	native := internal_native_ingest.NewHandler(adapter, cfg.AckInterval, cfg.BufferDurationMs, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := ingest_api.NewServer(cfg, adapter, bridge, native, verifier, logger)
	if err := server.Run(ctx); err != nil {
		logger.Errorf("ingest: server exited: %+v", err)
		os.Exit(1)
	}
}
