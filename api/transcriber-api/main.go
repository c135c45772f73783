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

	"golang.org/x/sync/errgroup"

	transcriber_api "github.com/vocalisai/api/transcriber-api/api"
	transcriber_config "github.com/vocalisai/api/transcriber-api/config"
	internal_audio_gate "github.com/vocalisai/api/transcriber-api/internal/audio"
	internal_circuit_breaker "github.com/vocalisai/api/transcriber-api/internal/breaker"
	internal_session_manager "github.com/vocalisai/api/transcriber-api/internal/session"
	internal_transformer "github.com/vocalisai/api/transcriber-api/internal/transformer"
	internal_transformer_deepgram "github.com/vocalisai/api/transcriber-api/internal/transformer/deepgram"
	internal_transformer_sarvam "github.com/vocalisai/api/transcriber-api/internal/transformer/sarvam"
	internal_asr_worker "github.com/vocalisai/api/transcriber-api/internal/worker"
	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/media"
	"github.com/vocalisai/pkg/pubsub"
)

func main() {
	v, err := transcriber_config.InitConfig()
	if err != nil {
		log.Printf("transcriber: config init failed: %+v", err)
		os.Exit(1)
	}
	cfg, err := transcriber_config.GetApplicationConfig(v)
	if err != nil {
		log.Printf("transcriber: invalid configuration: %+v", err)
		os.Exit(1)
	}

	logger, err := commons.NewApplicationLogger()
	if err != nil {
		log.Printf("transcriber: logger init failed: %+v", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var provider internal_transformer.SpeechToTextTransformer
	switch cfg.ASRProvider {
	case "deepgram":
		breaker := internal_circuit_breaker.New("deepgram", logger)
		provider = internal_transformer_deepgram.NewDeepgramSpeechToText(cfg.Deepgram.APIKey, breaker, logger)
	case "sarvam":
		provider = internal_transformer_sarvam.NewSarvamSpeechToText(cfg.Sarvam.APIKey, logger)
	}
	logger.Infof("transcriber: using provider %s", provider.Name())

	gate := internal_audio_gate.New(cfg.SilenceWarmup, logger)
	manager := internal_session_manager.NewManager(provider, gate, internal_session_manager.Config{
		Model:                cfg.Model,
		Language:             cfg.Language,
		IncludeTimestamps:    cfg.IncludeTimestamps,
		VadSilenceMs:         cfg.VadSilenceMs,
		MinSpeechMs:          cfg.MinSpeechMs,
		CommitEveryMs:        cfg.CommitIntervalMs,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, transcriptSink(logger), logger)

	adapter, err := pubsub.NewAdapter(cfg.PubSub, logger)
	if err != nil {
		logger.Errorf("transcriber: pubsub init failed: %+v", err)
		os.Exit(1)
	}

	worker := internal_asr_worker.NewWorker(adapter, manager, cfg.ConsumerGroup, logger)
	server := transcriber_api.NewServer(cfg, adapter, worker, manager, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, runCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return worker.Run(runCtx) })
	group.Go(func() error { return server.Run(runCtx) })

	if err := group.Wait(); err != nil {
		logger.Errorf("transcriber: exited: %+v", err)
		os.Exit(1)
	}
}

// transcriptSink is where downstream consumers would hang off; for now every
// non-empty transcript is logged with its finality.
func transcriptSink(logger commons.Logger) func(media.Transcript) {
	return func(t media.Transcript) {
		logger.Infof("transcript: %s %s text=%q confidence=%.2f", t.InteractionID, t.Type, t.Text, t.Confidence)
	}
}
