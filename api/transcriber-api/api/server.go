// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package transcriber_api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	transcriber_config "github.com/vocalisai/api/transcriber-api/config"
	internal_session_manager "github.com/vocalisai/api/transcriber-api/internal/session"
	internal_asr_worker "github.com/vocalisai/api/transcriber-api/internal/worker"
	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/pubsub"
)

const shutdownTimeout = 10 * time.Second

// Server is the worker's observability surface: health plus live session
// stats. It carries no ingress traffic.
type Server struct {
	cfg    *transcriber_config.AppConfig
	logger commons.Logger

	adapter pubsub.Adapter
	worker  *internal_asr_worker.Worker
	manager *internal_session_manager.Manager

	httpServer *http.Server
}

// NewServer assembles the health server.
func NewServer(
	cfg *transcriber_config.AppConfig,
	adapter pubsub.Adapter,
	worker *internal_asr_worker.Worker,
	manager *internal_session_manager.Manager,
	logger commons.Logger,
) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		adapter: adapter,
		worker:  worker,
		manager: manager,
	}
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	engine.GET("/health", s.health)
	engine.GET("/v1/sessions", s.sessions)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("transcriber: health endpoint on %s", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("transcriber: shutdown incomplete: %v", err)
	}
	return nil
}

// ===================== Handlers =====================

func (s *Server) health(c *gin.Context) {
	code := http.StatusOK
	status := "ok"
	pubsubOK := false

	switch {
	case s.adapter == nil:
		status = "down"
		code = http.StatusServiceUnavailable
	case !s.adapter.Healthy(c.Request.Context()):
		status = "degraded"
	default:
		pubsubOK = true
	}

	c.JSON(code, gin.H{
		"status":    status,
		"pubsub_ok": pubsubOK,
		"provider":  s.cfg.ASRProvider,
		"metrics":   s.worker.Stats(),
	})
}

// sessions dumps a snapshot of every live call, for operator debugging.
func (s *Server) sessions(c *gin.Context) {
	stats := s.manager.Stats()
	out := make([]gin.H, 0, len(stats))
	for _, st := range stats {
		out = append(out, gin.H{
			"interaction_id":       st.InteractionID,
			"ready":                st.Ready,
			"broken":               st.Broken,
			"sample_rate":          st.SampleRate,
			"created_at":           st.CreatedAt,
			"chunks_sent":          st.ChunksSent,
			"bytes_sent":           st.BytesSent,
			"transcripts_received": st.TranscriptsReceived,
			"transcripts_empty":    st.TranscriptsEmpty,
			"transcript_timeouts":  st.TranscriptTimeouts,
			"keepalive_ok":         st.KeepaliveOK,
			"keepalive_fail":       st.KeepaliveFail,
			"reconnect_attempts":   st.ReconnectAttempts,
			"outstanding_sends":    st.OutstandingSends,
			"last_transcript":      st.LastTranscript,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}
