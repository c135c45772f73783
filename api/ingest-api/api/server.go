// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.
package ingest_api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	ingest_config "github.com/vocalisai/api/ingest-api/config"
	internal_exotel_telephony "github.com/vocalisai/api/ingest-api/internal/telephony"
	internal_native_ingest "github.com/vocalisai/api/ingest-api/internal/native"
	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/pubsub"
)

const (
	ingestPath      = "/v1/ingest"
	shutdownTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	// The telephony origin and authenticated native clients carry no browser
	// origin; cross-origin policy is enforced by the auth layer instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the ingress front door: one WebSocket path dispatched by
// authorization shape, plus a health endpoint.
type Server struct {
	cfg    *ingest_config.AppConfig
	logger commons.Logger

	adapter  pubsub.Adapter
	bridge   *internal_exotel_telephony.Bridge
	native   *internal_native_ingest.Handler
	verifier internal_native_ingest.TokenVerifier

	httpServer *http.Server

	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	rejectedUpgrades  atomic.Int64
}

// NewServer assembles the gin engine and route table. verifier may be nil when
// only the telephony bridge is enabled.
func NewServer(
	cfg *ingest_config.AppConfig,
	adapter pubsub.Adapter,
	bridge *internal_exotel_telephony.Bridge,
	native *internal_native_ingest.Handler,
	verifier internal_native_ingest.TokenVerifier,
	logger commons.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		adapter:  adapter,
		bridge:   bridge,
		native:   native,
		verifier: verifier,
	}
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	engine.GET("/health", s.health)
	engine.GET(ingestPath, func(c *gin.Context) {
		s.handleUpgrade(ctx, c)
	})

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLSEnabled() {
			s.logger.Infof("ingest: listening on %s with tls", s.httpServer.Addr)
			errCh <- s.httpServer.ListenAndServeTLS(s.cfg.SSLCertPath, s.cfg.SSLKeyPath)
			return
		}
		s.logger.Infof("ingest: listening on %s", s.httpServer.Addr)
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
		s.logger.Warnf("ingest: shutdown incomplete: %v", err)
	}
	s.logger.Infof("ingest: served %d connections total", s.totalConnections.Load())
	return nil
}

// ===================== Upgrade dispatch =====================

func (s *Server) handleUpgrade(ctx context.Context, c *gin.Context) {
	authorization := c.GetHeader("Authorization")

	switch {
	case strings.HasPrefix(authorization, "Bearer "):
		if s.verifier == nil {
			s.rejectedUpgrades.Add(1)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bearer auth not configured"})
			return
		}
		claims, err := s.verifier.Verify(authorization)
		if err != nil {
			s.rejectedUpgrades.Add(1)
			s.logger.Warnf("ingest: bearer rejected: %v", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warnf("ingest: upgrade failed: %v", err)
			return
		}
		s.trackConnection(func() {
			s.native.HandleConnection(ctx, conn, claims)
		})
		_ = conn.Close()

	case s.cfg.SupportExotel && (authorization == "" || strings.HasPrefix(authorization, "Basic ")):
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warnf("ingest: upgrade failed: %v", err)
			return
		}
		s.trackConnection(func() {
			s.bridge.HandleConnection(ctx, conn)
		})
		_ = conn.Close()

	default:
		s.rejectedUpgrades.Add(1)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
	}
}

func (s *Server) trackConnection(serve func()) {
	s.activeConnections.Add(1)
	s.totalConnections.Add(1)
	defer s.activeConnections.Add(-1)
	serve()
}

// ===================== Health =====================

func (s *Server) health(c *gin.Context) {
	code := http.StatusOK
	status := "ok"
	pubsubOK := false

	switch {
	case s.adapter == nil:
		status = "down"
		code = http.StatusServiceUnavailable
	case !s.adapter.Healthy(c.Request.Context()):
		// Audio keeps flowing into the bounded buffer; degraded, not down.
		status = "degraded"
	default:
		pubsubOK = true
	}

	c.JSON(code, gin.H{
		"status":        status,
		"pubsub_ok":     pubsubOK,
		"exotel_bridge": s.cfg.SupportExotel && s.cfg.ExoBridgeEnabled,
		"metrics": gin.H{
			"active_connections": s.activeConnections.Load(),
			"total_connections":  s.totalConnections.Load(),
			"rejected_upgrades":  s.rejectedUpgrades.Load(),
		},
	})
}
