// Package admin exposes the daemon's operational HTTP surface: health
// and readiness probes, Prometheus metrics, a session status view, and
// a message-injection endpoint for operators.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/driftwire/chatctl/internal/channel"
	"github.com/driftwire/chatctl/internal/channel/session"
	"github.com/driftwire/chatctl/internal/observability"
)

type Server struct {
	svc     *channel.Service
	router  *gin.Engine
	addr    string
	started time.Time

	http *http.Server
}

func New(svc *channel.Service, addr string, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("admin"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		svc:     svc,
		router:  r,
		addr:    addr,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "chatctl",
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		if !s.svc.Running() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready": false,
				"state": string(s.svc.Status().State),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready": true,
			"state": string(session.StateConnected),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/status", func(c *gin.Context) {
		st := s.svc.Status()
		resp := gin.H{
			"state":       string(st.State),
			"retry_count": st.RetryCount,
			"handlers":    st.Handlers,
			"pending":     st.Pending,
			"uptime":      time.Since(s.started).String(),
		}
		if !st.ConnectedAt.IsZero() {
			resp["connected_at"] = st.ConnectedAt.UTC().Format(time.RFC3339)
		}
		if st.LastError != "" {
			resp["last_error"] = st.LastError
		}
		c.JSON(http.StatusOK, resp)
	})

	s.router.POST("/messages", s.postMessage)
}

type sendRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	Text      string `json:"text" binding:"required"`
}

func (s *Server) postMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	receipt, err := s.svc.SendText(c.Request.Context(), req.Recipient, req.Text)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, channel.ErrNotInitialized):
			status = http.StatusServiceUnavailable
		case errors.Is(err, channel.ErrRecipientRequired):
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        receipt.ID,
		"timestamp": receipt.Timestamp.UTC().Format(time.RFC3339),
	})
}

// Start serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("admin server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost"}
	}
	return out
}
