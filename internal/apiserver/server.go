package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgebridge/assist-gateway/internal/config"
	"github.com/forgebridge/assist-gateway/internal/dispatcher"
	"github.com/forgebridge/assist-gateway/internal/logging"
	"github.com/forgebridge/assist-gateway/internal/store"
)

// Server composes the gin engine over a Dispatcher, adapted from the
// teacher's internal/server/server.go (New/SetupRoutes/Run split), with
// routes generalised to the spec's three endpoints (§6) and auth switched
// to the Store-backed multi-key middleware.
type Server struct {
	engine *gin.Engine
	cfg    *config.Config
	http   *http.Server
}

func New(cfg *config.Config, st store.Store, disp *dispatcher.Dispatcher) *Server {
	if cfg.Debug || cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())
	engine.Use(CORSMiddleware())
	engine.Use(RequestLoggingMiddleware())

	const requestBodyLimit = 50 << 20 // 50MB, matches the teacher's RequestBodyLimit
	engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, requestBodyLimit)
		c.Next()
	})

	h := NewHandlers(cfg, disp)

	engine.GET("/health", h.Health)

	authed := engine.Group("/")
	authed.Use(APIKeyAuthMiddleware(st))
	{
		authed.POST("/v1/chat/completions", h.ChatCompletions)
		authed.POST("/v1beta/models/:modelAction", dispatchNative(h))
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"message": fmt.Sprintf("endpoint %s %s not found", c.Request.Method, c.Request.URL.Path), "code": "not_found"},
		})
	})

	return &Server{engine: engine, cfg: cfg}
}

// dispatchNative routes ":generateContent" vs ":streamGenerateContent"
// since gin's :param binding can't itself branch on the path's suffix.
func dispatchNative(h *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		segment := c.Param("modelAction")
		switch {
		case len(segment) > len(":streamGenerateContent") && segment[len(segment)-len(":streamGenerateContent"):] == ":streamGenerateContent":
			h.StreamGenerateContent(c)
		case len(segment) > len(":generateContent") && segment[len(segment)-len(":generateContent"):] == ":generateContent":
			h.GenerateContent(c)
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "unknown model action", "code": "not_found"}})
		}
	}
}

func (s *Server) Engine() *gin.Engine { return s.engine }

// Run starts the HTTP server with the teacher's long write-timeout
// (streaming responses can run far longer than a typical API call).
func (s *Server) Run(addr string) error {
	logging.Info("[apiserver] listening on %s", addr)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops serving, giving in-flight requests a chance to
// finish (the composition root wires this to SIGINT/SIGTERM).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
