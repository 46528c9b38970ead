// Package server exposes the review index over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"reviewsearch/config"
	"reviewsearch/internal/index"
	"reviewsearch/internal/usecase"
)

type Server struct {
	cfg    config.ServerConfig
	router *gin.Engine
	ingest *usecase.IngestUseCase
	search *usecase.SearchUseCase
	engine *index.Engine
	log    zerolog.Logger
}

func New(
	cfg config.ServerConfig,
	ingest *usecase.IngestUseCase,
	search *usecase.SearchUseCase,
	engine *index.Engine,
	log zerolog.Logger,
) *Server {
	if cfg.MaxBulk <= 0 {
		cfg.MaxBulk = 1000
	}
	s := &Server{
		cfg:    cfg,
		ingest: ingest,
		search: search,
		engine: engine,
		log:    log.With().Str("component", "http").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(recovery(s.log), accessLog(s.log))
	if len(cfg.CORSOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = cfg.CORSOrigins
		}
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		router.Use(cors.New(corsConfig))
	}
	s.router = router
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/stats", s.handleStats)
	s.router.POST("/search", s.handleSearch)

	reviews := s.router.Group("/reviews")
	{
		reviews.POST("", s.handleInsert)
		reviews.POST("/bulk", s.handleBulk)
		reviews.GET("/:id", s.handleGet)
		reviews.PUT("/:id", s.handleUpdate)
		reviews.DELETE("/:id", s.handleDelete)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
