// Package server exposes the predictor over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Noofbiz/cces/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// New builds the router. Models are read from cfg.ModelDir on every request.
func New(cfg config.Server, unit string) *gin.Engine {
	if cfg.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	h := &handlers{modelDir: cfg.ModelDir, unit: unit}

	router := gin.New()
	router.Use(RequestLogger(), Recovery())

	router.GET("/health/self", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "true"})
	})

	v1 := router.Group("/api/v1")
	v1.POST("/predict", h.predict)
	v1.GET("/models", h.models)
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg config.Server, unit string) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           New(cfg, unit),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("model_dir", cfg.ModelDir).Msg("prediction service listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("prediction service stopped")
	return nil
}
