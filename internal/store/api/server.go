// Package api exposes the session store over HTTP for recording
// clients: REST routes for the session lifecycle, a server-sent event
// stream per session, and signed blob upload/download endpoints.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/recitalhq/recital/internal/storage"
	"github.com/recitalhq/recital/internal/store"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Store  *store.Service
	Blobs  storage.BlobStore
	Signer *storage.Signer
	Port   int
	Out    io.Writer

	// PollInterval is how often the event stream re-reads a session.
	PollInterval time.Duration
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Store API running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewRouter builds the gin router with all routes registered. Split
// from Start so tests can drive it through httptest.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("api: store is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("api: blob store is required")
	}
	if opts.Signer == nil {
		return nil, fmt.Errorf("api: signer is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}
