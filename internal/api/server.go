// Package api exposes the upload pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dharsanguruparan/vaultgate/internal/file"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
	"github.com/dharsanguruparan/vaultgate/internal/pipeline"
	"github.com/dharsanguruparan/vaultgate/internal/ratelimit"
	"github.com/dharsanguruparan/vaultgate/internal/scan"
	"github.com/dharsanguruparan/vaultgate/internal/signing"
	"github.com/dharsanguruparan/vaultgate/internal/storage"
	"github.com/dharsanguruparan/vaultgate/internal/validation"
)

// HeaderClientID names the rate-limit bucket when Options.TrustClientID is
// set. The client IP is used otherwise.
const HeaderClientID = "X-Client-ID"

// Options configures a Server.
type Options struct {
	Address  string
	Pipeline *pipeline.Manager
	// Signer guards downloads and deletes; nil leaves them open.
	Signer       *signing.Signer
	SignedURLTTL time.Duration
	// MaxBodySize caps a request body; zero disables the cap.
	MaxBodySize int64
	Destination string
	TempDir     string
	// TrustClientID honours HeaderClientID. Only enable it behind a gateway
	// that sets the header itself.
	TrustClientID bool
	// TrustedProxies are the CIDRs whose X-Forwarded-For is believed. None
	// are trusted by default.
	TrustedProxies []string
	Logger         logging.Logger
}

// Server exposes HTTP endpoints for uploads and downloads.
type Server struct {
	opts   Options
	store  storage.Storage
	logger logging.Logger
	engine *gin.Engine
	server *http.Server
	once   sync.Once
	now    func() time.Time
}

// New constructs a Server and its routes.
func New(opts Options) (*Server, error) {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = 5 * time.Minute
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	s := &Server{
		opts:   opts,
		store:  opts.Pipeline.Storage(),
		logger: logging.OrNop(opts.Logger),
		now:    time.Now,
	}
	engine, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies(s.opts.TrustedProxies); err != nil {
		return nil, fmt.Errorf("set trusted proxies: %w", err)
	}
	r.Use(gin.Recovery(), s.requestLogger(), cors())
	r.GET("/healthz", s.handleHealth)
	r.POST("/uploads", s.handleUpload)
	r.GET("/files/*path", s.handleDownload)
	r.DELETE("/files/*path", s.handleDelete)
	return r, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{Addr: s.opts.Address, Handler: s.engine}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Log(logging.LevelInfo, "api listening", "address", s.opts.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUpload(c *gin.Context) {
	if s.opts.MaxBodySize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodySize)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "expecting multipart form with a file field"})
		return
	}

	tmpPath, err := s.persistTemp(header)
	if err != nil {
		s.logger.Log(logging.LevelError, "persist upload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to receive file"})
		return
	}
	defer os.Remove(tmpPath)

	f, err := file.New(header.Filename, tmpPath, header.Header.Get("Content-Type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to receive file"})
		return
	}

	destination := c.DefaultPostForm("destination", s.opts.Destination)
	out, _ := s.opts.Pipeline.Upload(c.Request.Context(), f, destination, s.identifier(c))
	for k, v := range out.RateLimitHeaders {
		c.Header(k, v)
	}
	if !out.Success {
		c.JSON(StatusFor(out), out)
		return
	}

	resp := gin.H{"upload": out}
	if u, err := s.store.TemporaryURL(out.StoredPath, s.now().Add(s.opts.SignedURLTTL)); err == nil {
		resp["download_url"] = u
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) identifier(c *gin.Context) string {
	if s.opts.TrustClientID {
		if id := c.GetHeader(HeaderClientID); id != "" {
			return id
		}
	}
	return c.ClientIP()
}

// persistTemp copies the multipart file into TempDir so validators and the
// scanner can read it from disk.
func (s *Server) persistTemp(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open form file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.opts.TempDir, "vaultgate-*.upload")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.CopyBuffer(tmp, src, make([]byte, storage.StreamBufferSize)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}

// StatusFor maps a failed outcome onto an HTTP status.
func StatusFor(out *pipeline.Outcome) int {
	cause := out.Cause()
	var (
		exceeded *ratelimit.ExceededError
		invalid  *validation.FailedError
		infected *scan.InfectedError
		scanErr  *scan.Error
		storeErr *storage.Error
	)
	switch {
	case errors.As(cause, &exceeded):
		return http.StatusTooManyRequests
	case errors.As(cause, &invalid):
		return http.StatusBadRequest
	case errors.As(cause, &infected):
		return http.StatusUnprocessableEntity
	case errors.Is(cause, pipeline.ErrCancelled):
		return http.StatusForbidden
	case errors.As(cause, &scanErr):
		return http.StatusServiceUnavailable
	case errors.As(cause, &storeErr):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// authorize checks the signed query of a file route against scope. It writes
// the error response and returns false when access is denied.
func (s *Server) authorize(c *gin.Context, scope signing.Scope, p string) bool {
	if s.opts.Signer == nil {
		return true
	}
	err := s.opts.Signer.Verify(scope, p, c.Query(signing.ParamExpires), c.Query(signing.ParamSignature), s.now())
	switch {
	case errors.Is(err, signing.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "link expired"})
		return false
	case err != nil:
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return false
	}
	return true
}

func (s *Server) handleDownload(c *gin.Context) {
	p := storage.CleanPath(c.Param("path"))
	if !s.authorize(c, signing.ScopeRead, p) {
		return
	}
	ctx := c.Request.Context()
	size, err := s.store.FileSize(ctx, p)
	if err != nil {
		s.storageError(c, err)
		return
	}
	mime, err := s.store.MimeType(ctx, p)
	if err != nil {
		mime = "application/octet-stream"
	}
	rc, err := s.store.ReadStream(ctx, p)
	if err != nil {
		s.storageError(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, size, mime, rc, nil)
}

func (s *Server) handleDelete(c *gin.Context) {
	p := storage.CleanPath(c.Param("path"))
	if !s.authorize(c, signing.ScopeDelete, p) {
		return
	}
	err := s.opts.Pipeline.Delete(c.Request.Context(), p)
	switch {
	case errors.Is(err, pipeline.ErrCancelled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case err != nil:
		s.storageError(c, err)
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) storageError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	s.logger.Log(logging.LevelError, "storage request failed", "path", c.Param("path"), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type,Authorization,"+HeaderClientID)
		c.Header("Access-Control-Expose-Headers", ratelimit.HeaderLimit+","+ratelimit.HeaderRemaining+","+ratelimit.HeaderRetryAfter)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Log(logging.LevelInfo, "request",
			"method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}
