// Package daemon runs celerix-snapd: the HTTP API, the Prometheus endpoint and the
// optional line protocol control listener over one record store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/celerix-dev/celerix-snapshot/internal/api"
	"github.com/celerix-dev/celerix-snapshot/internal/archive"
	"github.com/celerix-dev/celerix-snapshot/internal/config"
	"github.com/celerix-dev/celerix-snapshot/internal/metrics"
	"github.com/celerix-dev/celerix-snapshot/internal/modules"
	"github.com/celerix-dev/celerix-snapshot/internal/server"
	"github.com/celerix-dev/celerix-snapshot/internal/storage"
	"github.com/celerix-dev/celerix-snapshot/internal/transfer"
)

// Run serves until ctx is cancelled, then shuts down within cfg.ShutdownTimeout.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	store, err := storage.Open(storage.Options{
		Driver: cfg.Store, DataDir: cfg.DataDir, SQLitePath: cfg.SQLitePath, Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	defer func() {
		// The memory store finishes its pending partition writes here.
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	arc, err := archive.Open(archive.Options{Backend: cfg.ArchiveBackend, Path: cfg.ArchivePath(), Logger: logger})
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		if cerr := arc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	reg, err := transfer.NewRegistry(logger, modules.Builtin(cfg.EnabledModules())...)
	if err != nil {
		return err
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	eng := transfer.New(store, reg, transfer.WithLogger(logger), transfer.WithMetrics(metrics.New(promReg)))

	dangling, err := transfer.ParseDanglingPolicy(cfg.Dangling)
	if err != nil {
		return err
	}
	h := &api.Handler{
		Engine:     eng,
		Archive:    arc,
		Passphrase: cfg.SealPassphrase,
		Dangling:   dangling,
		Logger:     logger,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewHTTPHandler(h, promReg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		logger.Info("http listener started", "addr", cfg.HTTPAddr, "store", cfg.Store, "archive", cfg.ArchiveBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var control *server.Router
	if cfg.ControlAddr != "" {
		opts := server.Options{
			Passphrase: cfg.SealPassphrase,
			Seal:       cfg.SealExports,
			Dangling:   dangling,
			MaxConns:   cfg.ControlMaxConns,
			Logger:     logger,
		}
		if cfg.ControlTLSCert != "" {
			if opts.TLS, err = server.LoadTLS(cfg.ControlTLSCert, cfg.ControlTLSKey); err != nil {
				_ = srv.Close()
				return err
			}
		}
		control = server.NewRouter(eng, arc, opts)
		go func() {
			if err := control.Listen(cfg.ControlAddr); err != nil {
				errc <- fmt.Errorf("control listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, finishing requests")
	case err = <-errc:
		logger.Error("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if control != nil {
		_ = control.Stop()
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("http shutdown: %w", serr)
	}
	logger.Info("stopped")
	return err
}

// NewHTTPHandler builds the gin engine serving the API and /metrics.
func NewHTTPHandler(h *api.Handler, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), cors())
	h.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Checksum-Sha256")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"duration", time.Since(start),
			"remote", remoteHost(c.Request.RemoteAddr),
		)
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
