package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/certroot/certroot/internal/certifier/handler"
	"github.com/certroot/certroot/internal/reconcile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, scheduled passes and the input directory watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			logger.Error("startup failed", zap.Error(err))
			return err
		}
		defer a.Close()
		return a.serve(ctx)
	},
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	if cfg.Reconcile.OnStartup {
		if _, err := a.engine.Run(ctx); err != nil {
			logger.Error("startup reconciliation pass failed", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.router(gctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("certroot HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down certroot...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("HTTP shutdown error", zap.Error(err))
		}
		return nil
	})

	if cfg.Reconcile.Interval > 0 {
		sched := reconcile.NewScheduler(a.engine, cfg.Reconcile.Interval, logger)
		g.Go(func() error {
			logger.Info("scheduled reconciliation enabled", zap.Duration("interval", cfg.Reconcile.Interval))
			sched.Start(gctx)
			return nil
		})
	}

	if cfg.Reconcile.Watch {
		w := reconcile.NewWatcher(a.engine, cfg.Storage.InputDir, cfg.Reconcile.Debounce, logger)
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				return fmt.Errorf("watch input directory: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.verify.RunCacheEviction(gctx, time.Minute)
		return nil
	})

	err := g.Wait()
	logger.Info("certroot stopped")
	return err
}

// router builds the gin engine. ctx bounds the rate limiter's sweeper.
func (a *app) router(ctx context.Context) *gin.Engine {
	cfg, logger := a.cfg, a.logger

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	origins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit(cfg.Server.MaxUploadBytes))
	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/health", handler.Health)
	router.GET("/metrics", handler.MetricsHandler())

	var verifyMW []gin.HandlerFunc
	if rps := cfg.Server.RateLimitRPS; rps > 0 {
		verifyMW = append(verifyMW, handler.RateLimiter(ctx, rps, rps*2))
	}
	handler.NewVerifyHandler(a.verify, logger).Register(router, verifyMW...)
	handler.NewLedgerHandler(a.ledger, logger).Register(router)
	handler.NewAdminHandler(a.admins, a.tokens, a.intake, a.engine, a.statsSources(), logger).Register(router)

	return router
}

func (a *app) statsSources() handler.StatsSources {
	return handler.StatsSources{
		LedgerRecords: func(ctx context.Context) (int, error) {
			n, err := a.ledger.Count(ctx)
			return int(n), err
		},
		AuditEntries:  func(context.Context) (int, error) { return a.audit.Count() },
		MirrorRecords: a.mirror.Count,
		UploadFolder:  a.cfg.Storage.InputDir,
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
