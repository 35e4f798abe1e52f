package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/certroot/certroot/internal/admin"
	"github.com/certroot/certroot/internal/audit"
	"github.com/certroot/certroot/internal/certifier/intake"
	"github.com/certroot/certroot/internal/config"
	"github.com/certroot/certroot/internal/digest"
	"github.com/certroot/certroot/internal/ledger"
	"github.com/certroot/certroot/internal/mirror"
	"github.com/certroot/certroot/internal/reconcile"
	"github.com/certroot/certroot/internal/verify"
)

// app holds every component built from the configuration.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	digest *digest.Engine
	ledger *ledger.Client
	mirror mirror.Store
	audit  *audit.Log
	engine *reconcile.Engine
	verify *verify.Service
	intake *intake.Service
	admins *admin.Service
	tokens *admin.TokenIssuer

	closers []func()
}

// newApp connects the configured backends and wires the services.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	a.digest, err = digest.New(digest.Algorithm(cfg.Digest.Algorithm), cfg.Digest.BlockSize)
	if err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err = pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
	}

	var backend ledger.Backend
	switch cfg.Ledger.Backend {
	case "memory":
		logger.Warn("using in-memory ledger; anchors are lost on restart")
		backend = ledger.NewMemoryLedger()
	case "sqlite":
		sl, err := ledger.OpenSQLiteLedger(cfg.Ledger.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = sl.Close() })
		backend = sl
	case "postgres":
		backend = ledger.NewPostgresLedger(pool, logger)
	}
	a.ledger = ledger.NewClient(backend, cfg.Ledger.AppendTimeout, logger)

	switch cfg.Mirror.Backend {
	case "memory":
		a.mirror = mirror.NewMemoryStore()
	case "postgres":
		a.mirror = mirror.NewPostgresStore(pool)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Mirror.RedisAddr,
			Password: cfg.Mirror.RedisPassword,
			DB:       cfg.Mirror.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err = rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.mirror = mirror.NewRedisStore(rdb, cfg.Mirror.RedisPrefix)
	}

	if err = os.MkdirAll(cfg.Storage.InputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create input directory: %w", err)
	}
	a.audit = audit.NewLog(cfg.Storage.AuditLog, logger)

	a.engine = reconcile.NewEngine(reconcile.Config{
		InputDir:                cfg.Storage.InputDir,
		CheckLedgerBeforeAppend: cfg.Reconcile.CheckLedgerBeforeAppend,
		MirrorRetries:           cfg.Reconcile.MirrorRetries,
		MirrorRetryDelay:        cfg.Reconcile.MirrorRetryDelay,
		PassTimeout:             cfg.Reconcile.PassTimeout,
		LockPath:                cfg.LockPath(),
	}, a.digest, a.ledger, a.mirror, a.audit, logger)
	a.verify = verify.NewService(a.digest, a.mirror, a.ledger, cfg.Verify.CacheTTL, logger)
	a.intake = intake.NewService(cfg.Storage.InputDir, a.engine, a.audit, a.digest, logger)

	var repo admin.Repository
	if cfg.Admin.Backend == "postgres" {
		repo = admin.NewPostgresRepository(pool)
	} else {
		repo = admin.NewMemoryRepository()
	}
	a.admins = admin.NewService(repo, logger)

	secret := []byte(cfg.Admin.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err = rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn("admin.jwt_secret not set; using a random secret, tokens will not survive a restart")
	}
	a.tokens = admin.NewTokenIssuer(secret, cfg.Admin.Issuer, cfg.Admin.TokenTTL)

	logger.Info("certroot components ready",
		zap.String("digest", cfg.Digest.Algorithm),
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("mirror", cfg.Mirror.Backend),
		zap.String("input_dir", cfg.Storage.InputDir),
		zap.String("audit_log", cfg.Storage.AuditLog),
	)
	ready = true
	return a, nil
}

// Close releases backend connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
