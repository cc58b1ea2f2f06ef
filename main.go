package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"crm-activities/airtable"
	"crm-activities/api"
	"crm-activities/board"
	"crm-activities/domain"
	"crm-activities/storage"
)

const maxDecompressedBody = 1 << 20

type redisHealth struct{ client *redis.Client }

func (h redisHealth) Ping(ctx context.Context) error { return h.client.Ping(ctx).Err() }

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	var base board.Store
	switch cfg.Backend {
	case backendAirtable:
		c, err := airtable.New(cfg.Airtable, logger)
		if err != nil {
			log.Fatalf("airtable: %v", err)
		}
		base = c
		cfg.Writer.Retryable = airtable.IsRetryable
	case backendTables:
		s, err := storage.New(cfg.StorageConn, cfg.ActivitiesTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		base = s
		cfg.Writer.Retryable = storage.IsRetryable
	}

	rc := redis.NewClient(cfg.Redis)
	store := storage.NewCache(base, rc, cfg.CacheTTL, logger)

	writer, err := board.NewWriter(cfg.Writer, store, logger)
	if err != nil {
		log.Fatalf("writer: %v", err)
	}
	notifier, err := board.NewRedisNotifier(rc, cfg.NotificationChannel)
	if err != nil {
		log.Fatalf("notifier: %v", err)
	}
	var events board.EventPublisher
	if cfg.EventsQueue != "" && cfg.StorageConn != "" {
		q, err := storage.NewEventQueue(cfg.StorageConn, cfg.EventsQueue)
		if err != nil {
			log.Fatalf("event queue: %v", err)
		}
		events = q
	}

	boards := board.NewManager(board.ManagerConfig{
		Session: board.SessionConfig{
			Table:    domain.DefaultStatusTable,
			Store:    store,
			Writer:   writer,
			Notifier: notifier,
			Events:   events,
			Logger:   logger,
		},
		MaxAge:      cfg.SessionMaxAge,
		IdleTimeout: cfg.SessionIdleTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := api.NewHub(rc, cfg.NotificationChannel, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware(maxDecompressedBody))

	api.Register(e, api.Deps{
		Boards:  boards,
		Table:   domain.DefaultStatusTable,
		Deduper: api.NewRedisDeduper(rc, cfg.DeduperTTL),
		Hub:     hub,
		Health:  redisHealth{client: rc},
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		boards.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "backend": cfg.Backend}).Info("crm activities api started")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := writer.Drain(drainCtx); err != nil {
		logger.WithError(err).Warn("pending status writes not drained")
	}
	writer.Shutdown()
	if err := rc.Close(); err != nil {
		logger.WithError(err).Warn("redis close")
	}
}
