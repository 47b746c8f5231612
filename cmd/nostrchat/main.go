// Command nostrchat keeps the direct-message store of every tracked account
// in sync with a Nostr relay and serves ops probes on OPS_PORT.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-nostrchat/internal/config"
	httpapi "github.com/tbourn/go-nostrchat/internal/http"
	"github.com/tbourn/go-nostrchat/internal/live"
	"github.com/tbourn/go-nostrchat/internal/observability"
	"github.com/tbourn/go-nostrchat/internal/relay"
	"github.com/tbourn/go-nostrchat/internal/repo"
	"github.com/tbourn/go-nostrchat/internal/services"
	"github.com/tbourn/go-nostrchat/internal/sysutil"
)

// version is set with -ldflags "-X main.version=..."
var version = "dev"

const (
	minBackoff = time.Second
	maxBackoff = time.Minute
)

func main() {
	// .env is optional; real environment wins.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	lg := sysutil.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	log.Logger = lg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version), lg); err != nil {
		lg.Fatal().Err(err).Msg("nostrchat exited")
	}
	lg.Info().Msg("bye")
}

func run(ctx context.Context, cfg config.Config, ver string, lg zerolog.Logger) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver, lg)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			lg.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	defer sqlDB.Close()
	if cfg.AutoMigrate {
		if err := repo.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	client := relay.New(cfg.Relay.URL, cfg.Relay.DialTimeout, lg)
	hub := live.NewHub(lg)
	fetcher := services.NewProfileFetcher(client, cfg.ProfileFetch.RPS, cfg.ProfileFetch.Burst, cfg.ProfileFetch.TTL, lg)
	rec := &services.Reconciler{DB: db, Notifier: hub, Profiles: fetcher, Log: lg}
	disp := &services.Dispatcher{
		Reconciler:       rec,
		Profiles:         &services.ProfileService{DB: db},
		VerifySignatures: cfg.Pipeline.VerifySignatures,
		Log:              lg,
	}
	pipe := services.NewPipeline(disp, cfg.Pipeline.Workers, cfg.Pipeline.Queue, lg)
	subs := &services.SubscriptionManager{DB: db, Transport: client, Grace: cfg.Relay.ResubscribeGrace, Log: lg}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{DB: db, Relay: client, Subs: subs, Log: lg}, cfg)
	srv := httpapi.NewServer(cfg, engine)
	go func() {
		lg.Info().Str("addr", srv.Addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error().Err(err).Msg("ops server failed")
		}
	}()

	// Queued messages are still handled during shutdown.
	pipe.Start(context.WithoutCancel(ctx))
	go resubscribeOnHangup(ctx, subs, lg)
	syncLoop(ctx, client, subs, pipe, lg)

	lg.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Warn().Err(err).Msg("ops server shutdown")
	}
	pipe.Stop()
	rec.Wait()
	return client.Close()
}

// syncLoop connects, subscribes and pumps relay messages into the pipeline
// until ctx ends. A dropped connection is redialed with exponential backoff;
// every new connection starts a fresh subscription from the stored floor.
func syncLoop(ctx context.Context, client *relay.Client, subs *services.SubscriptionManager, pipe *services.Pipeline, lg zerolog.Logger) {
	backoff := minBackoff
	for ctx.Err() == nil {
		if err := client.Connect(ctx); err != nil {
			lg.Warn().Err(err).Dur("retry_in", backoff).Msg("relay connect failed")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff

		if sub, err := subs.Start(ctx); err != nil {
			lg.Error().Err(err).Msg("subscribe failed")
		} else {
			lg.Info().Int("pubkeys", len(sub.PublicKeys)).Int64("since", sub.Since).Msg("subscribed")
		}

		err := client.Listen(ctx, func(raw []byte) {
			if err := pipe.Submit(ctx, raw); err != nil && ctx.Err() == nil {
				lg.Warn().Err(err).Msg("pipeline rejected message")
			}
		})
		_ = client.Close()
		if ctx.Err() != nil {
			return
		}
		lg.Warn().Err(err).Msg("relay listen ended, reconnecting")
	}
}

// resubscribeOnHangup rebuilds the subscription on SIGHUP, picking up
// accounts added to the database since the last subscribe.
func resubscribeOnHangup(ctx context.Context, subs *services.SubscriptionManager, lg zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			sub, err := subs.ResubscribeAll(ctx)
			if err != nil {
				lg.Error().Err(err).Msg("resubscribe failed")
				continue
			}
			lg.Info().Int("pubkeys", len(sub.PublicKeys)).Int64("since", sub.Since).Msg("resubscribed")
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
