package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/driver-agent/internal/backend"
	"github.com/example/driver-agent/internal/config"
	"github.com/example/driver-agent/internal/device"
	"github.com/example/driver-agent/internal/dispatch"
	"github.com/example/driver-agent/internal/earnings"
	"github.com/example/driver-agent/internal/httpapi"
	"github.com/example/driver-agent/internal/identity"
	"github.com/example/driver-agent/internal/logging"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/notify"
	"github.com/example/driver-agent/internal/session"
	"github.com/example/driver-agent/internal/state"
	"github.com/example/driver-agent/internal/storage"
	"github.com/example/driver-agent/internal/stream"
	"github.com/example/driver-agent/internal/telemetry"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fileStore, err := storage.NewFileStore(cfg.StateDir)
	if err != nil {
		log.Fatalf("state dir: %v", err)
	}
	store := state.Open(fileStore, logger)

	var ids identity.Provider = identity.Static("")
	if cfg.AccessToken != "" {
		tp, err := identity.FromAccessToken(cfg.AccessToken, cfg.JWTSecret)
		if err != nil {
			logger.Error("access token rejected, running unauthenticated", "error", err)
		} else {
			ids = tp
		}
	} else {
		logger.Warn("no access token configured, running unauthenticated")
	}

	// telemetry sink: postgres preferred, redis as alternative, memory fallback
	var sink telemetry.Sink
	var liveness notify.LivenessSink
	if cfg.PGDSN != "" {
		pgSink, err := telemetry.NewPGSink(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres telemetry sink unavailable", "error", err)
		} else {
			defer pgSink.Close()
			sink = pgSink
			liveness = pgSink
		}
	}
	if sink == nil && cfg.RedisAddr != "" {
		rs := telemetry.NewRedisSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rs.Close()
		sink = rs
		liveness = rs
	}
	if sink == nil {
		logger.Warn("no telemetry backend configured, keeping locations in memory")
		ms := telemetry.NewMemorySink()
		sink = ms
		liveness = ms
	}

	var mirror telemetry.Sink
	if len(cfg.KafkaBrokers) > 0 {
		km := telemetry.NewKafkaMirror(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer km.Close()
		mirror = km
	}

	provider := device.NewPushProvider()
	loop := telemetry.NewLoop(provider, sink, mirror, ids, store, nil, logger, telemetry.Config{
		Interval:      cfg.SampleInterval,
		MinMovementM:  cfg.MinMovementM,
		UploadTimeout: cfg.UploadTimeout,
		RetryDelay:    cfg.RetryDelay,
		MaxRetries:    cfg.MaxRetries,
	})
	loop.OnStatus = func(err error) {
		logger.Warn("telemetry disabled", "reason", err)
	}

	var source stream.Source
	if cfg.AMQPURL != "" {
		source = stream.NewAMQPSource(cfg.AMQPURL, cfg.AMQPQueue, logger)
	} else {
		source = stream.NewWSSource(cfg.StreamURL, logger)
	}
	channel := stream.NewChannel(source, logger)

	var acceptBackend dispatch.Backend = unavailableBackend{}
	var backfill session.Backfiller
	if cfg.PGDSN != "" {
		pg, err := backend.NewPG(cfg.PGDSN)
		if err != nil {
			logger.Error("accept backend unavailable", "error", err)
		} else {
			defer pg.Close()
			acceptBackend = pg
			backfill = pg
		}
	}

	coord := dispatch.NewCoordinator(store, acceptBackend, ids, logger, cfg.AdmissionRadiusKm)
	coord.OnAdmitted = func(o models.Offer) {
		logger.Info("new offer available", "ride_id", o.ID, "pickup", o.Pickup.Address)
	}

	registrar := notify.NewRegistrar(cfg.PushEndpoint, cfg.PushKey, liveness, ids, logger)

	sess := session.New(ctx, store, loop, channel, coord, backfill, nil, logger, cfg.BackfillLimit)

	if cfg.StripeAPIKey != "" {
		go refreshEarnings(ctx, earnings.NewStripeClient(cfg.StripeAPIKey, cfg.StripeAccountID), store, cfg.EarningsRefresh, logger)
	}

	srv := httpapi.NewServer(store, sess, coord, provider, registrar, logger)
	httpServer := &http.Server{
		Addr:    cfg.StatusAddr,
		Handler: srv,
	}

	go func() {
		logger.Info("driver agent listening", "addr", cfg.StatusAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// going offline stops the loop and the subscription; an in-flight accept
	// still resolves into the store before we exit
	_ = sess.SetAvailable(context.Background(), false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// unavailableBackend rejects accepts when no platform database is configured;
// the coordinator surfaces it as an ambiguous outcome.
type unavailableBackend struct{}

func (unavailableBackend) AcceptRide(context.Context, string, string) (dispatch.AcceptReply, error) {
	return dispatch.AcceptReply{}, errors.New("accept backend not configured")
}

func refreshEarnings(ctx context.Context, client *earnings.StripeClient, store *state.Store, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		bal, err := client.AvailableBalance(ctx)
		if err != nil {
			logger.Warn("earnings refresh failed", "error", err)
		} else {
			store.MergeStats(models.StatsDelta{EarningsAccrued: &bal})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
