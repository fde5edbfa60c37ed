package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dialflow/internal/agent"
	"dialflow/internal/auth"
	"dialflow/internal/campaign"
	"dialflow/internal/config"
	"dialflow/internal/mediastream"
	"dialflow/internal/pipeline"
	"dialflow/internal/provider"
	"dialflow/internal/session"
	"dialflow/internal/sink"
	"dialflow/internal/telephony"
	"dialflow/internal/usage"
	"dialflow/internal/wallet"
	"dialflow/pkg/logger"
	"dialflow/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	tokens, err := auth.NewStreamTokenManager(cfg.Stream)
	if err != nil {
		log.Error("stream token init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Provider adapters
	generator := provider.NewOpenAIGenerator(cfg.Providers.OpenAIKey)
	synthesizer := provider.NewElevenLabsSynthesizer(cfg.Providers.ElevenLabsKey)
	transcriber := provider.NewDeepgramTranscriber(cfg.Providers.DeepgramKey)

	rows, err := sink.NewSpreadsheetSink("data/sinks")
	if err != nil {
		log.Error("sink init failed", "err", err)
		os.Exit(1)
	}

	// Billing
	wallets := wallet.NewService(db, log)
	settler := usage.NewSettler(usage.DefaultRates(cfg.Billing.Currency), &usage.PostgresRecordStore{DB: db}, wallets, log)

	// Campaign dialer
	carrier := telephony.NewTwilioCarrier(cfg.Twilio, log)
	dialer := campaign.NewDialer(
		campaign.NewPostgresStore(db),
		carrier,
		wallets,
		campaign.NewRedisSlots(rdb),
		log,
		cfg.App.PublicBaseURL,
		cfg.Billing.MinBalanceMinor,
	)

	// Sessions settle usage into the wallet exactly once, at teardown, fold
	// the settled cost back into campaign totals and leave the transcript
	// and captured intent on the contact.
	registry := session.NewRegistry(log, func(ctx context.Context, s *session.Session) {
		dialer.RecordCallResult(ctx, s.CallID, s.TranscriptText(), s.Intent())
		u := s.Meter.Snapshot(time.Now())
		cost, err := settler.Settle(ctx, s.WorkspaceID, s.CallID, u)
		if err != nil {
			log.Error("usage settlement failed", "call_id", s.CallID, "err", err)
			return
		}
		dialer.AddCallCost(ctx, s.CallID, cost.TotalMinor)
	})

	orchestrator := pipeline.NewOrchestrator(generator, synthesizer, rows, log)
	stream := mediastream.NewHandler(registry, orchestrator, transcriber, &agent.PostgresStore{DB: db}, wallets, tokens, cfg.Billing.MinBalanceMinor, log)

	webhooks := &telephony.WebhookHandler{
		Tokens:    tokens,
		StreamURL: cfg.MediaStreamURL(),
		Status: statusFanout{
			registry: registry,
			dialer:   dialer,
		},
		Recording: dialer,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, stream, webhooks, &campaign.HTTPHandler{Dialer: dialer}, db, rdb)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// statusFanout delivers carrier status events to everyone who cares: the
// session registry tears the live session down on terminal statuses, then
// the dialer closes the contact out.
type statusFanout struct {
	registry *session.Registry
	dialer   *campaign.Dialer
}

func (f statusFanout) OnCallStatus(ctx context.Context, ev telephony.StatusEvent) {
	if telephony.IsTerminalStatus(ev.Status) {
		f.registry.Destroy(ctx, ev.CallID)
	}
	f.dialer.OnCallStatus(ctx, ev)
}
