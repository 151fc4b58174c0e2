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
	_ "github.com/jackc/pgx/v5/stdlib"

	"leadflow-engine/internal/campaign"
	"leadflow-engine/internal/config"
	"leadflow-engine/internal/conversation"
	"leadflow-engine/internal/decision"
	"leadflow-engine/internal/handover"
	"leadflow-engine/internal/httpapi"
	"leadflow-engine/internal/lead"
	"leadflow-engine/internal/metrics"
	"leadflow-engine/internal/overlord"
	"leadflow-engine/internal/provider"
	"leadflow-engine/internal/queue"
	"leadflow-engine/internal/ratelimit"
	"leadflow-engine/internal/reporting"
	"leadflow-engine/internal/scheduler"
	"leadflow-engine/internal/webhook"
	"leadflow-engine/pkg/logger"
	"leadflow-engine/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
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

	// Persistence
	leadRepo := lead.NewPostgresRepo(db)
	campaignRepo := campaign.NewPostgresRepo(db)
	schedRepo := scheduler.NewPostgresRepo(db)
	convRepo := conversation.NewPostgresRepo(db)
	decisionLog := decision.NewLog(decision.NewPostgresRepo(db))

	met := metrics.New()
	decisionLog.OnAppend = func(a decision.Action) {
		met.DecisionsTotal.WithLabelValues(string(a)).Inc()
	}

	store := queue.NewRedisStore(rdb)
	limiter := ratelimit.NewRedisLimiter(rdb, ratelimit.DefaultRules())

	sched := scheduler.NewService(schedRepo, campaignRepo, leadRepo, convRepo, store, log)
	sched.SetDueBatch(cfg.Scheduler.DueBatch)

	// One messaging gateway serves every channel.
	senders := provider.Registry{}
	for _, ch := range []lead.Channel{lead.ChannelEmail, lead.ChannelSMS, lead.ChannelChat} {
		senders[ch] = provider.NewGatewaySender(string(ch), cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)
	}

	exec := scheduler.NewSendExecutor(sched, schedRepo, leadRepo, convRepo, senders, limiter, log)
	exec.OnOutcome = func(ch lead.Channel, outcome string) {
		met.SendsTotal.WithLabelValues(string(ch), outcome).Inc()
	}
	exec.AfterSend = func(ctx context.Context, leadID, scheduleID string) {
		s, err := campaignRepo.FindSchedule(ctx, scheduleID)
		if err != nil || s.CampaignID == "" {
			return
		}
		_, err = store.Enqueue(ctx, overlord.JobTypeEvaluate, overlord.EvaluatePayload{
			LeadID:     leadID,
			CampaignID: s.CampaignID,
		}, queue.Options{
			Lane:     queue.LaneBackground,
			Metadata: queue.Metadata{Source: "scheduler", LeadID: leadID},
		})
		if err != nil {
			log.Error("post-send evaluation enqueue failed", "lead_id", leadID, "err", err)
		}
	}

	engine := overlord.NewEngine(leadRepo, campaignRepo, convRepo, decisionLog, sched, store, log)

	var destinations []handover.Destination
	if cfg.Handover.BoberdooURL != "" {
		destinations = append(destinations, handover.NewBoberdooDestination(
			cfg.Handover.BoberdooURL, cfg.Handover.BoberdooSrc, cfg.Handover.BoberdooType, cfg.Handover.BoberdooKey, cfg.Handover.Timeout,
		))
	}
	if cfg.Handover.CRMURL != "" {
		destinations = append(destinations, handover.NewCRMDestination(
			cfg.Handover.CRMURL, cfg.Handover.CRMKey, cfg.Handover.Timeout,
		))
	}
	handoverExec := handover.NewExecutor(destinations, leadRepo, decisionLog, limiter, log)
	handoverExec.OnResult = func(destination string, accepted bool) {
		result := "rejected"
		if accepted {
			result = "accepted"
		}
		met.HandoversTotal.WithLabelValues(destination, result).Inc()
	}

	hooks := webhook.NewService(schedRepo, sched, campaignRepo, convRepo, store, log)

	reports := reporting.NewService(reporting.NewPostgresRepo(db))
	snapshotter := reporting.NewSnapshotter(campaignRepo, reports, log)

	runner := queue.NewRunner(store, queue.RunnerConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		LeaseTTL:     cfg.Queue.LeaseTTL,
	}, log)
	runner.OnResult(met.ObserveJob)
	runner.Register(scheduler.JobTypeSend, exec.Handle)
	runner.Register(overlord.JobTypeEvaluate, engine.Handle)
	runner.Register(handover.JobTypeSubmit, handoverExec.Handle)
	runner.Register(reporting.JobTypeSnapshot, snapshotter.Handle)

	recurring := queue.NewRecurring(store, log)
	if _, err := recurring.Add(queue.RecurringDef{Spec: "0 6 * * *", Type: reporting.JobTypeSnapshot}); err != nil {
		log.Error("recurring job registration failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Scheduler:     sched,
		Overlord:      engine,
		Leads:         leadRepo,
		Campaigns:     campaignRepo,
		Decisions:     decisionLog,
		Jobs:          store,
		Runner:        runner,
		Webhooks:      hooks,
		Reports:       reports,
		WebhookSecret: cfg.Webhook.Secret,
	}, met)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runner.Start(rootCtx)
	recurring.Start()
	go sched.Run(rootCtx, cfg.Scheduler.TickInterval)
	go met.PollQueue(rootCtx, store, cfg.Queue.MetricsPollInterval)

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
	recurring.Stop()
	runner.Stop()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
