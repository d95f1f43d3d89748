// Command deepr runs the research-automation platform: job queue,
// poller, campaign engine, expert store, autonomous learning loop, and
// HTTP/WebSocket API in a single process, grounded on the teacher's
// cmd/tarsy/main.go wiring shape.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blisspixel/deepr/internal/api"
	"github.com/blisspixel/deepr/internal/budget"
	"github.com/blisspixel/deepr/internal/campaign"
	"github.com/blisspixel/deepr/internal/clock"
	"github.com/blisspixel/deepr/internal/config"
	"github.com/blisspixel/deepr/internal/database"
	"github.com/blisspixel/deepr/internal/docstore"
	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/expert"
	"github.com/blisspixel/deepr/internal/learning"
	"github.com/blisspixel/deepr/internal/poller"
	"github.com/blisspixel/deepr/internal/provider"
	"github.com/blisspixel/deepr/internal/queue"
)

// retrySweepInterval controls how often the Campaign Engine's
// scheduled-retry sweep runs (spec §4.4, "retry with backoff").
const retrySweepInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("DEEPR_CONFIG"), "path to config YAML file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewClient(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		slog.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "database", cfg.Database.Database)

	clk := clock.New()

	loc, err := time.LoadLocation(cfg.Budget.Timezone)
	if err != nil {
		slog.Warn("unknown budget timezone, defaulting to UTC", "timezone", cfg.Budget.Timezone)
		loc = time.UTC
	}
	governor, err := budget.New(ctx, budget.Config{
		DailyCap:   cfg.Budget.DailyCapUSD,
		MonthlyCap: cfg.Budget.MonthlyCapUSD,
		Location:   loc,
	}, db, time.Now)
	if err != nil {
		slog.Error("initializing budget governor", "error", err)
		os.Exit(1)
	}

	bus := events.New()
	defer bus.Shutdown()

	providers := queue.Registry{
		provider.OpenAI: provider.NewFakeProvider(),
	}

	queueMgr := queue.New(db, governor, providers, bus, clk, queue.Config{
		WorkerCount:     cfg.Queue.WorkerCount,
		MaxInflightJobs: cfg.Queue.MaxInflightJobs,
		PollInterval:    cfg.Queue.PollInterval,
		PollJitter:      cfg.Queue.PollIntervalJitter,
		SubmitTimeout:   cfg.Queue.SubmitTimeout,
		StuckThreshold:  cfg.Queue.StuckThreshold,
	})
	queueMgr.Start(ctx)
	defer queueMgr.Stop()

	p := poller.New(db, governor, providers, bus, clk, poller.Config{
		Interval: cfg.Queue.PollInterval,
		Jitter:   cfg.Queue.PollIntervalJitter,
	})
	go p.Run(ctx)
	defer p.Stop()

	campaignEngine := campaign.New(db, queueMgr, governor, bus, clk, campaign.Config{
		MaxParallelPerCampaign: cfg.Campaign.MaxParallelPerCampaign,
		SummaryTokenBudget:     cfg.Campaign.SummaryTokenBudget,
		Retry: campaign.RetryPolicy{
			BaseDelay:   cfg.Campaign.RetryBaseDelay,
			Factor:      cfg.Campaign.RetryFactor,
			MaxAttempts: cfg.Campaign.RetryMaxAttempts,
		},
	}, campaign.NoopPlanner{})
	if err := campaignEngine.Start(ctx); err != nil {
		slog.Error("resuming active campaigns", "error", err)
		os.Exit(1)
	}
	go runRetrySweeper(ctx, campaignEngine)

	docs := docstore.NewFake()
	answerer := expert.NewFakeAnswerer()
	expertStore := expert.New(db, docs, answerer, campaignEngine, bus, clk)

	learningSvc := learning.New(expertStore, bus, learning.Config{})

	connManager := events.NewConnectionManager(bus, db)

	server := api.NewServer(db, queueMgr, campaignEngine, expertStore, learningSvc, governor, connManager,
		cfg.API.APIKeys, cfg.API.ModelAllowlist)

	go func() {
		slog.Info("api listening", "addr", cfg.API.ListenAddr)
		if err := server.Start(cfg.API.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("api server exited", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutting down api server", "error", err)
	}
}

// runRetrySweeper periodically re-evaluates campaign topics whose
// scheduled retry time has elapsed (spec §4.4); nothing else invokes
// campaign.Engine.SweepRetries, so this loop is its only caller.
func runRetrySweeper(ctx context.Context, e *campaign.Engine) {
	ticker := time.NewTicker(retrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SweepRetries(ctx); err != nil {
				slog.Error("sweeping campaign retries", "error", err)
			}
		}
	}
}
