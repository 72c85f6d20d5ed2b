package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/talon-systems/talon/internal/clickhouse"
	"github.com/talon-systems/talon/internal/config"
	"github.com/talon-systems/talon/internal/copytrade"
	"github.com/talon-systems/talon/internal/execution"
	"github.com/talon-systems/talon/internal/feed"
	"github.com/talon-systems/talon/internal/fees"
	"github.com/talon-systems/talon/internal/monitor"
	"github.com/talon-systems/talon/internal/position"
	"github.com/talon-systems/talon/internal/qualify"
	"github.com/talon-systems/talon/internal/registry"
	"github.com/talon-systems/talon/internal/risk"
	"github.com/talon-systems/talon/internal/storage"
	"github.com/talon-systems/talon/internal/storage/memory"
	"github.com/talon-systems/talon/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
			os.Exit(1)
		}
	}

	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("TALON Qualification-to-Execution Pipeline - Starting")
	log.Info().Msg("DISCOVER -> QUALIFY -> RESERVE -> EXECUTE -> MONITOR")
	log.Info().Msg("=============================================")

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("dry_run", cfg.General.DryRun).
		Float64("daily_capacity_usd", cfg.Risk.DailyCapacityUSD).
		Float64("per_trade_ceiling_usd", cfg.Risk.PerTradeCeilingUSD).
		Float64("daily_loss_limit_usd", cfg.Risk.DailyLossLimitUSD).
		Float64("min_confidence", cfg.Qualify.MinConfidence).
		Int("leaders", len(cfg.CopyTrade.Leaders)).
		Msg("Configuration loaded")

	if !cfg.General.DryRun {
		log.Warn().Msg("Live execution venue not configured in this build, forcing paper fills")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence. Postgres when enabled, otherwise in-memory only.
	var (
		archiver  registry.Archiver
		posStore  position.Store
		riskStore risk.Store
		ledgers   []execution.LedgerWriter
		pgPool    *postgres.Pool
		pgOpps    *postgres.OpportunityStore
		pgPos     *postgres.PositionStore
		pgRisk    *postgres.RiskStore
	)
	if cfg.Postgres.Enabled {
		pgPool, err = postgres.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Postgres connection failed")
		}
		defer pgPool.Close()
		if err := postgres.EnsureSchema(ctx, pgPool); err != nil {
			log.Fatal().Err(err).Msg("Postgres schema setup failed")
		}
		pgOpps = postgres.NewOpportunityStore(pgPool)
		pgPos = postgres.NewPositionStore(pgPool)
		pgRisk = postgres.NewRiskStore(pgPool)
		archiver = pgOpps
		posStore = pgPos
		riskStore = pgRisk
		ledgers = append(ledgers, postgres.NewLedgerStore(pgPool))
		log.Info().Msg("Postgres storage: connected")
	} else {
		mem := memory.New()
		archiver = mem
		posStore = mem
		riskStore = mem
		ledgers = append(ledgers, mem)
		log.Info().Msg("Storage: in-memory (state will not survive restart)")
	}

	var wg sync.WaitGroup

	// Analytics ledger (best-effort).
	if cfg.ClickHouse.Enabled {
		chClient, err := clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("ClickHouse unavailable, analytics ledger disabled")
		} else {
			defer chClient.Close()
			if err := chClient.EnsureSchema(ctx); err != nil {
				log.Warn().Err(err).Msg("ClickHouse schema setup failed, analytics ledger disabled")
			} else {
				chWriter := clickhouse.NewLedgerWriter(chClient, cfg.ClickHouse.BatchSize,
					time.Duration(cfg.ClickHouse.FlushIntervalS)*time.Second)
				defer chWriter.Close()
				ledgers = append(ledgers, chWriter)
				wg.Add(1)
				go func() {
					defer wg.Done()
					chWriter.Start(ctx)
				}()
				log.Info().Msg("ClickHouse analytics ledger: connected")
			}
		}
	}

	// Core state.
	reg := registry.New(archiver)
	riskCtl := risk.NewController(cfg.Risk, riskStore)
	book := position.NewBook(posStore)

	// With durable storage enabled, losing it is fatal: no core operation
	// may proceed against stale risk or position state.
	if cfg.Postgres.Enabled {
		fatalPersist := func(err error) {
			log.Fatal().Err(err).Msg("Persistent store unavailable, stopping")
		}
		reg.SetPersistErrorHook(fatalPersist)
		riskCtl.SetPersistErrorHook(fatalPersist)
		book.SetPersistErrorHook(fatalPersist)
	}

	restoreState(ctx, cfg, reg, riskCtl, book, pgOpps, pgPos, pgRisk)

	// Priority fee estimator. Without a live RPC source it serves the
	// configured fallback.
	feeEst := fees.NewEstimator(cfg.Fees.MaxFeeLamports)

	// Execution venue: paper fills in this build.
	venue := execution.NewPaperSwapClient()

	coord := execution.NewCoordinator(cfg.Execution, reg, riskCtl, book,
		venue, venue, feeEst, ledgers...)

	// Qualification engine. Stub oracles stand in for the external
	// safety/social collaborators.
	engine := qualify.NewEngine(cfg.Qualify, reg,
		&qualify.StubSafetyOracle{Verdict: qualify.VerdictSafe, Value: 85},
		&qualify.StubSocialOracle{Value: 60, Valid: true},
	)
	engine.SetOnAdmit(func(opp registry.Opportunity) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := coord.ExecuteApproved(ctx, opp); err != nil {
				log.Warn().Err(err).Str("mint", opp.Mint).Msg("Discovery execution failed")
			}
		}()
	})

	detector := copytrade.New(cfg.CopyTrade, coord)
	posMonitor := monitor.New(cfg.Monitor, book, venue, coord)

	wg.Add(1)
	go func() {
		defer wg.Done()
		posMonitor.Run(ctx)
	}()

	// Daily risk reset at UTC midnight, plus periodic reclamation of
	// leaked reservations.
	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc("0 0 * * *", func() {
		riskCtl.Reset(context.Background())
		log.Info().Msg("Daily risk budget reset")
	}); err != nil {
		log.Fatal().Err(err).Msg("Scheduler setup failed")
	}
	scheduler.Start()
	defer scheduler.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := riskCtl.ReclaimExpired(ctx); n > 0 {
					log.Warn().Int("count", n).Msg("Reclaimed expired reservations")
				}
			}
		}
	}()

	// Feed workers.
	subscriber := feed.NewSubscriber(cfg.Feed)
	subscriber.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range subscriber.MarketEvents() {
			venue.SetPrice(ev.Mint, ev.Price)
			if created := reg.Upsert(ctx, ev.Candidate()); created {
				mint := ev.Mint
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := engine.Qualify(ctx, mint); err != nil {
						log.Warn().Err(err).Str("mint", mint).Msg("Qualification failed")
					}
				}()
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range subscriber.LeaderEvents() {
			detector.Observe(ctx, ev.LeaderTx())
		}
	}()

	log.Info().Msg("TALON - Running")
	log.Info().Msg("Pipeline: Feed -> Registry -> Qualify -> Risk -> Execute -> Monitor")

	<-ctx.Done()

	log.Info().Msg("Shutting down...")
	wg.Wait()

	stats := coord.Stats()
	budget := riskCtl.Snapshot()
	log.Info().
		Int64("submitted", stats.Submitted).
		Int64("filled", stats.Filled).
		Int64("rejected", stats.Rejected).
		Int64("failed", stats.Failed).
		Str("realized_pnl", stats.PnL.String()).
		Str("daily_loss", budget.DailyLoss.String()).
		Bool("halted", budget.Halted).
		Int("open_positions", len(book.List(position.StatusOpen))).
		Msg("TALON - Final Statistics")

	log.Info().Msg("TALON - Shutdown complete")
}

// restoreState reloads non-terminal opportunities, unsettled positions,
// and the risk budget so a restart resumes where the process stopped.
func restoreState(ctx context.Context, cfg *config.Config, reg *registry.Registry,
	riskCtl *risk.Controller, book *position.Book,
	opps *postgres.OpportunityStore, positions *postgres.PositionStore, budget *postgres.RiskStore) {

	if !cfg.Postgres.Enabled {
		return
	}

	restored := 0
	if active, err := opps.Active(ctx); err != nil {
		log.Error().Err(err).Msg("Opportunity recovery failed")
	} else {
		for _, opp := range active {
			reg.Restore(opp)
			restored++
		}
	}

	reserved := decimal.Zero
	open := 0
	if unsettled, err := positions.Unsettled(ctx); err != nil {
		log.Error().Err(err).Msg("Position recovery failed")
	} else {
		for _, pos := range unsettled {
			book.Restore(pos)
			// Re-key the position's reservation so the eventual close can
			// release it and book its PnL against the daily loss limit.
			if pos.ReservationID != "" {
				riskCtl.RestoreReservation(pos.ReservationID, pos.Notional, pos.EntryAt)
				reserved = reserved.Add(pos.Notional)
			}
			open++
		}
	}

	if b, err := budget.Load(ctx); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Msg("Budget recovery failed")
		}
		riskCtl.Restore(decimal.Zero)
	} else {
		riskCtl.Restore(b.DailyLoss)
	}

	log.Info().
		Int("opportunities", restored).
		Int("positions", open).
		Str("reserved", reserved.String()).
		Msg("State restored from Postgres")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "talon").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "talon").
			Str("instance", general.InstanceID).Logger()
	}
}
