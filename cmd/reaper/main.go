// Command reaper periodically fails and refunds tasks stuck in flight longer
// than the configured maximum age. It is a no-op unless
// STALE_TASK_MAX_AGE_SECONDS is set.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"wrapserver/internal/adapter/repo"
	"wrapserver/internal/infra"
	"wrapserver/internal/service"
	"wrapserver/internal/steplog"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg, "reaper")

	if cfg.StaleTaskMaxAge <= 0 {
		logger.Info().Msg("STALE_TASK_MAX_AGE_SECONDS not set, nothing to do")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	tasks := repo.NewTaskRepository(pool)
	// The reaper only needs the ledger and task repositories; storage and
	// inference stay nil because no sweep path touches them.
	svc := service.NewGenerationService(
		repo.NewCreditLedger(pool),
		tasks,
		repo.NewWrapRepository(pool),
		nil,
		nil,
		nil,
		steplog.New(tasks, logger),
		logger,
		service.GenerationConfig{CreditCost: cfg.GenerationCost},
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.StaleTaskSweepEvery)
	defer ticker.Stop()

	logger.Info().
		Dur("max_age", cfg.StaleTaskMaxAge).
		Dur("interval", cfg.StaleTaskSweepEvery).
		Msg("reaper started")

	for {
		reaped, err := svc.ReapStale(ctx, int(cfg.StaleTaskMaxAge.Seconds()), cfg.StaleTaskSweepLimit)
		if err != nil {
			logger.Error().Err(err).Msg("sweep failed")
		} else if reaped > 0 {
			logger.Info().Int("reaped", reaped).Msg("sweep finished")
		}

		select {
		case <-stop:
			logger.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
		}
	}
}
