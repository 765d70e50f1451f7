package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-realtime/internal/api"
	"github.com/npezzotti/go-realtime/internal/broker"
	"github.com/npezzotti/go-realtime/internal/config"
	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/janitor"
	"github.com/npezzotti/go-realtime/internal/logger"
	"github.com/npezzotti/go-realtime/internal/polling"
	"github.com/npezzotti/go-realtime/internal/queue"
	"github.com/npezzotti/go-realtime/internal/ratelimit"
	"github.com/npezzotti/go-realtime/internal/router"
	"github.com/npezzotti/go-realtime/internal/server"
	"github.com/npezzotti/go-realtime/internal/stats"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		return serve(cmd.Context(), cfg, newLogger(cfg))
	},
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	repo, err := database.NewPgRepository(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Error().Err(err).Msg("db close")
		}
	}()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	q := queue.New(queue.Config{
		MaxSize:   cfg.Delivery.QueueMaxSize,
		Retention: cfg.Delivery.QueueRetention,
	})

	marks, err := polling.OpenBoltWatermarks(cfg.Polling.WatermarkPath, cfg.Polling.WatermarkTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := marks.Close(); err != nil {
			log.Error().Err(err).Msg("watermark store close")
		}
	}()

	intervals, err := cfg.PollIntervals()
	if err != nil {
		return err
	}
	poller := polling.NewService(logger.WithComponent(log, "polling"), repo, marks, polling.Config{
		Intervals: intervals,
		MaxAge:    cfg.Polling.MaxAge,
		BatchSize: cfg.Polling.BatchSize,
	})

	cm := server.NewManager(logger.WithComponent(log, "manager"), server.Config{
		HeartbeatInterval: cfg.Delivery.HeartbeatInterval,
		HealthWindow:      cfg.Delivery.HealthWindow,
		ReconnectWindow:   cfg.Delivery.ReconnectWindow,
		RateLimit: ratelimit.Config{
			MaxPerMinute:       cfg.Delivery.MaxMessagesPerMinute,
			ViolationThreshold: cfg.Delivery.ViolationThreshold,
		},
		TokenCost: cfg.Delivery.TokenCost,
	}, q, poller, statsUpdater)

	rt := router.New(logger.WithComponent(log, "router"), cm, router.Config{
		MirrorRole: cfg.Delivery.MirrorRole,
		Buffer:     cfg.Delivery.DispatchBuffer,
	}, statsUpdater)
	cm.SetPollHandler(rt.PublishEvents)

	jan := janitor.New(logger.WithComponent(log, "janitor"))
	if err := jan.Add("queue_sweep", cfg.Janitor.QueueSweep, janitor.Count(q.Sweep)); err != nil {
		return err
	}
	if err := jan.Add("session_sweep", cfg.Janitor.SessionSweep, janitor.Count(cm.ExpireSessions)); err != nil {
		return err
	}
	if err := jan.Add("watermark_prune", cfg.Janitor.WatermarkPrune, marks.Prune); err != nil {
		return err
	}

	app := api.NewApp(mux, logger.WithComponent(log, "api"), cm, repo, cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.Run(gctx)
		return nil
	})

	if cfg.Broker.Enabled {
		listener, err := broker.NewListener(cfg.Database.DSN, broker.Config{
			Channel:      cfg.Broker.Channel,
			MinReconnect: cfg.Broker.MinReconnect,
			MaxReconnect: cfg.Broker.MaxReconnect,
			PingInterval: cfg.Broker.PingInterval,
		}, logger.WithComponent(log, "listener"))
		if err != nil {
			return err
		}
		bridge := broker.NewBridge(logger.WithComponent(log, "bridge"), listener, rt, cfg.Broker.PingInterval)

		// a dead bridge degrades delivery to fallback polling, it does not stop the server
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil {
				log.Error().Err(err).Msg("bridge exited")
			}
			return nil
		})
	} else {
		log.Warn().Msg("broker disabled, only polled updates will be delivered")
	}

	jan.Start()

	g.Go(func() error {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return errors.Join(
			app.Shutdown(shutdownCtx),
			cm.Shutdown(shutdownCtx),
			poller.Shutdown(shutdownCtx),
			jan.Stop(shutdownCtx),
		)
	})

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("shutdown with errors")
		return err
	}

	log.Info().Msg("shutdown complete")
	return nil
}

