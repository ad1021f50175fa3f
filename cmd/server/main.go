package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/config"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/db"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/events"
	clog "github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/log"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/mw"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/scheduler"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/server"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/service"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库、启动清理调度器与 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	hub := ws.NewHub()
	pub := events.Fanout{hub}
	var nats *events.NATSPublisher
	if cfg.NATSURL != "" {
		nats, err = events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			// 事件总线是尽力而为的，连不上时只用本地 ws 推送
			log.Warn().Err(err).Msg("nats unavailable, continuing without it")
		} else {
			pub = append(pub, nats)
		}
	}

	clock := service.SystemClock
	presence := service.NewPresenceService(gdb, clock)
	cleanup := service.NewCleanupService(gdb, clock, pub)
	p2p := service.NewP2PService(gdb, clock, presence, pub)
	groups := service.NewGroupService(gdb, clock, presence, pub)
	users := service.NewUserService(gdb, clock, cfg, presence, cleanup)

	sched := scheduler.New()
	sched.Register("expire-connections", cfg.ConnectionSweepInterval, func(ctx context.Context) error {
		_, err := cleanup.ExpireConnections(ctx)
		return err
	})
	sched.Register("inactive-users", cfg.InactivitySweepInterval, func(ctx context.Context) error {
		_, err := cleanup.SweepInactiveUsers(ctx)
		return err
	})
	sched.Register("login-codes", cfg.LoginCodeSweepInterval, func(ctx context.Context) error {
		_, err := cleanup.PurgeExpiredLoginCodes(ctx)
		return err
	})
	sched.Register("group-trim", cfg.GroupTrimInterval, func(ctx context.Context) error {
		_, err := cleanup.TrimGroupMessages(ctx)
		return err
	})
	sched.Register("expired-groups", cfg.GroupExpirySweepInterval, func(ctx context.Context) error {
		_, err := cleanup.SweepExpiredGroups(ctx)
		return err
	})
	sched.Register("stats", cfg.StatsInterval, p2p.RefreshStatsGauges)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sched.Start(ctx)

	// 控制单个用户(或 IP)+路由的速率
	rl := mw.RateLimit(rate.Every(time.Second/20), 40)
	h := server.NewHandler(users, p2p, groups, hub)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, h, rl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	sched.Stop()
	rl.Stop()
	if nats != nil {
		nats.Close()
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
