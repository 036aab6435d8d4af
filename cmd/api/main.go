package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/Sentdex/SentboxFusion/internal/api"
	"github.com/Sentdex/SentboxFusion/internal/config"
	"github.com/Sentdex/SentboxFusion/internal/container"
	"github.com/Sentdex/SentboxFusion/internal/executor"
	"github.com/Sentdex/SentboxFusion/internal/filecache"
	"github.com/Sentdex/SentboxFusion/internal/logging"
	"github.com/Sentdex/SentboxFusion/internal/server"
	"github.com/Sentdex/SentboxFusion/internal/session"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logging.New(logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sessionStore session.Store
	var cache filecache.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		sessionStore = session.NewRedisStore(rdb)
		cache = filecache.NewRedis(rdb)
		log.Info("using redis backend", "addr", cfg.Redis.Addr)
	} else {
		sessionStore = session.NewMemoryStore()
		cache = filecache.NewMemory()
		log.Info("using in-memory backend; sessions will not survive restarts")
	}

	engine, err := container.NewDockerEngine(container.EngineConfig{
		WorkdirRoot: cfg.Sandbox.WorkdirRoot,
		Network:     cfg.Sandbox.Network,
		Images: map[string]string{
			"python": cfg.Sandbox.Images.Python,
			"bash":   cfg.Sandbox.Images.Bash,
			"pybash": cfg.Sandbox.Images.Pybash,
		},
		CPUs:        cfg.Sandbox.Limits.CPUs,
		MemoryBytes: cfg.Sandbox.Limits.MemoryBytes,
		PidsLimit:   cfg.Sandbox.Limits.PidsLimit,
	}, log)
	if err != nil {
		log.Error("failed to create docker engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	registry := session.NewRegistry(sessionStore, cfg.Session.LockWait, log)
	manager := container.NewManager(engine, container.ManagerConfig{
		LaunchRetries: cfg.Sandbox.LaunchRetries,
		LaunchBackoff: cfg.Sandbox.LaunchBackoff,
		LaunchTimeout: cfg.Sandbox.LaunchTimeout,
		StopGrace:     cfg.Sandbox.StopGrace,
	}, log)

	service := executor.NewService(registry, manager, cache, engine, executor.ServiceConfig{
		ExecTimeout: cfg.Sandbox.ExecTimeout,
		DefaultTTL:  cfg.Session.DefaultTTL,
		MaxTTL:      cfg.Session.MaxTTL,
	}, log)

	reaper := executor.NewReaper(registry, manager, cache, cfg.Reaper.Interval, log)
	reaper.Start(ctx)

	handlers := api.NewHandler(service)
	router := api.NewRouter(handlers)
	srv := server.New(cfg.HTTP, router)

	log.Info("server starting", "host", cfg.HTTP.Host, "port", cfg.HTTP.Port)
	err = srv.Run(ctx)

	// stop loose containers before the process goes away
	manager.Shutdown(context.Background())

	if err != nil {
		if err == server.ErrServerClosed {
			log.Info("server shutdown gracefully")
			return
		}
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
