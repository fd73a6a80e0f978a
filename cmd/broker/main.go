package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pelusa-v/forumchat/internal/broker"
	"github.com/pelusa-v/forumchat/internal/config"
	"github.com/pelusa-v/forumchat/internal/handlers"
	"github.com/pelusa-v/forumchat/internal/logger"
	"github.com/pelusa-v/forumchat/internal/protocol"
	"github.com/pelusa-v/forumchat/internal/storage"
)

func main() {
	configPath := flag.String("config", "forumchat.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("")
		logger.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level)
	defer logger.Sync()

	// 1. storage
	store, err := storage.Open(cfg.Broker.DBPath)
	if err != nil {
		logger.Error("storage_open_failed", "path", cfg.Broker.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, u := range cfg.Broker.Users {
		p := protocol.Profile{ID: u.ID, Name: u.Name, Image: u.Image}
		if err := store.UpsertUser(ctx, p); err != nil {
			logger.Warn("seed_user_failed", "user", u.ID, "error", err)
		}
	}

	// 2. hub
	var (
		metrics      *broker.Metrics
		metricsRoute http.Handler
	)
	if cfg.Broker.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = broker.NewMetrics(reg)
		metricsRoute = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	hub := broker.NewManager(broker.Options{
		Store:      store,
		RateLimit:  cfg.Broker.RateLimit,
		RateBurst:  cfg.Broker.RateBurst,
		SendBuffer: cfg.Broker.SendBuffer,
		Metrics:    metrics,
	})
	go hub.Start(ctx)

	// 3. http
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(cors.New())
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	handlers.NewChatHandler(hub, store, metricsRoute).Mount(app)

	go func() {
		<-ctx.Done()
		logger.Info("broker_shutting_down")
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	logger.Info("broker_listening", "addr", cfg.Broker.Listen)
	if err := app.Listen(cfg.Broker.Listen); err != nil {
		logger.Error("broker_listen_failed", "error", err)
		os.Exit(1)
	}
}
