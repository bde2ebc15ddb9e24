package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitos/futures_ladder/internal/backtest"
	"github.com/vitos/futures_ladder/internal/config"
	"github.com/vitos/futures_ladder/internal/domain"
	"github.com/vitos/futures_ladder/internal/infrastructure/exchange"
	"github.com/vitos/futures_ladder/internal/infrastructure/logger"
	"github.com/vitos/futures_ladder/internal/infrastructure/notifier"
	"github.com/vitos/futures_ladder/internal/infrastructure/storage"
	"github.com/vitos/futures_ladder/internal/usecase"
	"github.com/vitos/futures_ladder/internal/web"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level, cfg.Logging.Encoding)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Notifications
	var notify domain.Notifier = notifier.NewLog(log)
	var tg *notifier.Telegram
	if cfg.Telegram.Token != "" {
		tg, err = notifier.NewTelegram(cfg.Telegram.Token, cfg.Telegram.AdminChatID, store, log)
		if err != nil {
			log.Error("Telegram disabled", zap.Error(err))
		} else {
			notify = notifier.Multi{notify, tg}
			tg.Start(ctx)
		}
	}

	// 5. Exchange clients: one per user plus the public dummy
	opts := exchange.OptionsFrom(cfg.Exchange, "", "")
	dummy := exchange.NewBinanceFutures(0, opts, log)
	registry := exchange.NewRegistry(store, exchange.BinanceFactory(opts, log), dummy, log)

	// 6. Engine
	svc := usecase.NewOrderService(store, store, store, registry, notify, cfg.Engine, log)
	engine := usecase.NewEngine(registry, svc, dummy, cfg.Engine, log)
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start engine", zap.Error(err))
	}

	// 7. Web Server
	bt := backtest.NewService(dummy, store, cfg.Engine.TakerFeeRate, log)
	server := web.NewServer(cfg.Server.Port, bt, svc, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 8. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Web server shutdown", zap.Error(err))
	}
	engine.Stop()
	cancel()
	if tg != nil {
		tg.Wait()
	}
}
