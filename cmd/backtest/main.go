package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/futures_ladder/internal/backtest"
	"github.com/vitos/futures_ladder/internal/config"
	"github.com/vitos/futures_ladder/internal/infrastructure/exchange"
	"github.com/vitos/futures_ladder/internal/infrastructure/logger"
	"github.com/vitos/futures_ladder/internal/infrastructure/storage"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	tokenID := flag.Int64("token", 1, "token id")
	strategyID := flag.Int64("strategy", 1, "root strategy id")
	year := flag.Int("year", time.Now().Year()-1, "year to replay")
	budget := flag.Float64("budget", 1000, "budget per order")
	trades := flag.Bool("trades", false, "print every trade as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.NewLogger(cfg.Logging.Level, "console")
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	market := exchange.NewBinanceFutures(0, exchange.OptionsFrom(cfg.Exchange, "", ""), log)
	svc := backtest.NewService(market, store, cfg.Engine.TakerFeeRate, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := svc.Run(ctx, backtest.Request{TokenID: *tokenID, Year: *year, StrategyID: *strategyID, Budget: *budget})
	if err != nil {
		log.Fatal("Backtest failed", zap.Error(err))
	}

	s := report.Summary
	fmt.Printf("%s %d strategy %d\n", report.Symbol, report.Year, report.StrategyID)
	fmt.Printf("trades %d (long %d / short %d)  wins %d  losses %d  win rate %.1f%%\n",
		s.Trades, s.Longs, s.Shorts, s.Wins, s.Losses, s.WinRate)
	fmt.Printf("net profit %.2f  return %.2f%%  max drawdown %.2f\n", s.NetProfit, s.ReturnPct, s.MaxDrawdown)

	if *trades {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report.Trades); err != nil {
			log.Error("Encode trades", zap.Error(err))
		}
	}
}
