package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/futures_ladder/internal/config"
	"github.com/vitos/futures_ladder/internal/infrastructure/exchange"
	"github.com/vitos/futures_ladder/internal/infrastructure/logger"
	"github.com/vitos/futures_ladder/internal/infrastructure/storage"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	userID := flag.Int64("user", 1, "user id whose credentials are checked")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to query")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.NewLogger("warn", "console")
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		fmt.Printf("Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := store.GetUser(ctx, *userID)
	if err != nil {
		fmt.Printf("❌ User %d: %v\n", *userID, err)
		os.Exit(1)
	}
	fmt.Printf("Testing Binance futures for user %d (%s)...\n", user.ID, user.Name)
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)
	if len(user.APIKey) >= 4 {
		fmt.Printf("API Key: %s...\n", user.APIKey[:4])
	}

	client := exchange.NewBinanceFutures(user.ID, exchange.OptionsFrom(cfg.Exchange, user.APIKey, user.APISecret), log)

	// 2. Public: mark price
	price, err := client.Price(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Mark Price (%s): %f\n", *symbol, price)
	}

	// 3. Signed: balance (also syncs the clock)
	balance, err := client.WalletBalance(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get balance: %v\n", err)
	} else {
		fmt.Printf("✅ Available USDT: %.2f\n", balance)
		fmt.Printf("✅ Clock offset: %s\n", client.ClockOffset())
	}

	// 4. Signed: position
	positions, err := client.Positions(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get position: %v\n", err)
		return
	}
	if len(positions) == 0 {
		fmt.Printf("✅ No open position on %s\n", *symbol)
	}
	for _, p := range positions {
		fmt.Printf("✅ Position %s %s size %v entry %v mark %v x%d\n", p.Symbol, p.Side, p.Size, p.EntryPrice, p.MarkPrice, p.Leverage)
	}
}
