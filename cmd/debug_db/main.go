package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/futures_ladder/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "bot.db", "sqlite database path")
	recent := flag.Int("recent", 20, "number of recent orders to list")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	active, err := store.ListActiveOrders(ctx)
	if err != nil {
		fmt.Printf("Failed to list orders: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d active orders:\n", len(active))
	for _, o := range active {
		fmt.Printf("- Order %d: user %d, %s %s, entry %f, qty %f\n", o.ID, o.UserID, o.Symbol, o.Side, o.EntryPrice, o.Quantity)

		target, err := store.GetTarget(ctx, o.TargetID)
		if err != nil {
			fmt.Printf("  ❌ Target %d: %v\n", o.TargetID, err)
		} else {
			fmt.Printf("  ✅ Target %d: %.2f%% / stop %.2f%%\n", target.ID, target.TargetPercent, target.StoplossPercent)
		}
		if o.StopOrderID == "" {
			fmt.Printf("  ⚠️ No stop outstanding\n")
		} else {
			fmt.Printf("  ✅ Stop %s\n", o.StopOrderID)
		}
	}

	history, err := store.ListRecentOrders(ctx, *recent)
	if err != nil {
		fmt.Printf("Failed to list recent orders: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nLast %d orders:\n", len(history))
	for _, o := range history {
		fmt.Printf("- Order %d: %s %s %s %s net %.4f\n", o.ID, o.Symbol, o.Side, o.Status, o.CloseReason, o.NetProfit)
	}
}
