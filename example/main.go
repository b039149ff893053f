// Example: place an entry order and arm a three-level take-profit ladder
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/shopspring/decimal"
	opiweb "github.com/vikions/OpiWeb"
	"github.com/vikions/OpiWeb/chain"
)

func main() {
	config, err := opiweb.LoadConfigFromEnv(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Local key wallet; a browser wallet implements the same interface
	wallet, err := chain.NewPrivateKeyWallet(os.Getenv("PRIVATE_KEY"), int64(config.ChainID))
	if err != nil {
		log.Fatalf("Failed to load wallet: %v", err)
	}

	trader, err := opiweb.NewTrader(config, wallet)
	if err != nil {
		log.Fatalf("Failed to create trader: %v", err)
	}
	defer trader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	session, err := trader.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	fmt.Printf("Trading as %s (%s)\n", session.Context.TradingAddress.Hex(), session.Context.Mode)

	tokenID := os.Getenv("TOKEN_ID")
	if tokenID == "" {
		log.Fatal("TOKEN_ID is required")
	}

	size := decimal.NewFromInt(20)
	entry, err := trader.PlaceEntry(ctx, opiweb.EntryParams{
		TokenID:    tokenID,
		Side:       chain.SideBuy,
		Outcome:    "YES",
		Price:      decimal.RequireFromString("0.45"),
		SizeTokens: &size,
	})
	if err != nil {
		log.Fatalf("Failed to place entry: %v", err)
	}
	fmt.Printf("Entry %s: %s tokens @ %s\n", entry.OrderID, entry.FilledSizeTokens, entry.EntryPrice)

	plan, err := trader.ArmTakeProfit(ctx, []opiweb.TpLevel{
		{Price: decimal.RequireFromString("0.55"), SizePct: decimal.NewFromInt(50)},
		{Price: decimal.RequireFromString("0.65"), SizePct: decimal.NewFromInt(30)},
		{Price: decimal.RequireFromString("0.75"), SizePct: decimal.NewFromInt(20)},
	}, opiweb.TpModeLadder)
	if err != nil {
		log.Fatalf("Failed to arm take-profit: %v", err)
	}
	fmt.Printf("Armed %s with %d signed levels\n", plan.ArmID, len(plan.Orders))

	ws, err := trader.StreamUpdates(ctx, nil)
	if err != nil {
		log.Printf("Streaming unavailable, relying on polling: %v", err)
	} else {
		defer ws.Disconnect()
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			arms, err := trader.TpStatus(plan.ArmID)
			if err != nil || len(arms) == 0 {
				continue
			}
			arm := arms[0]
			fmt.Printf("Arm %s: %s, filled %s, placed %d/%d\n",
				arm.ArmID, arm.Status, arm.LastFilledTokens, len(arm.PlacedLevels), len(arm.Levels))
			if arm.Status.Terminal() {
				return
			}
		}
	}
}
