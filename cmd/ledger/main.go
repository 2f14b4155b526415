package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/storage"
)

// Ledger report: summarizes the trade history and open book from the
// database. Days to look back comes from LEDGER_DAYS (default 7).
func main() {
	godotenv.Load()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "data/mirrorbot.db"
	}

	days := 7
	if v := os.Getenv("LEDGER_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	since := time.Now().AddDate(0, 0, -days)

	db, err := storage.New(dbPath)
	if err != nil {
		fmt.Println("❌ Database error:", err)
		os.Exit(1)
	}
	defer db.Close()

	pnl, err := db.RealizedPnlSince(since)
	if err != nil {
		fmt.Println("❌ Query error:", err)
		os.Exit(1)
	}
	volume, _ := db.ExecutedVolumeSince(since)

	fmt.Printf("📊 LEDGER - last %d days\n\n", days)
	fmt.Printf("  Realized PnL: $%s\n", pnl.StringFixed(2))
	fmt.Printf("  Volume:       $%s\n", volume.StringFixed(2))

	recent, err := db.RecentResolvedTrades(20)
	if err == nil && len(recent) > 0 {
		wins, losses := 0, 0
		for _, t := range recent {
			if t.Pnl.IsPositive() {
				wins++
			} else if t.Pnl.IsNegative() {
				losses++
			}
		}
		fmt.Printf("  Last %d resolved: %d wins / %d losses\n", len(recent), wins, losses)
	}

	positions, err := db.GetOpenPositions()
	if err != nil {
		fmt.Println("❌ Query error:", err)
		os.Exit(1)
	}

	fmt.Printf("\n📦 Open positions: %d\n", len(positions))
	exposure := decimal.Zero
	for _, p := range positions {
		exposure = exposure.Add(p.SizeUsd)
		fmt.Printf("  - %-40s %s  entry %s¢  $%s\n",
			truncate(p.Title, 40), p.Outcome,
			p.EntryPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
			p.SizeUsd.StringFixed(2))
	}
	fmt.Printf("\n  Total exposure: $%s\n", exposure.StringFixed(2))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
