package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/storage"
	"github.com/web3guy0/mirrorbot/types"
)

// Admin tool for the tracked-wallet registry. The bot reloads the registry
// every cycle, so edits here take effect without a restart.
//
//   go run ./scripts list
//   go run ./scripts add <address> [A|B] [multiplier] [label...]
//   go run ./scripts disable <address>
//   go run ./scripts enable <address>
//   go run ./scripts remove <address>

func main() {
	godotenv.Load()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "data/mirrorbot.db"
	}

	db, err := storage.New(dbPath)
	if err != nil {
		fmt.Printf("❌ Database error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "list":
		list(db)
	case "add":
		add(db, os.Args[2:])
	case "enable", "disable":
		setEnabled(db, os.Args[2:], os.Args[1] == "enable")
	case "remove":
		remove(db, os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Println("usage: wallets <list|add|enable|disable|remove> [args]")
	os.Exit(1)
}

func list(db *storage.Database) {
	wallets, err := db.GetTrackedWallets()
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	if len(wallets) == 0 {
		fmt.Println("(no tracked wallets)")
		return
	}

	fmt.Println("📋 Tracked wallets:")
	for _, w := range wallets {
		state := "enabled"
		if !w.Enabled {
			state = "disabled"
		}
		fmt.Printf("  - %s  bucket=%s  mult=%s  %s  %s\n",
			w.Address, w.Bucket, w.SizeMultiplier, state, w.Label)
	}
}

func add(db *storage.Database, args []string) {
	if len(args) < 1 {
		usage()
	}

	w := types.TrackedWallet{
		Address:        strings.ToLower(args[0]),
		Bucket:         types.BucketB,
		Enabled:        true,
		SizeMultiplier: decimal.NewFromInt(1),
	}
	if len(args) > 1 {
		w.Bucket = types.Bucket(strings.ToUpper(args[1]))
	}
	if len(args) > 2 {
		mult, err := decimal.NewFromString(args[2])
		if err != nil {
			fmt.Printf("❌ bad multiplier %q: %v\n", args[2], err)
			os.Exit(1)
		}
		w.SizeMultiplier = mult
	}
	if len(args) > 3 {
		w.Label = strings.Join(args[3:], " ")
	}

	if w.Bucket != types.BucketA && w.Bucket != types.BucketB {
		fmt.Printf("❌ bucket must be A or B, got %q\n", w.Bucket)
		os.Exit(1)
	}

	if err := db.UpsertTrackedWallet(w); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Tracking %s (bucket %s)\n", w.Address, w.Bucket)
}

func setEnabled(db *storage.Database, args []string, enabled bool) {
	if len(args) < 1 {
		usage()
	}
	addr := strings.ToLower(args[0])

	wallets, err := db.GetTrackedWallets()
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	for _, w := range wallets {
		if strings.ToLower(w.Address) != addr {
			continue
		}
		w.Enabled = enabled
		if err := db.UpsertTrackedWallet(w); err != nil {
			fmt.Printf("❌ %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ %s enabled=%v\n", addr, enabled)
		return
	}
	fmt.Printf("❌ %s not tracked\n", addr)
	os.Exit(1)
}

func remove(db *storage.Database, args []string) {
	if len(args) < 1 {
		usage()
	}
	if err := db.RemoveTrackedWallet(args[0]); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Removed %s\n", strings.ToLower(args[0]))
}
