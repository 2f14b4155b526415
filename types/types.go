package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// SignalType classifies a detected change in a tracked wallet's holdings.
type SignalType string

const (
	SignalNew      SignalType = "NEW"
	SignalIncrease SignalType = "INCREASE"
	SignalClose    SignalType = "CLOSE"
)

// Signal is an immutable detected change in a leader wallet's holdings.
// Produced once per real change; the dedup key guards against re-emission.
type Signal struct {
	Type       SignalType
	Wallet     string
	MarketID   string // condition id
	TokenID    string // outcome token id
	Outcome    string // "Yes" / "No"
	MarketName string
	AmountUsd  decimal.Decimal // USD magnitude of the change
	Price      decimal.Decimal // leader's reference price
	Partial    bool            // CLOSE only: leader reduced, did not exit
	// CLOSE only: fraction of the leader's position that was closed.
	// 1.0 for full exits.
	CloseFraction decimal.Decimal
	DetectedAt    time.Time
}

// DedupKey returns the stable identifier for this underlying change.
func (s Signal) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s:%s", s.Wallet, s.MarketID, s.TokenID, s.Type)
}

// TradeStatus is the outcome of one attempted copy action. Every execution
// branch maps to exactly one status.
type TradeStatus string

const (
	StatusSimulated       TradeStatus = "simulated"
	StatusExecuted        TradeStatus = "executed"
	StatusRejected        TradeStatus = "rejected"
	StatusFailed          TradeStatus = "failed"
	StatusRiskBlocked     TradeStatus = "risk_blocked"
	StatusFiltered        TradeStatus = "filtered"
	StatusSlippageBlocked TradeStatus = "slippage_blocked"
	StatusNoPosition      TradeStatus = "no_position"
)

// BotState is the lifecycle state gating whether the pipeline acts at all.
type BotState string

const (
	StateStarting         BotState = "starting"
	StateRunning          BotState = "running"
	StatePaused           BotState = "paused"
	StateEmergencyStopped BotState = "emergency_stopped"
	StateStopped          BotState = "stopped"
	StateError            BotState = "error"
)

// Bucket is a wallet-classification tag controlling default caps.
type Bucket string

const (
	BucketA Bucket = "A"
	BucketB Bucket = "B"
)

// TrackedWallet is one leader wallet we mirror.
type TrackedWallet struct {
	Address        string
	Bucket         Bucket
	Enabled        bool
	SizeMultiplier decimal.Decimal // per-wallet override, 1.0 = neutral
	MaxTradeUsd    decimal.Decimal // per-wallet cap, zero = unset
	Label          string
}

// Holding is one outcome-token position as reported by the exchange
// position-read API for a leader wallet.
type Holding struct {
	MarketID     string
	TokenID      string
	Outcome      string
	Title        string
	Size         decimal.Decimal // token count
	AvgPrice     decimal.Decimal
	CurrentValue decimal.Decimal // USD
}

// Key identifies a holding within one wallet's book.
func (h Holding) Key() string {
	return h.MarketID + ":" + h.TokenID
}

// ValueUsd returns the USD value of the holding, preferring the exchange's
// reported current value over size*price.
func (h Holding) ValueUsd() decimal.Decimal {
	if h.CurrentValue.IsPositive() {
		return h.CurrentValue
	}
	return h.Size.Mul(h.AvgPrice)
}
