package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Persistence layer for the copy-trading pipeline
// ═══════════════════════════════════════════════════════════════════════════════
//
// Tables:
//   trade_records     - append-only ledger of every attempted action
//   positions         - our open/closed exposure per market x token
//   wallet_snapshots  - last-known leader holdings (diff baseline)
//   dedup_entries     - acted-on signal keys with expiry
//   equity_snapshots  - per-cycle equity/exposure history
//   tracked_wallets   - hot-reloadable leader registry
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// Models

// TradeRecord is one ledger entry per attempted copy action. Never mutated
// except to attach realized PnL when the position later closes.
type TradeRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Wallet     string `gorm:"index"`
	MarketID   string `gorm:"index"`
	TokenID    string
	Outcome    string
	MarketName string
	SignalType string
	Status     string          `gorm:"index"`
	SizeUsd    decimal.Decimal `gorm:"type:decimal(20,6)"`
	LeaderUsd  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price      decimal.Decimal `gorm:"type:decimal(10,6)"`
	Pnl        decimal.Decimal `gorm:"type:decimal(20,6)"`
	Resolved   bool            `gorm:"index"`
	Notes      string
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

// Position is our own exposure in one outcome token. The primary key is
// market:token so a second fill accumulates into the same row.
type Position struct {
	ID            string `gorm:"primaryKey"`
	MarketID      string `gorm:"index"`
	TokenID       string
	Outcome       string
	Title         string
	EntryPrice    decimal.Decimal `gorm:"type:decimal(10,6)"` // size-weighted average
	SizeUsd       decimal.Decimal `gorm:"type:decimal(20,6)"`
	CurrentPrice  decimal.Decimal `gorm:"type:decimal(10,6)"`
	UnrealizedPnl decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status        string          `gorm:"index"` // "open", "closed"
	OpenTradeID   uint            // originating ledger entry
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WalletSnapshot is the last-known holding of a leader wallet in one outcome
// token. The diff baseline for the signal detector.
type WalletSnapshot struct {
	Wallet    string `gorm:"primaryKey"`
	HoldKey   string `gorm:"primaryKey"` // market:token
	MarketID  string
	TokenID   string
	Outcome   string
	Title     string
	Size      decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgPrice  decimal.Decimal `gorm:"type:decimal(10,6)"`
	UpdatedAt time.Time
}

// DedupEntry marks a signal key as acted on until it expires.
type DedupEntry struct {
	Key       string `gorm:"primaryKey"`
	ExpiresAt time.Time `gorm:"index"`
}

// EquitySnapshot records equity and exposure once per cycle.
type EquitySnapshot struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	Equity        decimal.Decimal `gorm:"type:decimal(20,6)"`
	ExposureUsd   decimal.Decimal `gorm:"type:decimal(20,6)"`
	OpenPositions int
	CreatedAt     time.Time `gorm:"index"`
}

// TrackedWalletRow persists the leader registry.
type TrackedWalletRow struct {
	Address        string `gorm:"primaryKey"`
	Bucket         string
	Enabled        bool
	SizeMultiplier decimal.Decimal `gorm:"type:decimal(10,4)"`
	MaxTradeUsd    decimal.Decimal `gorm:"type:decimal(20,6)"`
	Label          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&TradeRecord{}, &Position{}, &WalletSnapshot{},
		&DedupEntry{}, &EquitySnapshot{}, &TrackedWalletRow{},
	); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// ─── Trade ledger ───────────────────────────────────────────────────────────────

// LogTrade appends one ledger entry and returns its id.
func (d *Database) LogTrade(rec *TradeRecord) (uint, error) {
	if err := d.db.Create(rec).Error; err != nil {
		log.Error().Err(err).Str("status", rec.Status).Msg("Failed to log trade")
		return 0, err
	}
	return rec.ID, nil
}

// AccrueEntryPnl adds realized PnL from a close onto the originating entry
// record. The close record is the resolved row the PnL sums read; the entry
// only carries a running total for reporting, so successive partial closes
// accumulate instead of overwriting.
func (d *Database) AccrueEntryPnl(id uint, pnl decimal.Decimal) error {
	if id == 0 {
		return nil
	}
	var rec TradeRecord
	if err := d.db.First(&rec, id).Error; err != nil {
		return err
	}
	return d.db.Model(&TradeRecord{}).Where("id = ?", id).
		Update("pnl", rec.Pnl.Add(pnl)).Error
}

// RealizedPnlSince sums realized PnL across trades resolved after t. Only
// close records carry the resolved flag, so each close counts exactly once.
func (d *Database) RealizedPnlSince(t time.Time) (decimal.Decimal, error) {
	var recs []TradeRecord
	if err := d.db.Where("resolved = ? AND updated_at >= ?", true, t).Find(&recs).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range recs {
		total = total.Add(r.Pnl)
	}
	return total, nil
}

// GetRecentTrades returns the last n ledger entries of any status, newest
// first.
func (d *Database) GetRecentTrades(n int) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := d.db.Order("id DESC").Limit(n).Find(&recs).Error
	return recs, err
}

// RecentResolvedTrades returns the last n resolved trades, newest first.
func (d *Database) RecentResolvedTrades(n int) ([]TradeRecord, error) {
	var recs []TradeRecord
	err := d.db.Where("resolved = ?", true).
		Order("updated_at DESC").Limit(n).Find(&recs).Error
	return recs, err
}

// ExecutedVolumeSince sums the USD size of executed and simulated trades
// after t. Feeds the daily volume budget cap.
func (d *Database) ExecutedVolumeSince(t time.Time) (decimal.Decimal, error) {
	var recs []TradeRecord
	err := d.db.Where("status IN ? AND created_at >= ?",
		[]string{string(types.StatusExecuted), string(types.StatusSimulated)}, t).
		Find(&recs).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range recs {
		total = total.Add(r.SizeUsd)
	}
	return total, nil
}

// ─── Our positions ──────────────────────────────────────────────────────────────

// UpsertPosition writes the full position row.
func (d *Database) UpsertPosition(pos *Position) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(pos).Error
}

// GetOpenPositions returns every position with status "open".
func (d *Database) GetOpenPositions() ([]Position, error) {
	var positions []Position
	err := d.db.Where("status = ?", "open").Find(&positions).Error
	return positions, err
}

// GetPosition looks up one position row by market and token.
func (d *Database) GetPosition(marketID, tokenID string) (*Position, error) {
	var pos Position
	err := d.db.Where("id = ?", marketID+":"+tokenID).First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ─── Leader wallet snapshots ────────────────────────────────────────────────────

// UpsertWalletSnapshot records the last-known holding for a leader wallet.
func (d *Database) UpsertWalletSnapshot(snap *WalletSnapshot) error {
	snap.UpdatedAt = time.Now()
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet"}, {Name: "hold_key"}},
		UpdateAll: true,
	}).Create(snap).Error
}

// GetWalletSnapshots returns all recorded holdings for one wallet.
func (d *Database) GetWalletSnapshots(wallet string) ([]WalletSnapshot, error) {
	var snaps []WalletSnapshot
	err := d.db.Where("wallet = ?", wallet).Find(&snaps).Error
	return snaps, err
}

// DeleteWalletSnapshot removes a holding the leader has fully exited.
func (d *Database) DeleteWalletSnapshot(wallet, holdKey string) error {
	return d.db.Where("wallet = ? AND hold_key = ?", wallet, holdKey).
		Delete(&WalletSnapshot{}).Error
}

// ─── Dedup ──────────────────────────────────────────────────────────────────────

// IsDedupRecorded reports whether an unexpired entry exists for key.
func (d *Database) IsDedupRecorded(key string) (bool, error) {
	var count int64
	err := d.db.Model(&DedupEntry{}).
		Where("key = ? AND expires_at > ?", key, time.Now()).
		Count(&count).Error
	return count > 0, err
}

// RecordDedup marks key as acted on until now+ttl.
func (d *Database) RecordDedup(key string, ttl time.Duration) error {
	entry := DedupEntry{Key: key, ExpiresAt: time.Now().Add(ttl)}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&entry).Error
}

// PurgeExpiredDedup removes expired entries and returns how many went away.
func (d *Database) PurgeExpiredDedup() (int64, error) {
	res := d.db.Where("expires_at <= ?", time.Now()).Delete(&DedupEntry{})
	return res.RowsAffected, res.Error
}

// ─── Equity snapshots ───────────────────────────────────────────────────────────

// SaveEquitySnapshot records the cycle's equity and exposure.
func (d *Database) SaveEquitySnapshot(equity, exposure decimal.Decimal, openPositions int) error {
	return d.db.Create(&EquitySnapshot{
		Equity:        equity,
		ExposureUsd:   exposure,
		OpenPositions: openPositions,
	}).Error
}

// PeakEquity returns the highest recorded equity, or zero when no history.
func (d *Database) PeakEquity() (decimal.Decimal, error) {
	var snap EquitySnapshot
	err := d.db.Order("equity DESC").First(&snap).Error
	if err == gorm.ErrRecordNotFound {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return snap.Equity, nil
}

// ─── Tracked wallet registry ────────────────────────────────────────────────────

// GetTrackedWallets loads the full leader registry, enabled or not.
func (d *Database) GetTrackedWallets() ([]types.TrackedWallet, error) {
	var rows []TrackedWalletRow
	if err := d.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	wallets := make([]types.TrackedWallet, 0, len(rows))
	for _, r := range rows {
		wallets = append(wallets, types.TrackedWallet{
			Address:        r.Address,
			Bucket:         types.Bucket(r.Bucket),
			Enabled:        r.Enabled,
			SizeMultiplier: r.SizeMultiplier,
			MaxTradeUsd:    r.MaxTradeUsd,
			Label:          r.Label,
		})
	}
	return wallets, nil
}

// UpsertTrackedWallet adds or updates one leader wallet.
func (d *Database) UpsertTrackedWallet(w types.TrackedWallet) error {
	row := TrackedWalletRow{
		Address:        strings.ToLower(w.Address),
		Bucket:         string(w.Bucket),
		Enabled:        w.Enabled,
		SizeMultiplier: w.SizeMultiplier,
		MaxTradeUsd:    w.MaxTradeUsd,
		Label:          w.Label,
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// RemoveTrackedWallet deletes a leader from the registry.
func (d *Database) RemoveTrackedWallet(address string) error {
	return d.db.Where("address = ?", strings.ToLower(address)).
		Delete(&TrackedWalletRow{}).Error
}

// Close closes the underlying connection.
func (d *Database) Close() {
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
}
