package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/storage"
	"github.com/web3guy0/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Notifications & operator control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Trade notifications (copies, closes, blocks)
//   ⏸️ Pause / auto-pause alerts
//   🎛️ Control commands (/status, /positions, /pause, /resume)
//
// Delivery is best-effort through a buffered queue: a slow or down Telegram
// API must never stall the trading loop.
//
// ═══════════════════════════════════════════════════════════════════════════════

const sendQueueSize = 64

// Controller is the lifecycle surface exposed to chat commands.
type Controller interface {
	State() types.BotState
	Pause(reason string) error
	Resume() error
}

// StatsSource provides the numbers behind /status and /positions.
type StatsSource interface {
	GetOpenPositions() ([]storage.Position, error)
	RealizedPnlSince(t time.Time) (decimal.Decimal, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}
	sendCh  chan string

	controller Controller
	stats      StatsSource
}

// NewTelegramBot creates a new Telegram bot
func NewTelegramBot(token string, chatID int64, controller Controller, stats StatsSource) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:        api,
		chatID:     chatID,
		stopCh:     make(chan struct{}),
		sendCh:     make(chan string, sendQueueSize),
		controller: controller,
		stats:      stats,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// Start begins the dispatch and command loops.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.dispatchLoop()
	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ─── Notifications ──────────────────────────────────────────────────────────────

// NotifyTrade reports one execution outcome.
func (b *TelegramBot) NotifyTrade(sig types.Signal, status types.TradeStatus, sizeUsd, price decimal.Decimal) {
	var emoji string
	switch status {
	case types.StatusExecuted:
		emoji = "✅"
	case types.StatusSimulated:
		emoji = "📝"
	default:
		emoji = "🚫"
	}

	action := "COPY"
	if sig.Type == types.SignalClose {
		action = "CLOSE"
	}

	msg := fmt.Sprintf(`%s *%s %s*

📊 %s / %s
💵 Price: *%s¢*
📦 Size: *$%s*
👤 Leader: %s`,
		emoji, action, strings.ToUpper(string(status)),
		sig.MarketName, sig.Outcome,
		price.Mul(decimal.NewFromInt(100)).StringFixed(1),
		sizeUsd.StringFixed(2),
		shortAddr(sig.Wallet),
	)

	b.enqueue(msg)
}

// NotifyPause alerts that execution stopped, including auto-pauses.
func (b *TelegramBot) NotifyPause(reason string) {
	b.enqueue(fmt.Sprintf("⏸️ *BOT PAUSED*\n\n📝 %s\n\nSend /resume to continue.", reason))
}

// NotifyResume alerts that execution continues.
func (b *TelegramBot) NotifyResume() {
	b.enqueue("▶️ *BOT RESUMED*")
}

// enqueue drops the message when the queue is full rather than blocking the
// caller.
func (b *TelegramBot) enqueue(msg string) {
	select {
	case b.sendCh <- msg:
	default:
		log.Warn().Msg("Telegram queue full, dropping notification")
	}
}

func (b *TelegramBot) dispatchLoop() {
	for {
		select {
		case <-b.stopCh:
			return
		case msg := <-b.sendCh:
			b.sendMarkdown(msg)
		}
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

// ─── Commands ───────────────────────────────────────────────────────────────────

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message.Command())
		}
	}
}

func (b *TelegramBot) handleCommand(cmd string) {
	switch cmd {
	case "status":
		b.enqueue(b.statusText())
	case "positions":
		b.enqueue(b.positionsText())
	case "pause":
		if err := b.controller.Pause("operator command"); err != nil {
			b.enqueue("⚠️ " + err.Error())
			return
		}
		b.NotifyPause("operator command")
	case "resume":
		if err := b.controller.Resume(); err != nil {
			b.enqueue("⚠️ " + err.Error())
			return
		}
		b.NotifyResume()
	default:
		b.enqueue("Commands: /status /positions /pause /resume")
	}
}

func (b *TelegramBot) statusText() string {
	state := b.controller.State()

	positions, _ := b.stats.GetOpenPositions()
	exposure := decimal.Zero
	for _, p := range positions {
		exposure = exposure.Add(p.SizeUsd)
	}

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dailyPnl, _ := b.stats.RealizedPnlSince(dayStart)

	return fmt.Sprintf(`📊 *STATUS*

🔄 State: *%s*
📦 Open positions: *%d*
💵 Exposure: *$%s*
📈 Today's PnL: *$%s*`,
		state,
		len(positions),
		exposure.StringFixed(2),
		dailyPnl.StringFixed(2),
	)
}

func (b *TelegramBot) positionsText() string {
	positions, err := b.stats.GetOpenPositions()
	if err != nil {
		return "⚠️ " + err.Error()
	}
	if len(positions) == 0 {
		return "📭 No open positions."
	}

	var sb strings.Builder
	sb.WriteString("📦 *OPEN POSITIONS*\n")
	for _, p := range positions {
		sb.WriteString(fmt.Sprintf("\n• %s / %s\n  entry %s¢, $%s",
			p.Title, p.Outcome,
			p.EntryPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
			p.SizeUsd.StringFixed(2)))
	}
	return sb.String()
}

func shortAddr(addr string) string {
	if len(addr) > 10 {
		return addr[:6] + "..." + addr[len(addr)-4:]
	}
	return addr
}
