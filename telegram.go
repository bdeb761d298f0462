package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMessage = 4000
	pairCodeTTL        = 15 * time.Minute
	pairMaxAttempts    = 5
)

const telegramHelp = "✅ Connected to the local knowledge base.\n\n" +
	"Send any question and the agent will answer it.\n" +
	"• /status → backend and uptime"

// telegramAPI is the part of *tgbotapi.BotAPI the relay uses.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type pairResult int

const (
	pairApproved pairResult = iota
	pairRejected
	pairLocked
	pairExpired
)

// pairingCode is a one-time code that adds its first correct sender to the
// whitelist.
type pairingCode struct {
	code     string
	expires  time.Time
	attempts int
}

// check compares input in constant time and counts failed attempts. The
// returned int is the number of attempts left after a rejection.
func (p *pairingCode) check(input string, now time.Time) (pairResult, int) {
	if now.After(p.expires) {
		return pairExpired, 0
	}
	if p.attempts >= pairMaxAttempts {
		return pairLocked, 0
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(input)), []byte(p.code)) == 1 {
		return pairApproved, 0
	}
	p.attempts++
	remaining := pairMaxAttempts - p.attempts
	if remaining == 0 {
		return pairLocked, 0
	}
	return pairRejected, remaining
}

// generatePairingCode returns a cryptographically random 8-digit code.
func generatePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

// TelegramBot answers whitelisted users' questions with the agent.
type TelegramBot struct {
	api     telegramAPI
	agent   Agent
	backend string
	logger  *slog.Logger
	started time.Time
	now     func() time.Time

	// onPair persists the whitelist after a successful pairing.
	onPair func(ids []int64) error

	mu      sync.Mutex
	allowed map[int64]bool
	pairing *pairingCode

	wg sync.WaitGroup // questions in flight
}

func NewTelegramBot(api telegramAPI, agent Agent, cfg *Config, logger *slog.Logger) *TelegramBot {
	if logger == nil {
		logger = discardLogger()
	}
	allowed := make(map[int64]bool, len(cfg.TelegramAllowedUsers))
	for _, id := range cfg.TelegramAllowedUsers {
		allowed[id] = true
	}
	return &TelegramBot{
		api:     api,
		agent:   agent,
		backend: cfg.AgentBackend,
		logger:  logger.With("component", "telegram"),
		started: time.Now(),
		now:     time.Now,
		allowed: allowed,
	}
}

// StartPairing arms code for pairCodeTTL. Until it is used, locked or
// expired, messages from unknown users are treated as pairing attempts.
func (tb *TelegramBot) StartPairing(code string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.pairing = &pairingCode{code: code, expires: tb.now().Add(pairCodeTTL)}
}

// Pairing reports whether a pairing code is still armed.
func (tb *TelegramBot) Pairing() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.pairing != nil
}

// AllowedUsers returns the whitelist in ascending order.
func (tb *TelegramBot) AllowedUsers() []int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.allowedLocked()
}

func (tb *TelegramBot) allowedLocked() []int64 {
	ids := make([]int64, 0, len(tb.allowed))
	for id := range tb.allowed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tb *TelegramBot) isAllowed(id int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.allowed[id]
}

// Listen handles updates until ctx is canceled or the channel closes, then
// waits for the answers still in flight.
func (tb *TelegramBot) Listen(ctx context.Context, updates <-chan tgbotapi.Update) error {
	defer tb.wg.Wait()

	tb.logger.Info("listening", "backend", tb.backend, "allowed_users", len(tb.AllowedUsers()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
				continue
			}
			tb.handleMessage(ctx, update.Message)
		}
	}
}

func (tb *TelegramBot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	logger := tb.logger.With("user_id", userID, "username", msg.From.UserName)

	if !tb.isAllowed(userID) {
		if tb.Pairing() {
			tb.tryPair(chatID, userID, text)
			return
		}
		logger.Warn("unauthorized message")
		tb.sendPlain(chatID, "❌ Unauthorized")
		return
	}

	switch text {
	case "":
		return
	case "/start", "/help":
		tb.sendPlain(chatID, telegramHelp)
	case "/status":
		tb.sendPlain(chatID, tb.status())
	default:
		logger.Info("question", "len", len(text))
		tb.wg.Add(1)
		go func() {
			defer tb.wg.Done()
			tb.answer(ctx, chatID, text)
		}()
	}
}

func (tb *TelegramBot) status() string {
	return fmt.Sprintf("📊 Backend: %s\nUptime: %s\nAllowed users: %d",
		tb.backend, tb.now().Sub(tb.started).Round(time.Second), len(tb.AllowedUsers()))
}

func (tb *TelegramBot) tryPair(chatID, userID int64, text string) {
	tb.mu.Lock()
	p := tb.pairing
	if p == nil {
		tb.mu.Unlock()
		tb.sendPlain(chatID, "❌ Unauthorized")
		return
	}
	result, remaining := p.check(text, tb.now())
	var ids []int64
	switch result {
	case pairApproved:
		tb.allowed[userID] = true
		ids = tb.allowedLocked()
		tb.pairing = nil
	case pairLocked, pairExpired:
		tb.pairing = nil
	}
	tb.mu.Unlock()

	logger := tb.logger.With("user_id", userID)
	switch result {
	case pairApproved:
		logger.Info("user paired")
		if tb.onPair != nil {
			if err := tb.onPair(ids); err != nil {
				logger.Error("persist whitelist failed", "err", err)
			}
		}
		tb.sendPlain(chatID, "✅ Paired! Send a question to get started.")
	case pairRejected:
		logger.Warn("wrong pairing code", "remaining", remaining)
		tb.sendPlain(chatID, fmt.Sprintf("❌ Invalid pairing code. %d attempts remaining.", remaining))
	case pairLocked:
		logger.Warn("pairing locked")
		tb.sendPlain(chatID, "❌ Too many failed attempts. Pairing locked.")
	case pairExpired:
		logger.Warn("pairing code expired")
		tb.sendPlain(chatID, "❌ Pairing code expired. Run `minirag telegram pair` again.")
	}
}

// answer asks the agent and sends the cleaned answer as Telegram HTML.
func (tb *TelegramBot) answer(ctx context.Context, chatID int64, question string) {
	if _, err := tb.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		tb.logger.Debug("typing action failed", "err", err)
	}

	start := tb.now()
	raw, err := tb.agent.Ask(ctx, question)
	if err != nil {
		tb.logger.Error("agent failed", "chat_id", chatID, "err", err)
		tb.sendPlain(chatID, "❌ "+err.Error())
		return
	}

	md := answerMarkdown(raw)
	if md == "" {
		tb.sendPlain(chatID, noResponse)
		return
	}
	tb.logger.Info("answered", "chat_id", chatID, "answer_len", len(md),
		"elapsed", tb.now().Sub(start).Round(time.Millisecond))

	for _, chunk := range splitTelegramMessage(renderTelegramBlocks(md), telegramMaxMessage) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := tb.api.Send(msg); err != nil {
			// Telegram rejects the whole message on any entity error.
			tb.logger.Warn("HTML send failed, falling back to plain text", "err", err)
			tb.sendPlain(chatID, md)
			return
		}
	}
}

// sendPlain sends text without parse mode, split into chunks that fit.
func (tb *TelegramBot) sendPlain(chatID int64, text string) {
	for _, chunk := range splitAtSafeBoundary(text, telegramMaxMessage) {
		if _, err := tb.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			tb.logger.Warn("send failed", "chat_id", chatID, "err", err)
			return
		}
	}
}
