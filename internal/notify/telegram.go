// Package notify sends operator notifications for RESET, audit
// corrections, and halts. It is optional: with no token configured the
// engine runs headless and every call is a no-op.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Notifier sends operator-facing event messages.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// New builds a Notifier. If token is empty, the returned Notifier is
// headless: every notification call logs the message and returns without contacting
// Telegram, so the engine never depends on an operator having configured
// one.
func New(token string, chatID int64, log zerolog.Logger) (*Notifier, error) {
	n := &Notifier{chatID: chatID, log: log.With().Str("component", "notify").Logger()}
	if token == "" {
		return n, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: create telegram client: %w", err)
	}
	n.api = api
	return n, nil
}

// Reset notifies that a cycle RESET occurred.
func (n *Notifier) Reset(symbol string, cycleIndex uint32, oldEntry, newEntry, growth string) {
	n.send(fmt.Sprintf("🔄 %s RESET (cycle %d)\nentry %s -> %s\ngrowth %sx", symbol, cycleIndex, oldEntry, newEntry, growth))
}

// AuditCorrection notifies that the Auditor issued corrections.
func (n *Notifier) AuditCorrection(symbol string, orphans, missing, duplicates int) {
	n.send(fmt.Sprintf("🛠️ %s audit correction: %d orphan, %d missing, %d duplicate", symbol, orphans, missing, duplicates))
}

// Halt notifies that the engine halted on an invariant violation and
// requires operator attention, per spec.md §7.
func (n *Notifier) Halt(symbol string, reason string) {
	n.send(fmt.Sprintf("🛑 %s HALTED: %s", symbol, reason))
}

func (n *Notifier) send(text string) {
	n.log.Info().Str("text", text).Msg("notification")
	if n.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		n.log.Error().Err(err).Msg("failed to send telegram notification")
	}
}
