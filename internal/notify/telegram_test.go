package notify

import (
	"testing"

	"github.com/rs/zerolog"
)

// A live Telegram bot token isn't available in tests, so these only cover
// the headless no-op path any call must hit when no token is configured.

func TestNewHeadlessWithoutToken(t *testing.T) {
	n, err := New("", 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v, want nil for an empty token", err)
	}
	if n.api != nil {
		t.Errorf("api = %v, want nil in headless mode", n.api)
	}
}

func TestHeadlessNotifierMethodsDoNotPanic(t *testing.T) {
	n, err := New("", 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	n.Reset("BTC-PERP", 1, "100", "110", "1.05")
	n.AuditCorrection("BTC-PERP", 1, 0, 2)
	n.Halt("BTC-PERP", "invariant violation")
}
