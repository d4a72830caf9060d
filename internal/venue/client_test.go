package venue

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDryRunSkipsNetworkAndReturnsNil(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1", DryRun: true})
	if err := c.SetLeverage(context.Background(), "BTC-PERP", 10); err != nil {
		t.Fatalf("SetLeverage() error = %v, want nil under DryRun", err)
	}
	if _, err := c.PlaceStopSell(context.Background(), "BTC-PERP", "cid-1", decimal.NewFromInt(100), decimal.NewFromInt(1)); err != nil {
		t.Fatalf("PlaceStopSell() error = %v, want nil under DryRun", err)
	}
}

func TestHmacSignIsDeterministic(t *testing.T) {
	c := New(Options{APISecret: "supersecret"})
	a := c.hmacSign("same-message")
	b := c.hmacSign("same-message")
	if a != b {
		t.Errorf("hmacSign not deterministic: %q != %q", a, b)
	}
	if c.hmacSign("different-message") == a {
		t.Errorf("hmacSign produced the same signature for different messages")
	}
}

func TestHmacSignFallsBackToRawSecretWhenNotBase64(t *testing.T) {
	// "!!!not-base64!!!" contains characters outside the standard alphabet,
	// so sign must fall back to using the raw secret bytes as the HMAC key
	// instead of failing.
	c := New(Options{APISecret: "!!!not-base64!!!"})
	if sig := c.hmacSign("msg"); sig == "" {
		t.Errorf("hmacSign() = empty, want a signature even for a non-base64 secret")
	}
}

func TestSupportsConditionalBuyReflectsOptions(t *testing.T) {
	c := New(Options{ConditionalBuy: true})
	if !c.SupportsConditionalBuy() {
		t.Errorf("SupportsConditionalBuy() = false, want true")
	}
}
