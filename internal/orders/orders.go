// Package orders implements the OrderManager: the I/O boundary between the
// pure SlidingWindow/PositionMap data and the venue's REST surface. It owns
// idempotent placement/cancellation, leverage fallback, rate-limit pacing,
// and the pending-buy-tracker fallback for venues without a native
// trigger-limit-buy-above-market primitive.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vantrail/gridengine/internal/units"
)

// ErrorKind classifies a venue failure per spec.md §7's error taxonomy, so
// the engine loop can decide retry vs. fallback vs. escalate without
// string-matching venue messages.
type ErrorKind string

const (
	KindTransient    ErrorKind = "TRANSIENT"
	KindRejection    ErrorKind = "REJECTION"
	KindLeverage     ErrorKind = "LEVERAGE_REJECTED"
	KindUnknownOrder ErrorKind = "UNKNOWN_ORDER"
)

// VenueError wraps a venue failure with its Kind so callers can branch on it
// with errors.As instead of parsing messages.
type VenueError struct {
	Kind ErrorKind
	Err  error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// Venue is the REST surface the OrderManager drives. Implemented by
// internal/venue against the live exchange; tests supply a fake.
type Venue interface {
	PlaceStopSell(ctx context.Context, symbol, clientID string, price, size decimal.Decimal) (orderID string, err error)
	PlaceLimitBuy(ctx context.Context, symbol, clientID string, price, size decimal.Decimal) (orderID string, err error)
	Cancel(ctx context.Context, symbol, orderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SupportsConditionalBuy() bool
}

// pendingBuy is a tracked buy-above-market intent kept in memory when the
// venue has no native conditional order for it — the OrderManager submits
// the buy itself, as a plain limit buy at the target price, once price
// reaches target.
type pendingBuy struct {
	clientID string
	price    decimal.Decimal
	size     decimal.Decimal
}

// Manager is the OrderManager of spec.md §4.4.
type Manager struct {
	symbol string
	venue  Venue
	log    zerolog.Logger

	timeout   time.Duration
	retryBase time.Duration
	ladder    []int
	leverage  int

	pace *pacer

	mu      sync.Mutex
	pending map[int]pendingBuy // unit -> tracked buy, fallback path only
}

// Config bundles the construction-time settings pulled from internal/config.
type Config struct {
	Symbol          string
	RPCTimeout      time.Duration
	CancelRetryBase time.Duration
	LeverageLadder  []int
	OrdersPerSec    float64
	OrdersBurst     float64
	CancelsPerSec   float64
	CancelsBurst    float64
}

// New builds a Manager bound to venue.
func New(cfg Config, venue Venue, log zerolog.Logger) *Manager {
	return &Manager{
		symbol:    cfg.Symbol,
		venue:     venue,
		log:       log.With().Str("component", "orders").Logger(),
		timeout:   cfg.RPCTimeout,
		retryBase: cfg.CancelRetryBase,
		ladder:    cfg.LeverageLadder,
		pace:      newPacer(cfg.OrdersPerSec, cfg.OrdersBurst, cfg.CancelsPerSec, cfg.CancelsBurst),
		pending:   make(map[int]pendingBuy),
	}
}

// SetLeverage walks the fallback ladder (e.g. 20x -> 10x -> 5x -> 3x -> 1x)
// per spec.md §4.4, stopping at the first leverage the venue accepts rather
// than failing the whole session over one rejected tier.
func (m *Manager) SetLeverage(ctx context.Context, requested int) (applied int, err error) {
	ladder := m.ladder
	if len(ladder) == 0 || ladder[0] != requested {
		ladder = append([]int{requested}, m.ladder...)
	}
	var lastErr error
	for _, lev := range ladder {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.venue.SetLeverage(cctx, m.symbol, lev)
		cancel()
		if err == nil {
			m.leverage = lev
			if lev != requested {
				m.log.Warn().Int("requested", requested).Int("applied", lev).Msg("leverage fallback applied")
			}
			return lev, nil
		}
		lastErr = err
		m.log.Warn().Int("leverage", lev).Err(err).Msg("leverage rejected, falling back")
	}
	return 0, &VenueError{Kind: KindLeverage, Err: fmt.Errorf("all leverage tiers rejected, last error: %w", lastErr)}
}

// clientID derives a deterministic, retry-safe client order id from the
// slot identity so that a transport retry after an ambiguous response never
// produces a duplicate resting order.
func clientID(symbol string, unit int, typ units.OrderType, cycleIndex uint32) string {
	return fmt.Sprintf("%s-%s-%d-c%d", symbol, typ, unit, cycleIndex)
}

// PlaceStopSell places a reduce-only stop-loss sell at unit, per spec.md
// §4.4. reduce_only prevents the fill from inverting the position into a
// short.
func (m *Manager) PlaceStopSell(ctx context.Context, unit int, price, size decimal.Decimal, cycleIndex uint32) (string, error) {
	if err := m.pace.orders.wait(ctx); err != nil {
		return "", err
	}
	id := clientID(m.symbol, unit, units.StopLossSell, cycleIndex)
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	orderID, err := m.venue.PlaceStopSell(cctx, m.symbol, id, price, size)
	if err != nil {
		return "", &VenueError{Kind: classify(err), Err: err}
	}
	return orderID, nil
}

// PlaceLimitBuy places a buy above current market at unit. If the venue
// supports a native conditional/trigger order the placement happens
// immediately; otherwise the intent is tracked in memory and surfaced by
// CheckPendingBuys on each subsequent price tick, per the pending-buy-
// tracker fallback of spec.md §4.4 and §9.
func (m *Manager) PlaceLimitBuy(ctx context.Context, unit int, price, size decimal.Decimal, cycleIndex uint32) (orderID string, tracked bool, err error) {
	id := clientID(m.symbol, unit, units.LimitBuy, cycleIndex)

	if m.venue.SupportsConditionalBuy() {
		if err := m.pace.orders.wait(ctx); err != nil {
			return "", false, err
		}
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		orderID, err := m.venue.PlaceLimitBuy(cctx, m.symbol, id, price, size)
		if err != nil {
			return "", false, &VenueError{Kind: classify(err), Err: err}
		}
		return orderID, false, nil
	}

	m.mu.Lock()
	m.pending[unit] = pendingBuy{clientID: id, price: price, size: size}
	m.mu.Unlock()
	return "", true, nil
}

// CheckPendingBuys is called on every price tick when the venue lacks a
// native conditional buy. For every tracked buy whose target has been
// reached it submits a limit buy at the tracked target price through
// Venue.PlaceLimitBuy and returns the units that fired so the caller can
// update PositionMap/Window. The submitted order is not a market order: if
// price has already moved above the target it rests as a limit bid. No
// premature fills: a buy never fires before price reaches its target.
func (m *Manager) CheckPendingBuys(ctx context.Context, currentPrice decimal.Decimal) map[int]string {
	m.mu.Lock()
	var due []int
	for unit, pb := range m.pending {
		if currentPrice.GreaterThanOrEqual(pb.price) {
			due = append(due, unit)
		}
	}
	m.mu.Unlock()

	if len(due) == 0 {
		return nil
	}

	fired := make(map[int]string, len(due))
	for _, unit := range due {
		m.mu.Lock()
		pb := m.pending[unit]
		delete(m.pending, unit)
		m.mu.Unlock()

		if err := m.pace.orders.wait(ctx); err != nil {
			m.log.Warn().Int("unit", unit).Err(err).Msg("pending buy trigger wait cancelled")
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		orderID, err := m.venue.PlaceLimitBuy(cctx, m.symbol, pb.clientID, pb.price, pb.size)
		cancel()
		if err != nil {
			m.log.Error().Int("unit", unit).Err(err).Msg("pending buy trigger failed, re-tracking")
			m.mu.Lock()
			m.pending[unit] = pb
			m.mu.Unlock()
			continue
		}
		fired[unit] = orderID
	}
	return fired
}

// CancelPending drops a tracked (not-yet-live) buy intent, used when a
// slide or RESET retires a unit before its trigger ever fires.
func (m *Manager) CancelPending(unit int) {
	m.mu.Lock()
	delete(m.pending, unit)
	m.mu.Unlock()
}

// Cancel cancels a live order, retrying with bounded exponential backoff on
// timeout. A cancel that discovers the order already filled or gone is
// treated as success, per spec.md §5.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	if err := m.pace.cancels.wait(ctx); err != nil {
		return err
	}

	const maxAttempts = 4
	backoff := m.retryBase
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.venue.Cancel(cctx, m.symbol, orderID)
		cancel()
		if err == nil {
			return nil
		}
		if isAlreadyGone(err) {
			return nil
		}
		lastErr = err
		m.log.Warn().Str("order_id", orderID).Int("attempt", attempt).Err(err).Msg("cancel failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return &VenueError{Kind: KindTransient, Err: fmt.Errorf("cancel exhausted retries: %w", lastErr)}
}

// CancelAll cancels every order id given, best effort, collecting and
// returning the first error encountered (used by the engine's graceful
// shutdown; the CycleController's RESET action cancels through the venue's
// own CancelAll instead).
func (m *Manager) CancelAll(ctx context.Context, orderIDs []string) error {
	var firstErr error
	for _, id := range orderIDs {
		if id == "" {
			continue
		}
		if err := m.Cancel(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// transientGoner is satisfied by venue errors that can report whether the
// underlying order is known to already be terminal (filled or cancelled).
type transientGoner interface {
	AlreadyGone() bool
}

func isAlreadyGone(err error) bool {
	if tg, ok := err.(transientGoner); ok {
		return tg.AlreadyGone()
	}
	return false
}

// classify gives an untyped venue error a best-effort Kind. Venue
// implementations that can distinguish rejection classes should return an
// already-typed *VenueError instead, in which case classify is bypassed.
func classify(err error) ErrorKind {
	if ve, ok := err.(*VenueError); ok {
		return ve.Kind
	}
	return KindTransient
}
