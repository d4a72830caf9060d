// Package audit implements the Auditor: periodic and on-demand
// reconciliation between venue-reported live orders and the window's
// intended state, per spec.md §4.6.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vantrail/gridengine/internal/fills"
	"github.com/vantrail/gridengine/internal/units"
	"github.com/vantrail/gridengine/internal/window"
)

// LiveOrder is a single order as reported by the venue's open_orders call.
type LiveOrder struct {
	OrderID string
	Price   decimal.Decimal
	Side    units.OrderType
}

// OpenOrdersFetcher is the one venue read the Auditor needs.
type OpenOrdersFetcher interface {
	OpenOrders(ctx context.Context, symbol string) ([]LiveOrder, error)
}

// Placer is the subset of the OrderManager the Auditor uses to self-heal:
// it never mutates SlidingWindow state directly, only issues corrections.
type Placer interface {
	PlaceStopSell(ctx context.Context, unit int, price, size decimal.Decimal, cycleIndex uint32) (string, error)
	PlaceLimitBuy(ctx context.Context, unit int, price, size decimal.Decimal, cycleIndex uint32) (orderID string, tracked bool, err error)
	Cancel(ctx context.Context, orderID string) error
}

// Stats exposes the observability counters spec.md §4.6 requires.
type Stats struct {
	AuditCount      int
	CorrectionsMade int
	LastHealthy     time.Time
}

// Report is the outcome of one audit pass.
type Report struct {
	Orphans    []LiveOrder
	Missing    []int
	Duplicates map[int][]LiveOrder
	Healthy    bool
}

// Auditor reconciles exchange truth against SlidingWindow/PositionMap
// intent and issues corrective OrderManager calls.
type Auditor struct {
	symbol  string
	fetcher OpenOrdersFetcher
	placer  Placer
	log     zerolog.Logger

	tolerance decimal.Decimal

	stats Stats
}

// New builds an Auditor. tolerance is the price-matching slack (default
// half a tick) used when mapping a live order's price back to a unit.
func New(symbol string, fetcher OpenOrdersFetcher, placer Placer, tolerance decimal.Decimal, log zerolog.Logger) *Auditor {
	return &Auditor{
		symbol:    symbol,
		fetcher:   fetcher,
		placer:    placer,
		log:       log.With().Str("component", "audit").Logger(),
		tolerance: tolerance,
	}
}

// Stats returns a snapshot of the Auditor's counters.
func (a *Auditor) Stats() Stats {
	return a.stats
}

// Run executes one audit pass per spec.md §4.6: fetch live orders, classify
// against the window, and issue cancels-first corrections. fragmentSize is
// the order size to use for any re-placement.
func (a *Auditor) Run(ctx context.Context, pm *units.Map, w *window.Window, fragmentSize decimal.Decimal, cycleIndex uint32) (Report, error) {
	a.stats.AuditCount++

	live, err := a.fetcher.OpenOrders(ctx, a.symbol)
	if err != nil {
		return Report{}, fmt.Errorf("audit: fetch open orders: %w", err)
	}

	expected := make(map[int]units.OrderType, w.Count())
	for _, u := range w.TrailingStop {
		expected[u] = units.StopLossSell
	}
	for _, u := range w.TrailingBuy {
		expected[u] = units.LimitBuy
	}

	byUnit := make(map[int][]LiveOrder)
	var orphans []LiveOrder
	for _, lo := range live {
		unit, ok := a.matchUnit(pm, lo)
		if !ok {
			orphans = append(orphans, lo)
			continue
		}
		wantSide, isExpected := expected[unit]
		if !isExpected || wantSide != lo.Side {
			orphans = append(orphans, lo)
			continue
		}
		byUnit[unit] = append(byUnit[unit], lo)
	}

	duplicates := make(map[int][]LiveOrder)
	var missing []int
	for unit := range expected {
		matches := byUnit[unit]
		switch len(matches) {
		case 0:
			missing = append(missing, unit)
		case 1:
			// Healthy: record the live order id against the slot so a
			// rehydrated PositionMap (whose ids were lost or never decoded)
			// stays matchable by FillRouter the moment a fill arrives.
			fills.AssignOrderID(pm, unit, matches[0].OrderID)
		default:
			duplicates[unit] = matches
		}
	}
	sort.Ints(missing)

	report := Report{
		Orphans:    orphans,
		Missing:    missing,
		Duplicates: duplicates,
		Healthy:    len(orphans) == 0 && len(missing) == 0 && len(duplicates) == 0,
	}

	corrections := a.correct(ctx, pm, expected, fragmentSize, cycleIndex, report)
	a.stats.CorrectionsMade += corrections

	if report.Healthy {
		a.stats.LastHealthy = time.Now()
	}

	a.log.Info().
		Int("orphans", len(orphans)).
		Int("missing", len(missing)).
		Int("duplicates", len(duplicates)).
		Bool("healthy", report.Healthy).
		Msg("audit pass complete")

	return report, nil
}

// correct issues corrections cancels-first, per spec.md §4.6 step 5:
// orphans cancelled, duplicates reduced to the first, missing slots
// re-placed. It returns the number of corrective calls issued.
func (a *Auditor) correct(ctx context.Context, pm *units.Map, expected map[int]units.OrderType, fragmentSize decimal.Decimal, cycleIndex uint32, report Report) int {
	n := 0

	for _, orphan := range report.Orphans {
		if err := a.placer.Cancel(ctx, orphan.OrderID); err != nil {
			a.log.Error().Str("order_id", orphan.OrderID).Err(err).Msg("failed to cancel orphan order")
			continue
		}
		n++
	}

	dupeUnits := sortedDupeUnits(report.Duplicates)
	for _, unit := range dupeUnits {
		dupes := report.Duplicates[unit]
		for _, extra := range dupes[1:] {
			if err := a.placer.Cancel(ctx, extra.OrderID); err != nil {
				a.log.Error().Str("order_id", extra.OrderID).Err(err).Msg("failed to cancel duplicate order")
				continue
			}
			n++
		}
	}

	for _, unit := range report.Missing {
		typ, ok := expected[unit]
		if !ok || !pm.InRange(unit) {
			continue
		}
		slot := pm.MustGet(unit)
		switch typ {
		case units.StopLossSell:
			if _, err := a.placer.PlaceStopSell(ctx, unit, slot.Price, fragmentSize, cycleIndex); err != nil {
				a.log.Error().Int("unit", unit).Err(err).Msg("failed to re-place missing stop-sell")
				continue
			}
		case units.LimitBuy:
			if _, _, err := a.placer.PlaceLimitBuy(ctx, unit, slot.Price, fragmentSize, cycleIndex); err != nil {
				a.log.Error().Int("unit", unit).Err(err).Msg("failed to re-place missing limit-buy")
				continue
			}
		}
		n++
	}

	return n
}

func sortedDupeUnits(dupes map[int][]LiveOrder) []int {
	out := make([]int, 0, len(dupes))
	for u := range dupes {
		out = append(out, u)
	}
	sort.Ints(out)
	return out
}

// matchUnit maps a live order's price to the nearest in-range unit within
// a.tolerance, per spec.md §4.6 step 2.
func (a *Auditor) matchUnit(pm *units.Map, lo LiveOrder) (int, bool) {
	low, high := pm.Bounds()
	for u := low; u <= high; u++ {
		slot, err := pm.Get(u)
		if err != nil {
			continue
		}
		if lo.Price.Sub(slot.Price).Abs().LessThanOrEqual(a.tolerance) {
			return u, true
		}
	}
	return 0, false
}
