// Package fills implements the FillRouter: the pipeline that ingests
// streaming fill events, matches them to window slots, mutates the window,
// schedules replacement orders, and evaluates RESET, per spec.md §4.5.
package fills

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vantrail/gridengine/internal/cycle"
	"github.com/vantrail/gridengine/internal/units"
	"github.com/vantrail/gridengine/internal/window"
)

// Event is a single venue fill, per spec.md §4.5: (order_id, price, size,
// timestamp).
type Event struct {
	OrderID   string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
}

// Outcome reports what a routed fill did, for the engine loop to act on:
// the replacement order to place (if any) and whether this fill completed
// the RESET precondition.
type Outcome struct {
	Matched        bool
	Unit           int
	FilledType     units.OrderType
	Replacement    *window.PlaceRequest
	ResetTriggered bool
}

// Router is the FillRouter. It holds no venue connection of its own — the
// engine loop feeds it events and carries out the PlaceRequest/Cancel the
// Router/Controller return.
type Router struct {
	startup time.Time
	initial string // initial_order_id, ignored for window mutation
	log     zerolog.Logger
}

// New builds a Router. startup is the engine's startup timestamp (events
// older than this are discarded); initialOrderID is the position-entry
// order id, which never mutates the window.
func New(startup time.Time, initialOrderID string, log zerolog.Logger) *Router {
	return &Router{
		startup: startup,
		initial: initialOrderID,
		log:     log.With().Str("component", "fills").Logger(),
	}
}

// Route applies ev against pm/w/history, returning the resulting Outcome.
// It never talks to the venue; the caller is responsible for placing any
// returned replacement and for invoking the CycleController's Reset when
// ResetTriggered is true.
func (r *Router) Route(ev Event, pm *units.Map, w *window.Window, h *window.History, currentUnit int) Outcome {
	if ev.Timestamp.Before(r.startup) {
		r.log.Debug().Str("order_id", ev.OrderID).Msg("discarding fill older than engine startup")
		return Outcome{}
	}
	if ev.OrderID == r.initial {
		r.log.Debug().Str("order_id", ev.OrderID).Msg("ignoring market-entry fill for window mutation")
		return Outcome{}
	}

	unit, ok := findUnit(pm, ev.OrderID)
	if !ok {
		r.log.Warn().Str("order_id", ev.OrderID).Msg("unmatched fill, awaiting auditor reconciliation")
		return Outcome{}
	}

	slot := pm.MustGet(unit)
	slot.Status = units.StatusFilled

	var repl *window.PlaceRequest
	switch slot.OrderType {
	case units.StopLossSell:
		repl = w.FillStop(unit)
		h.EverFilledStop = true
	case units.LimitBuy:
		repl = w.FillBuy(unit)
		h.EverFilledBuy = true
		h.EverHeldBuy = true
	}

	// spec.md §4.7 state machine: RETRACEMENT -> DECLINE fires the moment
	// trailing_stop empties out entirely (all four units are buys).
	if len(w.TrailingStop) == 0 {
		h.ReachedDecline = true
	}

	if repl != nil {
		markPending(pm, repl.Unit, repl.Type)
	}

	reset := cycle.ShouldReset(w, *h, currentUnit)

	r.log.Info().
		Str("order_id", ev.OrderID).
		Int("unit", unit).
		Str("order_type", string(slot.OrderType)).
		Bool("reset_triggered", reset).
		Msg("fill routed")

	return Outcome{
		Matched:        true,
		Unit:           unit,
		FilledType:     slot.OrderType,
		Replacement:    repl,
		ResetTriggered: reset,
	}
}

// findUnit looks up the unit whose PositionMap slot carries orderID.
// PositionMap is dense but small (the operating range), so a linear scan is
// cheap and keeps PositionMap itself free of a reverse index.
func findUnit(pm *units.Map, orderID string) (int, bool) {
	low, high := pm.Bounds()
	for u := low; u <= high; u++ {
		slot, err := pm.Get(u)
		if err != nil {
			continue
		}
		if slot.OrderID == orderID && (slot.Status == units.StatusPending || slot.Status == units.StatusActive) {
			return u, true
		}
	}
	return 0, false
}

func markPending(pm *units.Map, unit int, typ units.OrderType) {
	if !pm.InRange(unit) {
		return
	}
	slot := pm.MustGet(unit)
	slot.OrderType = typ
	slot.Status = units.StatusPending
	slot.OrderID = ""
}

// AssignOrderID records the exchange order id for a newly placed slot,
// called by the engine loop immediately after OrderManager.PlaceStopSell /
// PlaceLimitBuy return, so that a fill arriving concurrently can be
// matched — per spec.md §4.4's idempotency contract.
func AssignOrderID(pm *units.Map, unit int, orderID string) {
	if !pm.InRange(unit) {
		return
	}
	slot := pm.MustGet(unit)
	slot.OrderID = orderID
	slot.Status = units.StatusActive
}
