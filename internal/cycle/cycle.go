// Package cycle implements CycleState and the CycleController that rebases
// the engine onto a new entry price when a cycle completes, per spec.md §4.7.
package cycle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vantrail/gridengine/internal/units"
	"github.com/vantrail/gridengine/internal/window"
)

// State is the full per-cycle record. It is created on position open and
// replaced wholesale on RESET, mirroring the teacher's pattern of a single
// owning type per mutable domain record. Between resets the engine loop
// updates its unit extremes (UpdateExtremes) and its Phase in place.
type State struct {
	InitialEntryPrice decimal.Decimal
	InitialNotional   decimal.Decimal

	EntryPrice        decimal.Decimal
	UnitSize          decimal.Decimal
	AssetSize         decimal.Decimal
	PositionNotional  decimal.Decimal
	LongFragmentAsset decimal.Decimal

	CurrentUnit int
	PeakUnit    int
	ValleyUnit  int

	Phase window.Phase

	CycleIndex       uint32
	CumulativeGrowth decimal.Decimal

	InitialOrderID string
}

// NewState builds the CycleState for a freshly opened position.
func NewState(entryPrice, unitSize, assetSize decimal.Decimal, initialOrderID string) *State {
	notional := assetSize.Mul(entryPrice)
	return &State{
		InitialEntryPrice: entryPrice,
		InitialNotional:   notional,
		EntryPrice:        entryPrice,
		UnitSize:          unitSize,
		AssetSize:         assetSize,
		PositionNotional:  notional,
		LongFragmentAsset: assetSize.Div(decimal.NewFromInt(4)),
		Phase:             window.Advance,
		CycleIndex:        0,
		CumulativeGrowth:  decimal.NewFromInt(1),
		InitialOrderID:    initialOrderID,
	}
}

// UpdateExtremes tracks peak_unit and valley_unit as the high/low watermark
// of current_unit within the cycle, per spec.md §3.
func (s *State) UpdateExtremes(unit int) {
	s.CurrentUnit = unit
	if unit > s.PeakUnit {
		s.PeakUnit = unit
	}
	if unit < s.ValleyUnit {
		s.ValleyUnit = unit
	}
}

// PositionReader is the venue-facing read the RESET action needs: the
// realised position size and current mark price. Implemented by
// internal/venue against the live exchange.
type PositionReader interface {
	RealisedPosition(ctx context.Context, symbol string) (size, mark decimal.Decimal, err error)
}

// OrderCanceller is the venue-facing write the RESET action needs: cancel
// every live order for symbol and block until confirmed.
type OrderCanceller interface {
	CancelAll(ctx context.Context, symbol string) error
}

// ResetEvent is emitted after a successful RESET, carrying the growth
// factor for notification/audit consumers (internal/notify).
type ResetEvent struct {
	CycleIndex    uint32
	OldEntryPrice decimal.Decimal
	NewEntryPrice decimal.Decimal
	GrowthFactor  decimal.Decimal
}

// Controller drives RESET detection and execution. It never mutates
// SlidingWindow or PositionMap directly except during the RESET action
// itself — during normal operation those belong to the FillRouter.
type Controller struct {
	symbol   string
	canceler OrderCanceller
	reader   PositionReader
	log      zerolog.Logger
}

// New builds a Controller for symbol, backed by the given venue read/write
// operations.
func New(symbol string, canceler OrderCanceller, reader PositionReader, log zerolog.Logger) *Controller {
	return &Controller{
		symbol:   symbol,
		canceler: canceler,
		reader:   reader,
		log:      log.With().Str("component", "cycle").Logger(),
	}
}

// ShouldReset reports the RESET precondition of spec.md §4.5/§4.7: the
// window has returned to all-stops at currentUnit, and a limit-buy has
// filled this cycle (h.EverHeldBuy, a completed down-then-up excursion).
// h.ReachedDecline is not consulted, so this is broader than the
// Phase==RECOVERY state: a cycle whose replacement buy fills and brings the
// window back to all-stops without ever reaching DECLINE also resets, even
// though Classify reports RETRACEMENT for it.
func ShouldReset(w *window.Window, h window.History, currentUnit int) bool {
	return h.EverHeldBuy && w.AllStops(currentUnit)
}

// Reset executes the six-step RESET action of spec.md §4.7: cancel all live
// orders, read the realised position, rebase entry price and fragment size,
// rebuild the PositionMap, and return the four stop-sells of the canonical
// post-entry window. Reset does not touch the Window itself: the caller is
// responsible for reinitialising it, placing the four returned stop-sells,
// and persisting the new state.
func (c *Controller) Reset(ctx context.Context, prev *State, q *units.Quantiser, pm *units.Map) (*State, []window.PlaceRequest, *ResetEvent, error) {
	if err := c.canceler.CancelAll(ctx, c.symbol); err != nil {
		return nil, nil, nil, fmt.Errorf("cycle: cancel all live orders before reset: %w", err)
	}

	size, mark, err := c.reader.RealisedPosition(ctx, c.symbol)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cycle: read realised position for reset: %w", err)
	}

	next := &State{
		InitialEntryPrice: prev.InitialEntryPrice,
		InitialNotional:   prev.InitialNotional,
		EntryPrice:        mark,
		UnitSize:          prev.UnitSize,
		AssetSize:         size,
		PositionNotional:  size.Mul(mark),
		LongFragmentAsset: size.Div(decimal.NewFromInt(4)),
		CurrentUnit:       0,
		PeakUnit:          0,
		ValleyUnit:        0,
		Phase:             window.Advance,
		CycleIndex:        prev.CycleIndex + 1,
		InitialOrderID:    prev.InitialOrderID,
	}

	next.CumulativeGrowth = decimal.NewFromInt(1)
	if next.InitialNotional.IsPositive() {
		next.CumulativeGrowth = next.PositionNotional.Div(next.InitialNotional)
	}

	q.Rebase(mark)
	pm.Reset(q)

	places := []window.PlaceRequest{
		{Unit: -4, Type: units.StopLossSell},
		{Unit: -3, Type: units.StopLossSell},
		{Unit: -2, Type: units.StopLossSell},
		{Unit: -1, Type: units.StopLossSell},
	}

	event := &ResetEvent{
		CycleIndex:    next.CycleIndex,
		OldEntryPrice: prev.EntryPrice,
		NewEntryPrice: next.EntryPrice,
		GrowthFactor:  next.CumulativeGrowth,
	}

	c.log.Info().
		Uint32("cycle_index", next.CycleIndex).
		Str("old_entry_price", prev.EntryPrice.String()).
		Str("new_entry_price", next.EntryPrice.String()).
		Str("growth_factor", next.CumulativeGrowth.String()).
		Msg("cycle reset")

	return next, places, event, nil
}
