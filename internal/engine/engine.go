// Package engine wires PriceQuantiser, SlidingWindow, PositionMap,
// OrderManager, FillRouter, Auditor, and CycleController into the single
// event-loop-per-symbol described in spec.md §5 and §9.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vantrail/gridengine/internal/audit"
	"github.com/vantrail/gridengine/internal/cycle"
	"github.com/vantrail/gridengine/internal/fills"
	"github.com/vantrail/gridengine/internal/notify"
	"github.com/vantrail/gridengine/internal/orders"
	"github.com/vantrail/gridengine/internal/persist"
	"github.com/vantrail/gridengine/internal/units"
	"github.com/vantrail/gridengine/internal/window"
)

// EventKind tags the typed event enum of spec.md §9.
type EventKind string

const (
	EventPriceTick  EventKind = "PRICE_TICK"
	EventFill       EventKind = "FILL"
	EventAuditTimer EventKind = "AUDIT_TIMER"
	EventShutdown   EventKind = "SHUTDOWN"
)

// Event is the single queue element the engine loop dequeues and
// processes serially. Price is populated for PRICE_TICK events and Fill for
// FILL events; AUDIT_TIMER and SHUTDOWN events carry neither.
type Event struct {
	Kind  EventKind
	Price decimal.Decimal
	Fill  fills.Event
}

// Status is the EngineStatus snapshot of spec.md §6: "status() ->
// EngineStatus — snapshot of cycle state, window, phase, growth."
type Status struct {
	Symbol           string
	EntryPrice       decimal.Decimal
	CurrentUnit      int
	PeakUnit         int
	ValleyUnit       int
	Phase            window.Phase
	TrailingStop     []int
	TrailingBuy      []int
	CycleIndex       uint32
	CumulativeGrowth decimal.Decimal
}

// Engine owns the one mutable CycleState/Window/PositionMap triple for a
// symbol and serialises every mutation through Run's event loop. Nothing
// outside this package touches those fields directly.
type Engine struct {
	symbol string
	cfg    Config

	quantiser *units.Quantiser
	positions *units.Map
	window    *window.Window
	history   window.History
	state     *cycle.State

	orderMgr *orders.Manager
	fillRtr  *fills.Router
	auditor  *audit.Auditor
	cycleCtl *cycle.Controller
	store    *persist.Store
	notifier *notify.Notifier

	events chan Event
	done   chan struct{}

	halted bool

	log zerolog.Logger
}

// Config bundles the construction-time settings the engine needs beyond
// what its collaborators already own.
type Config struct {
	Symbol             string
	OperatingRangeLow  int
	OperatingRangeHigh int
	AuditInterval      time.Duration
	AuditFollowUp      time.Duration
	DataGapUnits       int
	QueueSize          int
}

// Deps bundles the collaborators an Engine is wired with.
type Deps struct {
	OrderManager *orders.Manager
	Auditor      *audit.Auditor
	CycleCtl     *cycle.Controller
	Store        *persist.Store
	Notifier     *notify.Notifier
}

// New builds an Engine. The caller must still call Start (or Rehydrate)
// before Run.
func New(cfg Config, deps Deps, log zerolog.Logger) *Engine {
	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = 256
	}
	return &Engine{
		symbol:   cfg.Symbol,
		cfg:      cfg,
		orderMgr: deps.OrderManager,
		auditor:  deps.Auditor,
		cycleCtl: deps.CycleCtl,
		store:    deps.Store,
		notifier: deps.Notifier,
		events:   make(chan Event, queueSize),
		done:     make(chan struct{}),
		log:      log.With().Str("component", "engine").Str("symbol", cfg.Symbol).Logger(),
	}
}

// Start applies leverage, initialises CycleState/Window/PositionMap, and
// places the four initial stop-sells, per spec.md §6's start() command. It
// does not submit the market entry order: the caller opens the initial
// position on the venue before calling Start. Callers invoke this once
// before Run.
func (e *Engine) Start(ctx context.Context, entryPrice, unitSize, notional decimal.Decimal, leverage int) error {
	applied, err := e.orderMgr.SetLeverage(ctx, leverage)
	if err != nil {
		return fmt.Errorf("engine: set leverage: %w", err)
	}
	e.log.Info().Int("leverage", applied).Msg("leverage applied")

	assetSize := notional.Div(entryPrice)
	e.state = cycle.NewState(entryPrice, unitSize, assetSize, "")
	e.quantiser = units.New(entryPrice, unitSize)
	e.positions = units.NewMap(e.quantiser, e.cfg.OperatingRangeLow, e.cfg.OperatingRangeHigh)
	e.window = window.NewInitial()
	e.history = window.History{}
	e.fillRtr = fills.New(time.Now(), e.state.InitialOrderID, e.log)

	for _, u := range e.window.TrailingStop {
		if err := e.placeStop(ctx, u); err != nil {
			e.log.Error().Int("unit", u).Err(err).Msg("failed to place initial stop-sell")
		}
	}

	return e.persistSnapshot()
}

// Rehydrate restores Engine state from a persisted snapshot after a crash,
// per spec.md §6's crash-recovery path. The caller must enqueue an
// immediate AuditTimer event afterward, before resuming normal event
// processing, to reconcile the restored window against venue truth.
func (e *Engine) Rehydrate(snap persist.Snapshot) error {
	entryPrice, err := persist.DecodeDecimal(snap.EntryPrice)
	if err != nil {
		return err
	}
	unitSize, err := persist.DecodeDecimal(snap.UnitSize)
	if err != nil {
		return err
	}
	growth, err := persist.DecodeDecimal(snap.CumulativeGrowth)
	if err != nil {
		return err
	}
	fragment, err := persist.DecodeDecimal(snap.LongFragmentAsset)
	if err != nil {
		return err
	}
	trailingStop, err := persist.DecodeUnits(snap.TrailingStop)
	if err != nil {
		return err
	}
	trailingBuy, err := persist.DecodeUnits(snap.TrailingBuy)
	if err != nil {
		return err
	}

	orderIDs, err := persist.DecodeOrderIDs(snap.PositionMapOrderIDs)
	if err != nil {
		return err
	}

	e.quantiser = units.New(entryPrice, unitSize)
	e.quantiser.Rebase(entryPrice)
	e.positions = units.NewMap(e.quantiser, e.cfg.OperatingRangeLow, e.cfg.OperatingRangeHigh)
	e.window = &window.Window{TrailingStop: trailingStop, TrailingBuy: trailingBuy}
	e.history = window.History{}

	// Restore each slot's live order id so a fill arriving right after
	// recovery still matches via fills.findUnit instead of going "unmatched"
	// until the next Auditor pass repairs it.
	stopUnits := make(map[int]bool, len(trailingStop))
	for _, u := range trailingStop {
		stopUnits[u] = true
	}
	buyUnits := make(map[int]bool, len(trailingBuy))
	for _, u := range trailingBuy {
		buyUnits[u] = true
	}
	for unit, orderID := range orderIDs {
		if !e.positions.InRange(unit) {
			continue
		}
		slot := e.positions.MustGet(unit)
		switch {
		case stopUnits[unit]:
			slot.OrderType = units.StopLossSell
		case buyUnits[unit]:
			slot.OrderType = units.LimitBuy
		}
		slot.OrderID = orderID
		if orderID == "" {
			slot.Status = units.StatusPending
		} else {
			slot.Status = units.StatusActive
		}
	}

	e.state = &cycle.State{
		EntryPrice:        entryPrice,
		UnitSize:          unitSize,
		LongFragmentAsset: fragment,
		CurrentUnit:       snap.CurrentUnit,
		PeakUnit:          snap.PeakUnit,
		ValleyUnit:        snap.ValleyUnit,
		Phase:             window.Phase(snap.Phase),
		CycleIndex:        snap.CycleIndex,
		CumulativeGrowth:  growth,
		InitialOrderID:    snap.InitialOrderID,
	}
	e.fillRtr = fills.New(snap.StartupTimestamp, snap.InitialOrderID, e.log)
	return nil
}

// Enqueue pushes an event onto the loop's queue. Price ticks are subject
// to the drop-stale back-pressure policy of spec.md §9: if the queue is
// full, the oldest queued price tick is evicted in favour of this one.
// Fills are never dropped — Enqueue blocks until there is room.
func (e *Engine) Enqueue(ev Event) {
	if ev.Kind != EventPriceTick {
		e.events <- ev
		return
	}
	select {
	case e.events <- ev:
		return
	default:
	}
	select {
	case <-e.events:
	default:
	}
	select {
	case e.events <- ev:
	default:
	}
}

// Run drains the event queue until a Shutdown event is processed or ctx is
// cancelled. All CycleState/Window/PositionMap mutation happens here, on
// this one goroutine, per spec.md §5.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			switch ev.Kind {
			case EventPriceTick:
				e.handlePriceTick(ctx, ev.Price)
			case EventFill:
				e.handleFill(ctx, ev.Fill)
			case EventAuditTimer:
				e.handleAudit(ctx)
			case EventShutdown:
				return e.shutdown(ctx)
			}
			if e.halted {
				return fmt.Errorf("engine: halted on invariant violation, operator intervention required")
			}
		}
	}
}

func (e *Engine) handlePriceTick(ctx context.Context, price decimal.Decimal) {
	for unit, orderID := range e.orderMgr.CheckPendingBuys(ctx, price) {
		fills.AssignOrderID(e.positions, unit, orderID)
	}

	unitEvent, changed := e.quantiser.OnPrice(price)
	if !changed {
		e.state.Phase = window.Classify(e.window, e.history)
		return
	}

	gap := unitEvent.To - unitEvent.From
	if gap < 0 {
		gap = -gap
	}
	if e.cfg.DataGapUnits > 0 && gap > e.cfg.DataGapUnits {
		e.log.Warn().
			Int("from", unitEvent.From).
			Int("to", unitEvent.To).
			Int("gap", gap).
			Int("threshold", e.cfg.DataGapUnits).
			Msg("price jumped more units than configured, processing normally")
	}

	slide := e.window.OnUnitChange(unitEvent.To, unitEvent.From)
	for _, p := range slide.Places {
		e.applyPlace(ctx, p)
	}
	for _, c := range slide.Cancels {
		e.applyCancel(ctx, c.Unit)
	}

	e.state.UpdateExtremes(unitEvent.To)
	e.state.Phase = window.Classify(e.window, e.history)

	if err := e.checkInvariants(); err != nil {
		e.halt(ctx, err)
		return
	}

	if err := e.persistSnapshot(); err != nil {
		e.log.Error().Err(err).Msg("failed to persist snapshot after slide")
	}

	// On-demand audit pass 2s after every unit change, per spec.md §4.6,
	// alongside the coarse AuditInterval ticker.
	e.scheduleFollowUpAudit(ctx, 2*time.Second)
}

func (e *Engine) handleFill(ctx context.Context, ev fills.Event) {
	outcome := e.fillRtr.Route(ev, e.positions, e.window, &e.history, e.state.CurrentUnit)
	if !outcome.Matched {
		return
	}

	if outcome.Replacement != nil {
		e.applyPlace(ctx, *outcome.Replacement)
	}
	e.state.Phase = window.Classify(e.window, e.history)

	if outcome.ResetTriggered {
		e.performReset(ctx)
	}

	if err := e.checkInvariants(); err != nil {
		e.halt(ctx, err)
		return
	}

	if err := e.persistSnapshot(); err != nil {
		e.log.Error().Err(err).Msg("failed to persist snapshot after fill")
	}
}

func (e *Engine) performReset(ctx context.Context) {
	next, _, resetEvent, err := e.cycleCtl.Reset(ctx, e.state, e.quantiser, e.positions)
	if err != nil {
		e.log.Error().Err(err).Msg("reset failed, leaving current cycle in place")
		return
	}

	places := e.window.ResetTo()
	e.history = window.History{}
	e.state = next
	e.state.Phase = window.Advance

	for _, p := range places {
		e.applyPlace(ctx, p)
	}

	if e.notifier != nil {
		e.notifier.Reset(e.symbol, resetEvent.CycleIndex, resetEvent.OldEntryPrice.String(), resetEvent.NewEntryPrice.String(), resetEvent.GrowthFactor.String())
	}
}

func (e *Engine) handleAudit(ctx context.Context) {
	report, err := e.auditor.Run(ctx, e.positions, e.window, e.state.LongFragmentAsset, e.state.CycleIndex)
	if err != nil {
		e.log.Error().Err(err).Msg("audit pass failed")
		return
	}
	if !report.Healthy {
		if e.notifier != nil {
			e.notifier.AuditCorrection(e.symbol, len(report.Orphans), len(report.Missing), len(report.Duplicates))
		}
		// Verify the corrections actually stuck rather than trusting this
		// pass alone, per spec.md §4.6 step 5's follow-up verification pass.
		if e.cfg.AuditFollowUp > 0 {
			e.scheduleFollowUpAudit(ctx, e.cfg.AuditFollowUp)
		}
	}
}

func (e *Engine) applyPlace(ctx context.Context, p window.PlaceRequest) {
	unit := e.positions.Nearest(p.Unit)
	switch p.Type {
	case units.StopLossSell:
		if err := e.placeStop(ctx, unit); err != nil {
			e.log.Error().Int("unit", unit).Err(err).Msg("failed to place stop-sell")
		}
	case units.LimitBuy:
		slot, err := e.positions.Get(unit)
		if err != nil {
			e.log.Error().Int("unit", unit).Err(err).Msg("place target out of range")
			return
		}
		orderID, tracked, err := e.orderMgr.PlaceLimitBuy(ctx, unit, slot.Price, e.state.LongFragmentAsset, e.state.CycleIndex)
		if err != nil {
			e.log.Error().Int("unit", unit).Err(err).Msg("failed to place limit-buy")
			return
		}
		if tracked {
			markTracked(e.positions, unit, units.LimitBuy)
			return
		}
		fills.AssignOrderID(e.positions, unit, orderID)
		markType(e.positions, unit, units.LimitBuy)
	}
}

func (e *Engine) placeStop(ctx context.Context, unit int) error {
	slot, err := e.positions.Get(unit)
	if err != nil {
		return err
	}
	orderID, err := e.orderMgr.PlaceStopSell(ctx, unit, slot.Price, e.state.LongFragmentAsset, e.state.CycleIndex)
	if err != nil {
		return err
	}
	fills.AssignOrderID(e.positions, unit, orderID)
	markType(e.positions, unit, units.StopLossSell)
	return nil
}

func (e *Engine) applyCancel(ctx context.Context, unit int) {
	if !e.positions.InRange(unit) {
		return
	}
	slot := e.positions.MustGet(unit)
	if slot.OrderID == "" {
		e.orderMgr.CancelPending(unit)
		slot.Status = units.StatusCancelled
		return
	}
	if err := e.orderMgr.Cancel(ctx, slot.OrderID); err != nil {
		e.log.Error().Int("unit", unit).Err(err).Msg("failed to cancel order")
		return
	}
	slot.Status = units.StatusCancelled
	slot.OrderID = ""
}

func markType(pm *units.Map, unit int, typ units.OrderType) {
	if !pm.InRange(unit) {
		return
	}
	pm.MustGet(unit).OrderType = typ
}

func markTracked(pm *units.Map, unit int, typ units.OrderType) {
	if !pm.InRange(unit) {
		return
	}
	slot := pm.MustGet(unit)
	slot.OrderType = typ
	slot.Status = units.StatusPending
	slot.OrderID = ""
}

// Stop enqueues a graceful shutdown and waits for the loop to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.Enqueue(Event{Kind: EventShutdown})
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) shutdown(ctx context.Context) error {
	ids := e.positions.Snapshot()
	orderIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		orderIDs = append(orderIDs, id)
	}
	if err := e.orderMgr.CancelAll(ctx, orderIDs); err != nil {
		e.log.Error().Err(err).Msg("best-effort cancel-all during shutdown failed for at least one order")
	}
	return e.persistSnapshot()
}

// scheduleFollowUpAudit enqueues an AuditTimer event after delay, used both
// for the on-demand pass after a unit change and the post-correction
// verification pass, per spec.md §4.6. It exits without enqueuing if ctx is
// cancelled first.
func (e *Engine) scheduleFollowUpAudit(ctx context.Context, delay time.Duration) {
	go func() {
		select {
		case <-time.After(delay):
			e.Enqueue(Event{Kind: EventAuditTimer})
		case <-ctx.Done():
		}
	}()
}

// checkInvariants verifies the window/position-map invariants that must
// never break in steady state, per spec.md §7's invariant-violation row: no
// unit duplicated across the two trailing lists, exactly four live units,
// and a non-negative fragment size.
func (e *Engine) checkInvariants() error {
	seen := make(map[int]bool, e.window.Count())
	for _, u := range e.window.TrailingStop {
		if seen[u] {
			return fmt.Errorf("invariant violation: unit %d duplicated in trailing stops", u)
		}
		seen[u] = true
	}
	for _, u := range e.window.TrailingBuy {
		if seen[u] {
			return fmt.Errorf("invariant violation: unit %d present in both trailing lists", u)
		}
		seen[u] = true
	}
	if e.window.Count() != 4 {
		return fmt.Errorf("invariant violation: window holds %d live units, want 4", e.window.Count())
	}
	if e.state.LongFragmentAsset.IsNegative() {
		return fmt.Errorf("invariant violation: negative fragment size %s", e.state.LongFragmentAsset)
	}
	return nil
}

// halt stops the engine on an invariant violation: notify, persist state,
// and mark halted so Run exits and refuses further processing, per
// spec.md §7's "Halt engine, persist state, require operator" row.
func (e *Engine) halt(ctx context.Context, cause error) {
	e.log.Error().Err(cause).Msg("invariant violation, halting and requiring operator intervention")
	e.halted = true
	if e.notifier != nil {
		e.notifier.Halt(e.symbol, cause.Error())
	}
	if err := e.persistSnapshot(); err != nil {
		e.log.Error().Err(err).Msg("failed to persist snapshot during halt")
	}
}

// Status returns a snapshot of the engine's current state, per spec.md §6.
func (e *Engine) Status() Status {
	return Status{
		Symbol:           e.symbol,
		EntryPrice:       e.quantiser.EntryPrice(),
		CurrentUnit:      e.state.CurrentUnit,
		PeakUnit:         e.state.PeakUnit,
		ValleyUnit:       e.state.ValleyUnit,
		Phase:            e.state.Phase,
		TrailingStop:     append([]int(nil), e.window.TrailingStop...),
		TrailingBuy:      append([]int(nil), e.window.TrailingBuy...),
		CycleIndex:       e.state.CycleIndex,
		CumulativeGrowth: e.state.CumulativeGrowth,
	}
}

func (e *Engine) persistSnapshot() error {
	if e.store == nil {
		return nil
	}
	snap := persist.Snapshot{
		Symbol:              e.symbol,
		EntryPrice:          persist.EncodeDecimal(e.quantiser.EntryPrice()),
		UnitSize:            persist.EncodeDecimal(e.quantiser.UnitSize()),
		CurrentUnit:         e.state.CurrentUnit,
		PeakUnit:            e.state.PeakUnit,
		ValleyUnit:          e.state.ValleyUnit,
		Phase:               string(e.state.Phase),
		LongFragmentAsset:   persist.EncodeDecimal(e.state.LongFragmentAsset),
		TrailingStop:        persist.EncodeUnits(sortedUnits(e.window.TrailingStop)),
		TrailingBuy:         persist.EncodeUnits(sortedUnits(e.window.TrailingBuy)),
		PositionMapOrderIDs: persist.EncodeOrderIDs(e.positions.Snapshot()),
		CycleIndex:          e.state.CycleIndex,
		CumulativeGrowth:    persist.EncodeDecimal(e.state.CumulativeGrowth),
		InitialOrderID:      e.state.InitialOrderID,
		StartupTimestamp:    time.Now(),
	}
	return e.store.Save(snap)
}

func sortedUnits(units []int) []int {
	out := append([]int(nil), units...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

