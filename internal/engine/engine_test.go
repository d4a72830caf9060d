package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vantrail/gridengine/internal/audit"
	"github.com/vantrail/gridengine/internal/cycle"
	"github.com/vantrail/gridengine/internal/fills"
	"github.com/vantrail/gridengine/internal/orders"
	"github.com/vantrail/gridengine/internal/persist"
	"github.com/vantrail/gridengine/internal/units"
)

// fakeVenue satisfies orders.Venue, cycle.PositionReader, cycle.OrderCanceller
// and audit.OpenOrdersFetcher so a single fake can back every Engine
// collaborator in these tests.
type fakeVenue struct {
	seq        int
	cancelled  []string
	leverageOK bool

	realisedSize decimal.Decimal
	realisedMark decimal.Decimal

	openOrders []audit.LiveOrder
}

func (v *fakeVenue) nextID() string {
	v.seq++
	return fmt.Sprintf("ord-%d", v.seq)
}

func (v *fakeVenue) PlaceStopSell(ctx context.Context, symbol, clientID string, price, size decimal.Decimal) (string, error) {
	return v.nextID(), nil
}

func (v *fakeVenue) PlaceLimitBuy(ctx context.Context, symbol, clientID string, price, size decimal.Decimal) (string, error) {
	return v.nextID(), nil
}

func (v *fakeVenue) Cancel(ctx context.Context, symbol, orderID string) error {
	v.cancelled = append(v.cancelled, orderID)
	return nil
}

func (v *fakeVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if !v.leverageOK {
		return fmt.Errorf("leverage rejected")
	}
	return nil
}

func (v *fakeVenue) SupportsConditionalBuy() bool { return true }

func (v *fakeVenue) RealisedPosition(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	return v.realisedSize, v.realisedMark, nil
}

func (v *fakeVenue) CancelAll(ctx context.Context, symbol string) error {
	v.cancelled = append(v.cancelled, "ALL")
	return nil
}

func (v *fakeVenue) OpenOrders(ctx context.Context, symbol string) ([]audit.LiveOrder, error) {
	return v.openOrders, nil
}

func newTestEngine(v *fakeVenue) *Engine {
	log := zerolog.Nop()
	mgr := orders.New(orders.Config{
		Symbol:          "BTC-PERP",
		RPCTimeout:      time.Second,
		CancelRetryBase: time.Millisecond,
		LeverageLadder:  []int{10, 5, 1},
		OrdersPerSec:    1000,
		OrdersBurst:     1000,
		CancelsPerSec:   1000,
		CancelsBurst:    1000,
	}, v, log)
	auditor := audit.New("BTC-PERP", v, mgr, decimal.NewFromFloat(0.01), log)
	cycleCtl := cycle.New("BTC-PERP", v, v, log)
	store, err := persist.Open(":memory:")
	if err != nil {
		panic(err)
	}

	return New(Config{
		Symbol:             "BTC-PERP",
		OperatingRangeLow:  -50,
		OperatingRangeHigh: 50,
		AuditInterval:      time.Minute,
	}, Deps{
		OrderManager: mgr,
		Auditor:      auditor,
		CycleCtl:     cycleCtl,
		Store:        store,
	}, log)
}

func TestStartPlacesInitialStopsAndPersists(t *testing.T) {
	v := &fakeVenue{leverageOK: true}
	e := newTestEngine(v)

	if err := e.Start(context.Background(), decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(400), 10); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	status := e.Status()
	if len(status.TrailingStop) != 4 || status.TrailingStop[0] != -4 {
		t.Fatalf("TrailingStop = %v, want [-4,-3,-2,-1]", status.TrailingStop)
	}
	if v.seq != 4 {
		t.Errorf("placed %d orders, want 4", v.seq)
	}

	snap, ok, err := e.store.Load("BTC-PERP")
	if err != nil || !ok {
		t.Fatalf("Load() = %+v, %v, %v", snap, ok, err)
	}
}

func TestStartFallsBackThroughLeverageLadder(t *testing.T) {
	v := &fakeVenue{leverageOK: false}
	e := newTestEngine(v)

	err := e.Start(context.Background(), decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(400), 10)
	if err == nil {
		t.Fatalf("Start() error = nil, want leverage rejection since every tier fails")
	}
}

func TestHandlePriceTickSlidesWindowAndPlacesCancels(t *testing.T) {
	v := &fakeVenue{leverageOK: true}
	e := newTestEngine(v)
	ctx := context.Background()
	if err := e.Start(ctx, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(400), 10); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The quantiser's very first OnPrice call only establishes its baseline
	// unit and never itself reports a slide (see units.Quantiser.OnPrice);
	// warm it up at the entry price before asserting slide behaviour.
	e.handlePriceTick(ctx, decimal.NewFromInt(100))

	placedBefore := v.seq
	e.handlePriceTick(ctx, decimal.NewFromInt(101)) // unit 1

	status := e.Status()
	if status.CurrentUnit != 1 {
		t.Errorf("CurrentUnit = %d, want 1", status.CurrentUnit)
	}
	if contains(status.TrailingStop, -4) {
		t.Errorf("TrailingStop = %v, want -4 cancelled (stale below new-4=-3)", status.TrailingStop)
	}
	if !contains(status.TrailingStop, 0) {
		t.Errorf("TrailingStop = %v, want 0 placed", status.TrailingStop)
	}
	if v.seq != placedBefore+1 {
		t.Errorf("placed %d new orders, want 1", v.seq-placedBefore)
	}
	if len(v.cancelled) != 1 {
		t.Errorf("cancelled = %v, want exactly one stale stop", v.cancelled)
	}
}

func TestHandleFillSchedulesReplacementBuy(t *testing.T) {
	v := &fakeVenue{leverageOK: true}
	e := newTestEngine(v)
	ctx := context.Background()
	if err := e.Start(ctx, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(400), 10); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	slot, err := e.positions.Get(-1)
	if err != nil {
		t.Fatalf("Get(-1) error = %v", err)
	}
	filledOrderID := slot.OrderID

	e.handleFill(ctx, fills.Event{OrderID: filledOrderID, Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(1), Timestamp: time.Now()})

	status := e.Status()
	if contains(status.TrailingStop, -1) {
		t.Errorf("TrailingStop = %v, want -1 removed after fill", status.TrailingStop)
	}
	if !contains(status.TrailingBuy, 0) {
		t.Errorf("TrailingBuy = %v, want replacement buy at 0", status.TrailingBuy)
	}

	replSlot, err := e.positions.Get(0)
	if err != nil {
		t.Fatalf("Get(0) error = %v", err)
	}
	if replSlot.OrderID == "" {
		t.Errorf("replacement slot has no order id assigned")
	}
}

func TestPerformResetRebasesEntryPriceAndRebuildsWindow(t *testing.T) {
	v := &fakeVenue{leverageOK: true, realisedSize: decimal.NewFromInt(8), realisedMark: decimal.NewFromInt(110)}
	e := newTestEngine(v)
	ctx := context.Background()
	if err := e.Start(ctx, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(400), 10); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The window Start() leaves behind (all-stops at unit 0, no buys) already
	// satisfies window.AllStops(0); marking EverHeldBuy true is enough to
	// meet cycle.ShouldReset's precondition without a full simulated
	// down-then-up price walk.
	e.history.EverHeldBuy = true
	placedBefore := v.seq

	e.performReset(ctx)

	status := e.Status()
	if status.CycleIndex != 1 {
		t.Fatalf("CycleIndex = %d, want 1", status.CycleIndex)
	}
	if !status.EntryPrice.Equal(decimal.NewFromInt(110)) {
		t.Errorf("EntryPrice = %s, want 110 (realised mark)", status.EntryPrice)
	}
	if len(status.TrailingStop) != 4 || len(status.TrailingBuy) != 0 {
		t.Errorf("window after reset = stops:%v buys:%v, want canonical [-4,-3,-2,-1]/[]", status.TrailingStop, status.TrailingBuy)
	}
	if e.history.EverHeldBuy {
		t.Errorf("history not cleared after reset")
	}
	if v.seq != placedBefore+4 {
		t.Errorf("placed %d new orders on reset, want 4", v.seq-placedBefore)
	}
	found := false
	for _, id := range v.cancelled {
		if id == "ALL" {
			found = true
		}
	}
	if !found {
		t.Errorf("cancelled = %v, want a CancelAll call before reset", v.cancelled)
	}
}

func TestStopCancelsAllLiveOrders(t *testing.T) {
	v := &fakeVenue{leverageOK: true}
	e := newTestEngine(v)
	ctx := context.Background()
	if err := e.Start(ctx, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(400), 10); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(runCtx) }()

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	<-runDone

	if len(v.cancelled) != 4 {
		t.Errorf("cancelled = %v, want 4 live orders cancelled on shutdown", v.cancelled)
	}
}

func TestEnqueueDropsStalePriceTickButNeverFills(t *testing.T) {
	v := &fakeVenue{leverageOK: true}
	e := newTestEngine(v)
	e.events = make(chan Event, 1)

	e.Enqueue(Event{Kind: EventPriceTick, Price: decimal.NewFromInt(100)})
	e.Enqueue(Event{Kind: EventPriceTick, Price: decimal.NewFromInt(101)})

	select {
	case ev := <-e.events:
		if !ev.Price.Equal(decimal.NewFromInt(101)) {
			t.Errorf("surviving tick price = %s, want 101 (newest wins)", ev.Price)
		}
	default:
		t.Fatal("expected one surviving price tick in the queue")
	}
}

func TestRehydrateRestoresOrderIDsSoAFillMatches(t *testing.T) {
	v := &fakeVenue{leverageOK: true}
	e := newTestEngine(v)
	ctx := context.Background()
	if err := e.Start(ctx, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(400), 10); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stopSlot, err := e.positions.Get(-1)
	if err != nil {
		t.Fatalf("Get(-1) error = %v", err)
	}
	filledOrderID := stopSlot.OrderID
	if filledOrderID == "" {
		t.Fatalf("expected Start() to have assigned an order id to unit -1")
	}

	snap, ok, err := e.store.Load("BTC-PERP")
	if err != nil || !ok {
		t.Fatalf("Load() = %+v, %v, %v", snap, ok, err)
	}

	// Simulate a crash: a fresh Engine backed by the same collaborators,
	// rehydrated purely from the persisted snapshot.
	fresh := newTestEngine(v)
	if err := fresh.Rehydrate(snap); err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}

	restoredSlot, err := fresh.positions.Get(-1)
	if err != nil {
		t.Fatalf("Get(-1) after rehydrate error = %v", err)
	}
	if restoredSlot.OrderID != filledOrderID {
		t.Fatalf("restored OrderID = %q, want %q", restoredSlot.OrderID, filledOrderID)
	}
	if restoredSlot.OrderType != units.StopLossSell {
		t.Errorf("restored OrderType = %q, want StopLossSell", restoredSlot.OrderType)
	}

	fresh.handleFill(ctx, fills.Event{OrderID: filledOrderID, Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(1), Timestamp: time.Now()})

	status := fresh.Status()
	if contains(status.TrailingStop, -1) {
		t.Errorf("TrailingStop = %v, want -1 removed after the post-rehydrate fill matched", status.TrailingStop)
	}
	if !contains(status.TrailingBuy, 0) {
		t.Errorf("TrailingBuy = %v, want replacement buy at 0 after the post-rehydrate fill matched", status.TrailingBuy)
	}
}

func TestCheckInvariantsCatchesDuplicatedUnit(t *testing.T) {
	v := &fakeVenue{leverageOK: true}
	e := newTestEngine(v)
	ctx := context.Background()
	if err := e.Start(ctx, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(400), 10); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// A unit can never legitimately carry both a live stop-sell and a live
	// limit-buy at once.
	e.window.TrailingBuy = append(e.window.TrailingBuy, e.window.TrailingStop[0])

	if err := e.checkInvariants(); err == nil {
		t.Fatal("checkInvariants() error = nil, want a violation for a unit present in both trailing lists")
	}
}

func TestCheckInvariantsCatchesShortWindow(t *testing.T) {
	v := &fakeVenue{leverageOK: true}
	e := newTestEngine(v)
	ctx := context.Background()
	if err := e.Start(ctx, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(400), 10); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	e.window.TrailingStop = e.window.TrailingStop[:3]

	if err := e.checkInvariants(); err == nil {
		t.Fatal("checkInvariants() error = nil, want a violation for fewer than four live units")
	}
}

func TestHandlePriceTickHaltsOnInvariantViolation(t *testing.T) {
	v := &fakeVenue{leverageOK: true}
	e := newTestEngine(v)
	ctx := context.Background()
	if err := e.Start(ctx, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.NewFromInt(400), 10); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Force a violation that OnUnitChange's own bookkeeping cannot silently
	// clean up: a rogue unit, far outside the live window, present in both
	// trailing lists. slideUp only reaps trailing buys at or below the new
	// unit and trailing stops below the new floor, so this survives the
	// slide untouched.
	e.window.TrailingStop = append(e.window.TrailingStop, 100)
	e.window.TrailingBuy = append(e.window.TrailingBuy, 100)

	e.handlePriceTick(ctx, decimal.NewFromInt(100)) // warm-up, see above.
	e.handlePriceTick(ctx, decimal.NewFromInt(101))

	if !e.halted {
		t.Fatal("halted = false, want true after a duplicated-unit invariant violation")
	}

	snap, ok, err := e.store.Load("BTC-PERP")
	if err != nil || !ok {
		t.Fatalf("Load() = %+v, %v, %v, want a snapshot persisted by halt()", snap, ok, err)
	}
}

func contains(list []int, u int) bool {
	for _, v := range list {
		if v == u {
			return true
		}
	}
	return false
}
