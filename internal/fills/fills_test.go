package fills

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vantrail/gridengine/internal/units"
	"github.com/vantrail/gridengine/internal/window"
)

func newTestMap() *units.Map {
	q := units.New(decimal.NewFromInt(100), decimal.NewFromFloat(0.1))
	return units.NewMap(q, -10, 10)
}

func place(pm *units.Map, unit int, typ units.OrderType, orderID string, status units.SlotStatus) {
	slot := pm.MustGet(unit)
	slot.OrderType = typ
	slot.OrderID = orderID
	slot.Status = status
}

func TestRouteMatchesStopFillAndSchedulesReplacementBuy(t *testing.T) {
	pm := newTestMap()
	place(pm, -1, units.StopLossSell, "ord-1", units.StatusActive)
	w := window.NewInitial()
	h := &window.History{}
	r := New(time.Unix(0, 0), "entry-order", zerolog.Nop())

	out := r.Route(Event{OrderID: "ord-1", Timestamp: time.Now()}, pm, w, h, 0)

	if !out.Matched {
		t.Fatalf("Matched = false, want true")
	}
	if out.Unit != -1 || out.FilledType != units.StopLossSell {
		t.Errorf("got unit=%d type=%s, want unit=-1 type=STOP_LOSS_SELL", out.Unit, out.FilledType)
	}
	if out.Replacement == nil || out.Replacement.Unit != 0 || out.Replacement.Type != units.LimitBuy {
		t.Fatalf("Replacement = %+v, want unit 0 limit buy", out.Replacement)
	}
	if !h.EverFilledStop {
		t.Errorf("EverFilledStop = false, want true after a stop fill")
	}
	filledSlot := pm.MustGet(-1)
	if filledSlot.Status != units.StatusFilled {
		t.Errorf("filled slot status = %s, want FILLED", filledSlot.Status)
	}
	replSlot := pm.MustGet(0)
	if replSlot.Status != units.StatusPending || replSlot.OrderType != units.LimitBuy {
		t.Errorf("replacement slot = %+v, want Pending LimitBuy", replSlot)
	}
}

func TestRouteMatchesBuyFillSetsEverHeldBuy(t *testing.T) {
	pm := newTestMap()
	place(pm, 1, units.LimitBuy, "ord-2", units.StatusActive)
	w := &window.Window{TrailingBuy: []int{1, 2, 3, 4}}
	h := &window.History{}
	r := New(time.Unix(0, 0), "entry-order", zerolog.Nop())

	out := r.Route(Event{OrderID: "ord-2", Timestamp: time.Now()}, pm, w, h, 4)

	if !out.Matched || out.FilledType != units.LimitBuy {
		t.Fatalf("got %+v, want matched LimitBuy fill", out)
	}
	if !h.EverFilledBuy || !h.EverHeldBuy {
		t.Errorf("EverFilledBuy/EverHeldBuy = %v/%v, want true/true", h.EverFilledBuy, h.EverHeldBuy)
	}
	if out.Replacement == nil || out.Replacement.Unit != 0 || out.Replacement.Type != units.StopLossSell {
		t.Fatalf("Replacement = %+v, want unit 0 stop sell", out.Replacement)
	}
}

func TestRouteDiscardsFillOlderThanStartup(t *testing.T) {
	pm := newTestMap()
	place(pm, -1, units.StopLossSell, "ord-1", units.StatusActive)
	w := window.NewInitial()
	h := &window.History{}
	startup := time.Now()
	r := New(startup, "entry-order", zerolog.Nop())

	out := r.Route(Event{OrderID: "ord-1", Timestamp: startup.Add(-time.Second)}, pm, w, h, 0)

	if out.Matched {
		t.Errorf("Matched = true, want false for a stale fill")
	}
	if pm.MustGet(-1).Status != units.StatusActive {
		t.Errorf("stale fill mutated position map: %+v", pm.MustGet(-1))
	}
}

func TestRouteIgnoresInitialOrderID(t *testing.T) {
	pm := newTestMap()
	w := window.NewInitial()
	h := &window.History{}
	r := New(time.Unix(0, 0), "entry-order", zerolog.Nop())

	out := r.Route(Event{OrderID: "entry-order", Timestamp: time.Now()}, pm, w, h, 0)

	if out.Matched {
		t.Errorf("Matched = true, want false for the market-entry order id")
	}
}

// Boundary scenario 5 (spec.md §8): unmatched fill must not mutate the window.
func TestRouteUnmatchedFillDoesNotMutate(t *testing.T) {
	pm := newTestMap()
	w := window.NewInitial()
	before := append([]int(nil), w.TrailingStop...)
	h := &window.History{}
	r := New(time.Unix(0, 0), "entry-order", zerolog.Nop())

	out := r.Route(Event{OrderID: "ghost-order", Timestamp: time.Now()}, pm, w, h, 0)

	if out.Matched {
		t.Errorf("Matched = true, want false for an unknown order id")
	}
	if len(w.TrailingStop) != len(before) {
		t.Errorf("window mutated by unmatched fill: %v", w.TrailingStop)
	}
}

func TestRouteTriggersResetAfterFullExcursion(t *testing.T) {
	pm := newTestMap()
	// One buy away from the RESET precondition: three stops already
	// resting at the target {2,3,4}, one buy at 6 left to fill, whose
	// replacement stop at 5 completes stop=[2,3,4,5] = all-stops at c=6.
	place(pm, 6, units.LimitBuy, "ord-last-buy", units.StatusActive)
	w := &window.Window{TrailingStop: []int{2, 3, 4}, TrailingBuy: []int{6}}
	h := &window.History{EverHeldBuy: true, EverFilledStop: true, ReachedDecline: true}
	r := New(time.Unix(0, 0), "entry-order", zerolog.Nop())

	out := r.Route(Event{OrderID: "ord-last-buy", Timestamp: time.Now()}, pm, w, h, 6)

	if !out.Matched {
		t.Fatalf("Matched = false, want true")
	}
	if !out.ResetTriggered {
		t.Errorf("ResetTriggered = false, want true once window returns to all-stops with prior buy history")
	}
}

func TestRouteSetsReachedDeclineWhenTrailingStopEmpties(t *testing.T) {
	pm := newTestMap()
	place(pm, -4, units.StopLossSell, "ord-final-stop", units.StatusActive)
	w := &window.Window{TrailingStop: []int{-4}, TrailingBuy: []int{1, 2, 3}}
	h := &window.History{EverFilledStop: true}
	r := New(time.Unix(0, 0), "entry-order", zerolog.Nop())

	r.Route(Event{OrderID: "ord-final-stop", Timestamp: time.Now()}, pm, w, h, 0)

	if !h.ReachedDecline {
		t.Errorf("ReachedDecline = false, want true once trailing_stop empties")
	}
}

func TestAssignOrderIDMarksSlotActive(t *testing.T) {
	pm := newTestMap()
	AssignOrderID(pm, 2, "ex-123")

	slot := pm.MustGet(2)
	if slot.OrderID != "ex-123" || slot.Status != units.StatusActive {
		t.Errorf("slot = %+v, want OrderID=ex-123 Status=ACTIVE", slot)
	}
}
