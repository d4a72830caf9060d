// Package window implements the four-order sliding window and the phase
// classifier derived from its composition. The window is kept as a pure
// data structure; the OrderManager I/O boundary lives elsewhere (see
// internal/orders), grounded on the same separation the teacher uses
// between execution/executor.go (I/O) and strategy/interface.go (pure
// signal construction).
package window

import (
	"sort"

	"github.com/vantrail/gridengine/internal/units"
)

const size = 4

// PlaceRequest describes a single order the caller must place to satisfy
// the desired-set formulation of a slide or fill.
type PlaceRequest struct {
	Unit int
	Type units.OrderType
}

// CancelRequest describes a single order the caller must cancel.
type CancelRequest struct {
	Unit int
}

// SlideResult batches the order actions a slide produced. Per spec.md §4.3
// ordering discipline the caller must always apply Places before Cancels:
// that is the only ordering that can never let live resting orders drop
// below four for the duration of a slide, regardless of which side is
// growing or shrinking.
type SlideResult struct {
	Cancels []CancelRequest
	Places  []PlaceRequest
}

// Window holds the two ordered trailing lists. TrailingStop units carry
// live stop-sell orders below market; TrailingBuy units carry live limit-buy
// orders above market. The union is invariantly 4 in steady state.
type Window struct {
	TrailingStop []int
	TrailingBuy  []int
}

// NewInitial builds the window as it exists immediately after position
// entry at unit 0: four stop-sells at [-4,-3,-2,-1], no buys.
func NewInitial() *Window {
	return &Window{
		TrailingStop: []int{-4, -3, -2, -1},
		TrailingBuy:  nil,
	}
}

// Count returns the total number of live window units.
func (w *Window) Count() int {
	return len(w.TrailingStop) + len(w.TrailingBuy)
}

func contains(list []int, u int) bool {
	for _, v := range list {
		if v == u {
			return true
		}
	}
	return false
}

func remove(list []int, u int) []int {
	out := list[:0:0]
	for _, v := range list {
		if v != u {
			out = append(out, v)
		}
	}
	return out
}

func sortedCopy(list []int) []int {
	out := append([]int(nil), list...)
	sort.Ints(out)
	return out
}

// OnUnitChange implements both the upward and downward slide per spec.md
// §4.3. Calling it with new == old is a no-op (the slide idempotence law of
// spec.md §8).
func (w *Window) OnUnitChange(newUnit, oldUnit int) SlideResult {
	switch {
	case newUnit == oldUnit:
		return SlideResult{}
	case newUnit > oldUnit:
		return w.slideUp(newUnit)
	default:
		return w.slideDown(newUnit)
	}
}

// slideUp handles price advancing past oldUnit to newUnit.
func (w *Window) slideUp(newUnit int) SlideResult {
	desired := map[int]bool{
		newUnit - 4: true,
		newUnit - 3: true,
		newUnit - 2: true,
		newUnit - 1: true,
	}

	// Any resting buy at or below the new unit is treated as executed —
	// the FillRouter will confirm, the Auditor reconciles any discrepancy.
	var executedBuys []int
	for _, u := range w.TrailingBuy {
		if u <= newUnit {
			executedBuys = append(executedBuys, u)
		}
	}
	for _, u := range executedBuys {
		w.TrailingBuy = remove(w.TrailingBuy, u)
	}

	var places []PlaceRequest
	for u := range desired {
		if !contains(w.TrailingStop, u) {
			places = append(places, PlaceRequest{Unit: u, Type: units.StopLossSell})
			w.TrailingStop = append(w.TrailingStop, u)
		}
	}
	sort.Slice(places, func(i, j int) bool { return places[i].Unit < places[j].Unit })

	var cancels []CancelRequest
	var staleStops []int
	for _, u := range w.TrailingStop {
		if u < newUnit-4 {
			staleStops = append(staleStops, u)
		}
	}
	sort.Ints(staleStops)
	for _, u := range staleStops {
		cancels = append(cancels, CancelRequest{Unit: u})
		w.TrailingStop = remove(w.TrailingStop, u)
	}

	w.TrailingStop = sortedCopy(w.TrailingStop)
	w.TrailingBuy = sortedCopy(w.TrailingBuy)

	return SlideResult{Cancels: cancels, Places: places}
}

// slideDown handles price declining past oldUnit to newUnit.
func (w *Window) slideDown(newUnit int) SlideResult {
	desired := map[int]bool{
		newUnit + 1: true,
		newUnit + 2: true,
		newUnit + 3: true,
		newUnit + 4: true,
	}

	var executedStops []int
	for _, u := range w.TrailingStop {
		if u >= newUnit {
			executedStops = append(executedStops, u)
		}
	}
	for _, u := range executedStops {
		w.TrailingStop = remove(w.TrailingStop, u)
	}

	var places []PlaceRequest
	for u := range desired {
		if !contains(w.TrailingBuy, u) {
			places = append(places, PlaceRequest{Unit: u, Type: units.LimitBuy})
			w.TrailingBuy = append(w.TrailingBuy, u)
		}
	}
	sort.Slice(places, func(i, j int) bool { return places[i].Unit < places[j].Unit })

	var cancels []CancelRequest
	var staleBuys []int
	for _, u := range w.TrailingBuy {
		if u > newUnit+4 {
			staleBuys = append(staleBuys, u)
		}
	}
	sort.Ints(staleBuys)
	for _, u := range staleBuys {
		cancels = append(cancels, CancelRequest{Unit: u})
		w.TrailingBuy = remove(w.TrailingBuy, u)
	}

	w.TrailingStop = sortedCopy(w.TrailingStop)
	w.TrailingBuy = sortedCopy(w.TrailingBuy)

	return SlideResult{Cancels: cancels, Places: places}
}

// FillStop applies a stop-sell fill at unit u: the unit leaves TrailingStop
// and, if the window now holds fewer than four live units, a replacement
// limit-buy at u+1 is returned for the caller to place.
func (w *Window) FillStop(u int) *PlaceRequest {
	w.TrailingStop = remove(w.TrailingStop, u)
	if w.Count() < size {
		repl := u + 1
		w.TrailingBuy = append(w.TrailingBuy, repl)
		w.TrailingBuy = sortedCopy(w.TrailingBuy)
		return &PlaceRequest{Unit: repl, Type: units.LimitBuy}
	}
	return nil
}

// FillBuy applies a limit-buy fill at unit u: the unit leaves TrailingBuy
// and, if the window now holds fewer than four live units, a replacement
// stop-sell at u-1 is returned for the caller to place.
func (w *Window) FillBuy(u int) *PlaceRequest {
	w.TrailingBuy = remove(w.TrailingBuy, u)
	if w.Count() < size {
		repl := u - 1
		w.TrailingStop = append(w.TrailingStop, repl)
		w.TrailingStop = sortedCopy(w.TrailingStop)
		return &PlaceRequest{Unit: repl, Type: units.StopLossSell}
	}
	return nil
}

// AllStops reports whether the window is exactly the four stops trailing
// unit c: {c-4,c-3,c-2,c-1}, with no resting buys — the RESET precondition.
func (w *Window) AllStops(c int) bool {
	if len(w.TrailingBuy) != 0 {
		return false
	}
	if len(w.TrailingStop) != 4 {
		return false
	}
	want := map[int]bool{c - 4: true, c - 3: true, c - 2: true, c - 1: true}
	for _, u := range w.TrailingStop {
		if !want[u] {
			return false
		}
	}
	return true
}

// ResetTo replaces the window with the canonical post-RESET state:
// four stop-sells at [-4,-3,-2,-1], no buys.
func (w *Window) ResetTo() []PlaceRequest {
	w.TrailingStop = []int{-4, -3, -2, -1}
	w.TrailingBuy = nil
	return []PlaceRequest{
		{Unit: -4, Type: units.StopLossSell},
		{Unit: -3, Type: units.StopLossSell},
		{Unit: -2, Type: units.StopLossSell},
		{Unit: -1, Type: units.StopLossSell},
	}
}
