// Package units implements the price-to-unit quantiser and the per-cycle
// position map that backs the sliding window.
package units

import (
	"github.com/shopspring/decimal"
)

// UnitEvent reports a unit boundary crossing.
type UnitEvent struct {
	From int
	To   int
}

// Quantiser converts streaming prices into signed integer unit indices
// relative to a fixed entry price and unit size. Rounding is always toward
// minus infinity so a tick sitting exactly on a boundary is only counted as
// the higher unit once it crosses.
type Quantiser struct {
	entryPrice  decimal.Decimal
	unitSize    decimal.Decimal
	currentUnit int
	initialised bool
}

// New creates a Quantiser anchored at entryPrice with the given unitSize.
func New(entryPrice, unitSize decimal.Decimal) *Quantiser {
	return &Quantiser{
		entryPrice: entryPrice,
		unitSize:   unitSize,
	}
}

// Quantise maps a price to its unit index without mutating tracker state.
func (q *Quantiser) Quantise(price decimal.Decimal) int {
	delta := price.Sub(q.entryPrice)
	quotient := delta.Div(q.unitSize)
	return int(quotient.Floor().IntPart())
}

// CurrentUnit returns the last unit reported to OnPrice, or the quantised
// unit of entryPrice (0) if no price has been observed yet.
func (q *Quantiser) CurrentUnit() int {
	return q.currentUnit
}

// OnPrice records a price tick and reports a UnitEvent iff the quantised
// unit differs from the previously recorded unit. Price updates that land on
// the same unit are dropped (return ok=false). Never fails.
func (q *Quantiser) OnPrice(price decimal.Decimal) (UnitEvent, bool) {
	unit := q.Quantise(price)
	if !q.initialised {
		q.currentUnit = unit
		q.initialised = true
		return UnitEvent{}, false
	}
	if unit == q.currentUnit {
		return UnitEvent{}, false
	}
	event := UnitEvent{From: q.currentUnit, To: unit}
	q.currentUnit = unit
	return event, true
}

// Rebase resets the quantiser to a new entry price, used on RESET. The
// current unit becomes 0.
func (q *Quantiser) Rebase(entryPrice decimal.Decimal) {
	q.entryPrice = entryPrice
	q.currentUnit = 0
	q.initialised = true
}

// EntryPrice returns the reference price the tracker is quantising against.
func (q *Quantiser) EntryPrice() decimal.Decimal {
	return q.entryPrice
}

// UnitSize returns the configured price delta per unit.
func (q *Quantiser) UnitSize() decimal.Decimal {
	return q.unitSize
}

// PriceAt returns the exact price for a given unit: entry_price + u*unit_size.
func (q *Quantiser) PriceAt(unit int) decimal.Decimal {
	return q.entryPrice.Add(q.unitSize.Mul(decimal.NewFromInt(int64(unit))))
}
