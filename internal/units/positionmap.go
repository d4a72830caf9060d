package units

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes the two resting-order kinds the window manages.
type OrderType string

const (
	StopLossSell OrderType = "STOP_LOSS_SELL"
	LimitBuy     OrderType = "LIMIT_BUY"
)

// SlotStatus is the finite-state machine for a PositionMap entry.
type SlotStatus string

const (
	StatusEmpty     SlotStatus = "EMPTY"
	StatusPending   SlotStatus = "PENDING"
	StatusActive    SlotStatus = "ACTIVE"
	StatusFilled    SlotStatus = "FILLED"
	StatusCancelled SlotStatus = "CANCELLED"
)

// Slot is one entry of the PositionMap, keyed by its signed unit index.
// Price is a pure function of (Unit, entry price, unit size) and never
// mutates within a cycle; only OrderID/OrderType/Status change.
type Slot struct {
	Unit      int
	Price     decimal.Decimal
	OrderID   string
	OrderType OrderType
	Status    SlotStatus
}

// Map is the dense, O(1)-lookup table of candidate order slots for one
// cycle, sized to the engine's configured operating range.
type Map struct {
	low, high int
	slots     map[int]*Slot
}

// NewMap allocates a PositionMap covering [low, high] against the given
// quantiser, one allocation per cycle per spec.md §4.2.
func NewMap(q *Quantiser, low, high int) *Map {
	m := &Map{low: low, high: high, slots: make(map[int]*Slot, high-low+1)}
	for u := low; u <= high; u++ {
		m.slots[u] = &Slot{
			Unit:   u,
			Price:  q.PriceAt(u),
			Status: StatusEmpty,
		}
	}
	return m
}

// InRange reports whether unit falls inside the allocated operating range.
func (m *Map) InRange(unit int) bool {
	return unit >= m.low && unit <= m.high
}

// Nearest clamps an out-of-range unit to the nearest in-range unit.
func (m *Map) Nearest(unit int) int {
	if unit < m.low {
		return m.low
	}
	if unit > m.high {
		return m.high
	}
	return unit
}

// Get returns the slot for unit, or an error if unit is outside the
// allocated range (callers should fall back to the nearest in-range slot
// and let the Auditor flag the condition, per spec.md §4.2).
func (m *Map) Get(unit int) (*Slot, error) {
	s, ok := m.slots[unit]
	if !ok {
		return nil, fmt.Errorf("unit %d outside position map range [%d,%d]", unit, m.low, m.high)
	}
	return s, nil
}

// MustGet returns the slot for unit, panicking if out of range — used only
// where the caller has already validated InRange (an invariant violation
// otherwise, per spec.md §7).
func (m *Map) MustGet(unit int) *Slot {
	s, err := m.Get(unit)
	if err != nil {
		panic(err)
	}
	return s
}

// Reset clears every slot back to Empty, used during RESET rebasing, and
// recomputes prices against the new quantiser.
func (m *Map) Reset(q *Quantiser) {
	for u := m.low; u <= m.high; u++ {
		m.slots[u] = &Slot{
			Unit:   u,
			Price:  q.PriceAt(u),
			Status: StatusEmpty,
		}
	}
}

// Snapshot returns the order id of every slot currently Pending or Active,
// keyed by unit — the subset persisted in the engine snapshot.
func (m *Map) Snapshot() map[int]string {
	out := make(map[int]string)
	for u, s := range m.slots {
		if s.Status == StatusPending || s.Status == StatusActive {
			out[u] = s.OrderID
		}
	}
	return out
}

// Bounds returns the configured operating range.
func (m *Map) Bounds() (int, int) {
	return m.low, m.high
}
