// Package persist implements the CycleState snapshot store, selecting
// between sqlite and postgres by connection-string shape exactly as the
// teacher's database layer does, per spec.md §6.
package persist

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Snapshot is the persisted record of spec.md §6: "On any non-trivial
// state change, the engine atomically writes a snapshot containing
// {entry_price, unit_size, current_unit, peak_unit, valley_unit, phase,
// trailing_stop, trailing_buy, position_map order_ids, cycle_index,
// cumulative_growth, initial_order_id, startup_timestamp}".
type Snapshot struct {
	Symbol string `gorm:"primaryKey"`

	EntryPrice string
	UnitSize   string

	CurrentUnit       int
	PeakUnit          int
	ValleyUnit        int
	Phase             string
	LongFragmentAsset string

	TrailingStop string // comma-separated signed ints, sorted ascending
	TrailingBuy  string

	PositionMapOrderIDs string // JSON-encoded map[int]string

	CycleIndex       uint32
	CumulativeGrowth string

	InitialOrderID   string
	StartupTimestamp time.Time

	UpdatedAt time.Time
}

// Store wraps the gorm connection to the snapshot table.
type Store struct {
	db *gorm.DB
}

// Open connects to path, selecting the postgres driver when path looks
// like a postgres connection string (postgres:// or postgresql://) and
// sqlite otherwise — the same dispatch the teacher's database layer uses.
func Open(path string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		dialector = postgres.Open(path)
	} else {
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}

	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, fmt.Errorf("persist: automigrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Save upserts the snapshot for symbol.
func (s *Store) Save(snap Snapshot) error {
	snap.UpdatedAt = time.Now()
	return s.db.Save(&snap).Error
}

// Load fetches the most recent snapshot for symbol, or (Snapshot{}, false,
// nil) if none exists yet (first run).
func (s *Store) Load(symbol string) (Snapshot, bool, error) {
	var snap Snapshot
	err := s.db.First(&snap, "symbol = ?", symbol).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("persist: load %s: %w", symbol, err)
	}
	return snap, true, nil
}

// EncodeUnits renders a sorted unit slice as the comma-separated string
// format TrailingStop/TrailingBuy are stored in.
func EncodeUnits(units []int) string {
	parts := make([]string, len(units))
	for i, u := range units {
		parts[i] = fmt.Sprintf("%d", u)
	}
	return strings.Join(parts, ",")
}

// DecodeUnits parses the comma-separated format back into a unit slice.
func DecodeUnits(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		var u int
		if _, err := fmt.Sscanf(p, "%d", &u); err != nil {
			return nil, fmt.Errorf("persist: decode unit %q: %w", p, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// EncodeOrderIDs renders a unit->orderID map as the small JSON object
// PositionMapOrderIDs is stored in.
func EncodeOrderIDs(m map[int]string) string {
	if len(m) == 0 {
		return "{}"
	}
	unitList := make([]int, 0, len(m))
	for u := range m {
		unitList = append(unitList, u)
	}
	sort.Ints(unitList)

	var b strings.Builder
	b.WriteByte('{')
	for i, u := range unitList {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%q", strconv.Itoa(u), m[u])
	}
	b.WriteByte('}')
	return b.String()
}

// DecodeOrderIDs parses the PositionMapOrderIDs format back into a
// unit->orderID map, restoring a rehydrated PositionMap's order ids so
// fills arriving after a crash still match their slot.
func DecodeOrderIDs(s string) (map[int]string, error) {
	if s == "" || s == "{}" {
		return map[int]string{}, nil
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("persist: decode position map order ids: %w", err)
	}
	out := make(map[int]string, len(raw))
	for k, v := range raw {
		u, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("persist: decode position map order ids: bad unit %q: %w", k, err)
		}
		out[u] = v
	}
	return out, nil
}

// EncodeDecimal and DecodeDecimal keep the snapshot's decimal fields exact
// through their string-column round trip.
func EncodeDecimal(d decimal.Decimal) string { return d.String() }

func DecodeDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
