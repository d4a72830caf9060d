package window

// Phase is the derived four-state (plus transient RESET) view of window
// composition and transition history. Phase is never stored as an
// independent source of truth — it is recomputed from Window + History on
// every mutation, per spec.md §4.7 and §9.
type Phase string

const (
	Advance     Phase = "ADVANCE"
	Retracement Phase = "RETRACEMENT"
	Decline     Phase = "DECLINE"
	Recovery    Phase = "RECOVERY"
	Reset       Phase = "RESET"
)

// History carries the minimal transition memory the classifier needs beyond
// current window composition: whether a stop has ever fired this cycle, and
// whether the window has reached DECLINE (all-buys) this cycle. Without
// this, RETRACEMENT and RECOVERY would be indistinguishable from ADVANCE and
// DECLINE purely from window shape when buy/stop counts match by accident.
type History struct {
	EverFilledStop bool
	EverFilledBuy  bool
	ReachedDecline bool
	EverHeldBuy    bool
}

// Classify derives the phase from window composition and history, per the
// state machine of spec.md §4.7. Distinct event orderings that yield
// identical (window, history) pairs always yield identical phase — the
// "phase is a pure function" law of spec.md §8.
func Classify(w *Window, h History) Phase {
	stops := len(w.TrailingStop)
	buys := len(w.TrailingBuy)

	switch {
	case buys == 0 && stops == 4:
		switch {
		case h.ReachedDecline:
			// Completed a full down-then-up excursion: RECOVERY, and the
			// CycleController (consulted separately, per spec.md §4.5) will
			// fire RESET from here.
			return Recovery
		case h.EverFilledStop:
			// Retraced partway (a stop fired, a buy was held) but never
			// reached full DECLINE before sliding back to all-stops — the
			// spec.md §4.7 table's "stay in RETRACEMENT" branch.
			return Retracement
		default:
			return Advance
		}
	case stops == 0 && buys == 4:
		return Decline
	case h.ReachedDecline:
		return Recovery
	case h.EverFilledStop:
		return Retracement
	default:
		return Advance
	}
}
