package exec

import "github.com/aristath/futures-core/internal/domain"

// Decision is the execution engine's six-way decision table result:
// Entry, AddOn (DCA add accepted), AddOff (same-direction signal with DCA
// disabled: the open record is closed as new_entry and a fresh bracket is
// placed), Close, Flip, and Trim. Trim isn't
// reached from Decide — it's driven by a take-profit leg fill event
// reported through the Streaming Hub, not by an incoming signal, so it has
// its own entry point (Engine.OnTakeProfitFill).
type Decision string

const (
	DecisionEntry  Decision = "entry"
	DecisionAddOn  Decision = "add_on"
	DecisionAddOff Decision = "add_off"
	DecisionClose  Decision = "close"
	DecisionFlip   Decision = "flip"
	DecisionTrim   Decision = "trim"
	DecisionNoop   Decision = "noop"
)

// DecideQty mirrors Decide's table but is driven by a signed quantity
// delta rather than a webhook action, for the copy engine's leader-qty ->
// follower-qty propagation: a leader going from flat to a position is an
// entry, same-sign growth is an add-on, a sign flip is a flip, shrinking
// toward (but not through) zero is a trim, and landing exactly on zero is
// a close.
func DecideQty(prev, target float64) Decision {
	switch {
	case prev == 0 && target == 0:
		return DecisionNoop
	case prev == 0:
		return DecisionEntry
	case target == 0:
		return DecisionClose
	case sign(prev) != sign(target):
		return DecisionFlip
	case abs(target) > abs(prev):
		return DecisionAddOn
	case abs(target) < abs(prev):
		return DecisionTrim
	default:
		return DecisionNoop
	}
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Decide maps an incoming signal action and the trader's current open
// position to exactly one decision-table branch. No truthiness: every
// comparison below is an explicit equality or "is-set" check, never a
// bare-float/zero-as-falsy test, per the banned-truthiness rule.
func Decide(action domain.Action, hasOpen bool, openSide domain.Side, addDownEnabled bool) Decision {
	switch action {
	case domain.ActionBuy, domain.ActionSell:
		signalSide := domain.SideLong
		if action == domain.ActionSell {
			signalSide = domain.SideShort
		}
		if !hasOpen {
			return DecisionEntry
		}
		if openSide == signalSide {
			if addDownEnabled {
				return DecisionAddOn
			}
			return DecisionAddOff
		}
		return DecisionFlip

	case domain.ActionCloseLong:
		if hasOpen && openSide == domain.SideLong {
			return DecisionClose
		}
		return DecisionNoop

	case domain.ActionCloseShort:
		if hasOpen && openSide == domain.SideShort {
			return DecisionClose
		}
		return DecisionNoop

	case domain.ActionClose, domain.ActionFlat:
		if hasOpen {
			return DecisionClose
		}
		return DecisionNoop

	case domain.ActionFlip:
		if hasOpen {
			return DecisionFlip
		}
		return DecisionEntry

	default:
		return DecisionNoop
	}
}
