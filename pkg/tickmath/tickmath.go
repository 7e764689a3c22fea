// Package tickmath provides the small numeric helpers the execution
// engine needs: tick-aligned price rounding and
// distance-to-points conversion. Kept separate from domain logic, the same
// way pkg/formulas sits next to, but independent of, the modules that
// consume it.
package tickmath

import "math"

// RoundToTick rounds price to the nearest multiple of tick, symmetric
// around zero (round(price/tick)*tick). A non-positive tick is treated as
// "no rounding" since a contract's tick size is always a positive constant
// in practice and callers should never construct one otherwise.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// PointsFromDistance converts a TP/SL leg's configured distance into
// points, given the units it was configured in. entryPrice is required
// for percent-based distances.
func PointsFromDistance(distance float64, unit string, tick float64, entryPrice float64) float64 {
	switch unit {
	case "ticks":
		return distance * tick
	case "points":
		return distance
	case "percent":
		return entryPrice * distance / 100.0
	default:
		return distance
	}
}

// TrimQuantity resolves a TP leg's trim size (contracts or percent of the
// total entry quantity) into an absolute contract count.
func TrimQuantity(trim float64, unit string, totalQty float64) float64 {
	if unit == "percent" {
		return totalQty * trim / 100.0
	}
	return trim
}

// Cap applies max as a symmetric bound on a signed quantity. max <= 0
// means unlimited; see domain.Cap for the shared rule this mirrors for
// pure-numeric callers that don't want to import the domain package.
func Cap(qty, max float64) float64 {
	if max <= 0 {
		return qty
	}
	if qty > max {
		return max
	}
	if qty < -max {
		return -max
	}
	return qty
}

// RoundQty rounds a quantity to the nearest whole contract. Futures
// contracts in this core are always traded in whole units.
func RoundQty(qty float64) float64 {
	return math.Round(qty)
}
