package tickmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundToTick_AlignsToTickGrid(t *testing.T) {
	ticks := []float64{0.01, 0.10, 0.25, 1.0, 0.03125}
	prices := []float64{5123.17, 5123.30, 99.999, 1.0001, 0.0, -42.13}

	for _, tick := range ticks {
		for _, price := range prices {
			got := RoundToTick(price, tick)
			nearestMultiple := math.Round(got / tick)
			assert.InDelta(t, nearestMultiple*tick, got, 1e-9,
				"price %v rounded to tick %v should land on a tick multiple, got %v", price, tick, got)
		}
	}
}

func TestRoundToTick_NonPositiveTickIsNoOp(t *testing.T) {
	assert.Equal(t, 5123.17, RoundToTick(5123.17, 0))
	assert.Equal(t, 5123.17, RoundToTick(5123.17, -0.25))
}

func TestRoundToTick_KnownValues(t *testing.T) {
	assert.Equal(t, 5123.25, RoundToTick(5123.13, 0.25))
	assert.Equal(t, 5123.00, RoundToTick(5123.12, 0.25))
	assert.Equal(t, 100.0, RoundToTick(99.96, 1.0))
}

func TestPointsFromDistance_Ticks(t *testing.T) {
	assert.Equal(t, 1.0, PointsFromDistance(4, "ticks", 0.25, 5000))
}

func TestPointsFromDistance_Points(t *testing.T) {
	assert.Equal(t, 12.5, PointsFromDistance(12.5, "points", 0.25, 5000))
}

func TestPointsFromDistance_Percent(t *testing.T) {
	assert.Equal(t, 50.0, PointsFromDistance(1, "percent", 0.25, 5000))
}

func TestPointsFromDistance_UnknownUnitPassesThrough(t *testing.T) {
	assert.Equal(t, 7.0, PointsFromDistance(7, "furlongs", 0.25, 5000))
}

func TestTrimQuantity_Percent(t *testing.T) {
	assert.Equal(t, 2.5, TrimQuantity(50, "percent", 5))
}

func TestTrimQuantity_Contracts(t *testing.T) {
	assert.Equal(t, 3.0, TrimQuantity(3, "contracts", 5))
}

func TestCap_UnlimitedWhenMaxNonPositive(t *testing.T) {
	assert.Equal(t, 10.0, Cap(10, 0))
	assert.Equal(t, -10.0, Cap(-10, -1))
}

func TestCap_ClampsSymmetrically(t *testing.T) {
	assert.Equal(t, 5.0, Cap(10, 5))
	assert.Equal(t, -5.0, Cap(-10, 5))
	assert.Equal(t, 3.0, Cap(3, 5))
}

func TestRoundQty_RoundsToWholeContracts(t *testing.T) {
	assert.Equal(t, 3.0, RoundQty(2.6))
	assert.Equal(t, 2.0, RoundQty(2.4))
	assert.Equal(t, -3.0, RoundQty(-2.6))
}
