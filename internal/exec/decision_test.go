package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/futures-core/internal/domain"
)

func TestDecide_EntryWhenFlat(t *testing.T) {
	d := Decide(domain.ActionBuy, false, domain.SideFlat, true)
	assert.Equal(t, DecisionEntry, d)
}

func TestDecide_AddOnWhenSameDirectionAndDCAEnabled(t *testing.T) {
	d := Decide(domain.ActionBuy, true, domain.SideLong, true)
	assert.Equal(t, DecisionAddOn, d)
}

func TestDecide_AddOffWhenSameDirectionAndDCADisabled(t *testing.T) {
	d := Decide(domain.ActionBuy, true, domain.SideLong, false)
	assert.Equal(t, DecisionAddOff, d)
}

func TestDecide_FlipOnOppositeDirection(t *testing.T) {
	d := Decide(domain.ActionSell, true, domain.SideLong, true)
	assert.Equal(t, DecisionFlip, d)
}

func TestDecide_ExplicitFlipActionFlipsOpenOrEntersFromFlat(t *testing.T) {
	assert.Equal(t, DecisionFlip, Decide(domain.ActionFlip, true, domain.SideShort, false))
	assert.Equal(t, DecisionEntry, Decide(domain.ActionFlip, false, domain.SideFlat, false))
}

func TestDecide_CloseRequiresMatchingSide(t *testing.T) {
	assert.Equal(t, DecisionClose, Decide(domain.ActionCloseLong, true, domain.SideLong, false))
	assert.Equal(t, DecisionNoop, Decide(domain.ActionCloseLong, true, domain.SideShort, false))
	assert.Equal(t, DecisionNoop, Decide(domain.ActionCloseLong, false, domain.SideFlat, false))
}

func TestDecide_BareCloseAndFlatBothCloseAnyOpenSide(t *testing.T) {
	assert.Equal(t, DecisionClose, Decide(domain.ActionClose, true, domain.SideShort, false))
	assert.Equal(t, DecisionClose, Decide(domain.ActionFlat, true, domain.SideLong, false))
	assert.Equal(t, DecisionNoop, Decide(domain.ActionClose, false, domain.SideFlat, false))
}
