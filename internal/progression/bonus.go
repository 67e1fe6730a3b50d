package progression

import (
	"math/rand/v2"

	"github.com/nomo-app/backend/internal/content"
)

// RandSource yields uniform values in [0,1).
type RandSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Bonus is the outcome of one bonus roll.
type Bonus struct {
	Multiplier float64 `json:"multiplier"`
	Tier       string  `json:"tier"`
}

// NoBonus is the neutral outcome.
var NoBonus = Bonus{Multiplier: 1, Tier: content.TierNone}

// BonusRoller draws weighted bonus tiers.
type BonusRoller struct {
	tiers []content.BonusTier
	rng   RandSource
}

// NewBonusRoller creates a roller over tiers. A nil rng uses math/rand/v2.
func NewBonusRoller(tiers []content.BonusTier, rng RandSource) *BonusRoller {
	if rng == nil {
		rng = globalRand{}
	}
	return &BonusRoller{tiers: tiers, rng: rng}
}

// Roll draws once in [0,100) and returns the first tier the draw falls under.
func (b *BonusRoller) Roll() Bonus {
	return b.tierFor(b.rng.Float64() * 100)
}

func (b *BonusRoller) tierFor(draw float64) Bonus {
	for _, t := range b.tiers {
		if draw < t.Below {
			return Bonus{Multiplier: t.Multiplier, Tier: t.Name}
		}
	}
	return NoBonus
}
