package content

// Level curve constants. Levels below Cutoff read straight from
// LevelThresholds; the table also carries the Cutoff's own value, which
// seeds the formulaic growth above it.
const (
	Cutoff   = 12
	MaxLevel = 50
)

// LevelThresholds holds the cumulative XP required to reach each level up to
// and including Cutoff. Index is the level.
var LevelThresholds = []int{
	0,    // 0
	15,   // 1
	40,   // 2
	80,   // 3
	140,  // 4
	200,  // 5
	280,  // 6
	380,  // 7
	500,  // 8
	650,  // 9
	820,  // 10
	1000, // 11
	1200, // 12
}

// GrowthRegime sets how much the per-level increment grows for every level
// up to and including UpTo.
type GrowthRegime struct {
	UpTo int
	Step int
}

// GrowthRegimes are ordered small, medium, large.
var GrowthRegimes = []GrowthRegime{
	{UpTo: 20, Step: 25},
	{UpTo: 35, Step: 50},
	{UpTo: MaxLevel, Step: 100},
}

// SessionAward maps a completed focus duration to its base XP.
type SessionAward struct {
	Minutes int `json:"minutes"`
	XP      int `json:"xp"`
}

// SessionAwards must stay sorted by Minutes.
var SessionAwards = []SessionAward{
	{Minutes: 25, XP: 25},
	{Minutes: 30, XP: 30},
	{Minutes: 45, XP: 50},
	{Minutes: 60, XP: 70},
	{Minutes: 90, XP: 110},
	{Minutes: 120, XP: 150},
	{Minutes: 180, XP: 240},
}

// BonusTier is one band of the random bonus roll. A roll in [0,100) lands in
// the first tier whose Below it is under.
type BonusTier struct {
	Name       string
	Below      float64
	Multiplier float64
}

const (
	TierJackpot    = "jackpot"
	TierSuperLucky = "super_lucky"
	TierLucky      = "lucky"
	TierNone       = "none"
)

var BonusTiers = []BonusTier{
	{Name: TierJackpot, Below: 5, Multiplier: 2.5},
	{Name: TierSuperLucky, Below: 15, Multiplier: 1.75},
	{Name: TierLucky, Below: 35, Multiplier: 1.5},
	{Name: TierNone, Below: 100, Multiplier: 1.0},
}

// Tables bundles every static table the progression engine reads. The zero
// value is not useful; use Default.
type Tables struct {
	LevelThresholds []int
	Cutoff          int
	MaxLevel        int
	GrowthRegimes   []GrowthRegime
	SessionAwards   []SessionAward
	BonusTiers      []BonusTier
	Creatures       []Creature
	Worlds          []World
	Milestones      []Milestone
}

// Default returns the shipped content.
func Default() *Tables {
	return &Tables{
		LevelThresholds: LevelThresholds,
		Cutoff:          Cutoff,
		MaxLevel:        MaxLevel,
		GrowthRegimes:   GrowthRegimes,
		SessionAwards:   SessionAwards,
		BonusTiers:      BonusTiers,
		Creatures:       Creatures,
		Worlds:          Worlds,
		Milestones:      Milestones,
	}
}

// BaseXPForMinutes returns the XP of the largest award whose Minutes does not
// exceed minutes. Sessions shorter than the first award earn nothing.
func (t *Tables) BaseXPForMinutes(minutes float64) int {
	xp := 0
	for _, a := range t.SessionAwards {
		if float64(a.Minutes) > minutes {
			break
		}
		xp = a.XP
	}
	return xp
}

// StarterWorld is the first world in table order with no level requirement.
func (t *Tables) StarterWorld() string {
	for _, w := range t.Worlds {
		if w.Level == 0 {
			return w.ID
		}
	}
	if len(t.Worlds) > 0 {
		return t.Worlds[0].ID
	}
	return ""
}
