package progression

import "github.com/nomo-app/backend/internal/content"

// Curve maps cumulative XP to levels.
//
// Cost model (hybrid): levels up to the cutoff read their threshold from the
// content table. Past the cutoff each level costs the previous level's cost
// plus a step, and the step grows through successive regimes:
//
//	T(c)   = table[c]
//	inc(c) = table[c] - table[c-1]
//	inc(L) = inc(L-1) + step(L)
//	T(L)   = T(L-1) + inc(L)
//
// Every threshold from 0 to the max level is computed once in NewCurve.
type Curve struct {
	thresholds []int
	maxLevel   int
}

// NewCurve builds and memoizes the threshold curve described by t.
func NewCurve(t *content.Tables) *Curve {
	maxLevel := max(t.MaxLevel, 0)
	cutoff := max(min(t.Cutoff, len(t.LevelThresholds)-1, maxLevel), 0)

	thresholds := make([]int, maxLevel+1)
	for l := 1; l <= cutoff; l++ {
		thresholds[l] = t.LevelThresholds[l]
	}

	inc := 0
	if cutoff > 0 {
		inc = thresholds[cutoff] - thresholds[cutoff-1]
	}
	for l := cutoff + 1; l <= maxLevel; l++ {
		inc += regimeStep(t.GrowthRegimes, l)
		thresholds[l] = thresholds[l-1] + inc
	}

	return &Curve{thresholds: thresholds, maxLevel: maxLevel}
}

// regimeStep returns the step of the first regime covering level. Levels
// beyond the last regime keep its step.
func regimeStep(regimes []content.GrowthRegime, level int) int {
	for _, r := range regimes {
		if level <= r.UpTo {
			return r.Step
		}
	}
	if len(regimes) == 0 {
		return 0
	}
	return regimes[len(regimes)-1].Step
}

// MaxLevel is the level ceiling. XP keeps accumulating past its threshold.
func (c *Curve) MaxLevel() int {
	return c.maxLevel
}

// ThresholdFor returns the minimum cumulative XP for level, clamped to
// [0, MaxLevel].
func (c *Curve) ThresholdFor(level int) int {
	level = min(max(level, 0), c.maxLevel)
	return c.thresholds[level]
}

// LevelForXP returns the largest level whose threshold does not exceed xp.
func (c *Curve) LevelForXP(xp int) int {
	level := 0
	for level < c.maxLevel && xp >= c.thresholds[level+1] {
		level++
	}
	return level
}

// XPToNext returns how much XP is still missing for the next level, or 0 at
// the ceiling.
func (c *Curve) XPToNext(xp int) int {
	level := c.LevelForXP(xp)
	if level >= c.maxLevel {
		return 0
	}
	return c.thresholds[level+1] - xp
}

// ProgressPercent reports progress through the current level in [0,100].
// At the ceiling progress is always 100.
func (c *Curve) ProgressPercent(xp, level int) float64 {
	if level >= c.maxLevel {
		return 100
	}
	level = max(level, 0)
	lo := c.thresholds[level]
	hi := c.thresholds[level+1]
	if hi <= lo {
		return 100
	}
	pct := float64(xp-lo) / float64(hi-lo) * 100
	return min(max(pct, 0), 100)
}
