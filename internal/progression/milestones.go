package progression

import "github.com/nomo-app/backend/internal/content"

// MilestoneReward reports a milestone reached during an award.
type MilestoneReward struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	XP   int    `json:"xp"`
}

// reached reports whether st satisfies every threshold m sets.
func reached(m content.Milestone, st *State) bool {
	if m.Sessions <= 0 && m.Minutes <= 0 {
		return false
	}
	if m.Sessions > 0 && st.SessionCount < m.Sessions {
		return false
	}
	if m.Minutes > 0 && st.CumulativeFocusMinutes < float64(m.Minutes) {
		return false
	}
	return true
}

// grantMilestones records every newly reached milestone and applies its XP
// through the direct path, folding level changes and unlocks into res.
// Must be called with e.mu held.
func (e *Engine) grantMilestones(st *State, res *AwardResult) {
	for _, m := range e.milestones {
		if _, done := st.Milestones[m.ID]; done || !reached(m, st) {
			continue
		}
		st.Milestones[m.ID] = e.now().UTC()
		res.Milestones = append(res.Milestones, MilestoneReward{ID: m.ID, Name: m.Name, XP: m.XP})
		if m.XP <= 0 {
			continue
		}
		grant := e.applyXP(st, m.XP)
		res.Unlocks = append(res.Unlocks, grant.Unlocks...)
		res.NewLevel = grant.NewLevel
		res.LeveledUp = res.NewLevel > res.OldLevel
	}
}
