package progression

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// State is the persistent progression record. CurrentLevel and
// UnlockedWorldIDs are derived from TotalExperience and are only stored so
// older clients can read them.
type State struct {
	Version int `json:"version"`

	TotalExperience    int      `json:"totalExperience"`
	CurrentLevel       int      `json:"currentLevel"`
	UnlockedContentIDs []string `json:"unlockedContentIds"`
	ActiveWorldID      string   `json:"activeWorldId"`
	UnlockedWorldIDs   []string `json:"unlockedWorldIds"`

	// Informational accumulators, not used for level derivation.
	CumulativeFocusMinutes float64 `json:"cumulativeFocusMinutes"`
	SessionCount           int     `json:"sessionCount"`

	Milestones map[string]time.Time `json:"milestones,omitempty"`

	// ResetGeneration counts explicit resets. A record from a later
	// generation replaces one from an earlier generation instead of merging.
	ResetGeneration int `json:"resetGeneration,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is the read-only view handed to UI collaborators.
type Snapshot struct {
	TotalExperience        int      `json:"totalExperience"`
	CurrentLevel           int      `json:"currentLevel"`
	MaxLevel               int      `json:"maxLevel"`
	XPToNextLevel          int      `json:"xpToNextLevel"`
	LevelProgressPercent   float64  `json:"levelProgressPercent"`
	UnlockedContentIDs     []string `json:"unlockedContentIds"`
	ActiveWorldID          string   `json:"activeWorldId"`
	UnlockedWorldIDs       []string `json:"unlockedWorldIds"`
	CumulativeFocusMinutes float64  `json:"cumulativeFocusMinutes"`
	SessionCount           int      `json:"sessionCount"`
	Milestones             []string `json:"milestones"`
}

// clone returns a deep copy of st.
func (st *State) clone() *State {
	cp := *st
	cp.UnlockedContentIDs = slices.Clone(st.UnlockedContentIDs)
	cp.UnlockedWorldIDs = slices.Clone(st.UnlockedWorldIDs)
	cp.Milestones = maps.Clone(st.Milestones)
	return &cp
}

// sameProgress reports whether a and b describe the same player-visible
// progression, ignoring timestamps and version.
func sameProgress(a, b *State) bool {
	if a.ResetGeneration != b.ResetGeneration ||
		a.TotalExperience != b.TotalExperience ||
		a.CurrentLevel != b.CurrentLevel ||
		a.ActiveWorldID != b.ActiveWorldID ||
		a.CumulativeFocusMinutes != b.CumulativeFocusMinutes ||
		a.SessionCount != b.SessionCount {
		return false
	}
	if !sameSet(a.UnlockedContentIDs, b.UnlockedContentIDs) ||
		!slices.Equal(a.UnlockedWorldIDs, b.UnlockedWorldIDs) {
		return false
	}
	if len(a.Milestones) != len(b.Milestones) {
		return false
	}
	for id := range a.Milestones {
		if _, ok := b.Milestones[id]; !ok {
			return false
		}
	}
	return true
}

// sameSet compares id lists ignoring order. Content lists grow by appending,
// so two processes can hold the same ids in different orders.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func (e *Engine) snapshotLocked() Snapshot {
	st := e.state
	ids := make([]string, 0, len(st.Milestones))
	for id := range st.Milestones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Snapshot{
		TotalExperience:        st.TotalExperience,
		CurrentLevel:           st.CurrentLevel,
		MaxLevel:               e.curve.MaxLevel(),
		XPToNextLevel:          e.curve.XPToNext(st.TotalExperience),
		LevelProgressPercent:   e.curve.ProgressPercent(st.TotalExperience, st.CurrentLevel),
		UnlockedContentIDs:     slices.Clone(st.UnlockedContentIDs),
		ActiveWorldID:          st.ActiveWorldID,
		UnlockedWorldIDs:       slices.Clone(st.UnlockedWorldIDs),
		CumulativeFocusMinutes: st.CumulativeFocusMinutes,
		SessionCount:           st.SessionCount,
		Milestones:             ids,
	}
}

// defaultState returns the first-run record: level 0 with starter content.
func (e *Engine) defaultState() *State {
	creatures, worlds := e.unlocks.ContentAt(0)
	st := &State{
		Version:            schemaVersion,
		UnlockedContentIDs: creatures,
		UnlockedWorldIDs:   worlds,
		ActiveWorldID:      e.tables.StarterWorld(),
		Milestones:         make(map[string]time.Time),
	}
	if st.UnlockedContentIDs == nil {
		st.UnlockedContentIDs = []string{}
	}
	if st.UnlockedWorldIDs == nil {
		st.UnlockedWorldIDs = []string{}
	}
	return st
}

// normalize restores the derived fields of a loaded or merged record:
// CurrentLevel from XP, worlds from level, content as a superset of what the
// level grants, and an active world that is actually unlocked.
func (e *Engine) normalize(st *State) {
	st.Version = schemaVersion
	st.TotalExperience = max(st.TotalExperience, 0)
	st.CumulativeFocusMinutes = max(st.CumulativeFocusMinutes, 0)
	st.SessionCount = max(st.SessionCount, 0)
	if st.Milestones == nil {
		st.Milestones = make(map[string]time.Time)
	}

	st.CurrentLevel = e.curve.LevelForXP(st.TotalExperience)
	e.rederive(st)
}

// rederive recomputes the content and world sets for st.CurrentLevel.
// Content only ever grows.
func (e *Engine) rederive(st *State) {
	creatures, worlds := e.unlocks.ContentAt(st.CurrentLevel)
	for _, id := range creatures {
		st.UnlockedContentIDs = appendUnique(st.UnlockedContentIDs, id)
	}
	if st.UnlockedContentIDs == nil {
		st.UnlockedContentIDs = []string{}
	}
	if worlds == nil {
		worlds = []string{}
	}
	st.UnlockedWorldIDs = worlds
	if !slices.Contains(st.UnlockedWorldIDs, st.ActiveWorldID) {
		st.ActiveWorldID = ""
		if n := len(st.UnlockedWorldIDs); n > 0 {
			st.ActiveWorldID = st.UnlockedWorldIDs[n-1]
		}
	}
}
