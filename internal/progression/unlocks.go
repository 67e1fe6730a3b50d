package progression

import (
	"errors"
	"slices"

	"github.com/nomo-app/backend/internal/content"
)

// UnlockKind identifies what a level-up revealed.
type UnlockKind string

const (
	UnlockCreature UnlockKind = "creature"
	UnlockWorld    UnlockKind = "world"
)

// ErrWorldLocked is returned when travelling to a world the player has not
// reached yet.
var ErrWorldLocked = errors.New("world not unlocked")

// Unlock is one piece of content crossed during a level-up.
type Unlock struct {
	Kind          UnlockKind `json:"kind"`
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	LevelRequired int        `json:"levelRequired"`
}

// UnlockResolver answers which content becomes available between two levels.
type UnlockResolver struct {
	creatures []content.Creature
	worlds    []content.World
}

// NewUnlockResolver creates a resolver over the creature and world tables.
func NewUnlockResolver(t *content.Tables) *UnlockResolver {
	return &UnlockResolver{creatures: t.Creatures, worlds: t.Worlds}
}

// Crossed returns every unlock with oldLevel < LevelRequired <= newLevel.
// Within one level creatures come before worlds, each in table order.
func (r *UnlockResolver) Crossed(oldLevel, newLevel int) []Unlock {
	if newLevel <= oldLevel {
		return nil
	}
	var out []Unlock
	for level := oldLevel + 1; level <= newLevel; level++ {
		for _, c := range r.creatures {
			if c.Level == level {
				out = append(out, Unlock{Kind: UnlockCreature, ID: c.ID, Name: c.Name, LevelRequired: level})
			}
		}
		for _, w := range r.worlds {
			if w.Level == level {
				out = append(out, Unlock{Kind: UnlockWorld, ID: w.ID, Name: w.Name, LevelRequired: level})
			}
		}
	}
	return out
}

// ContentAt returns the creature IDs and world IDs available at level, in
// table order.
func (r *UnlockResolver) ContentAt(level int) (creatures, worlds []string) {
	for _, c := range r.creatures {
		if c.Level <= level {
			creatures = append(creatures, c.ID)
		}
	}
	for _, w := range r.worlds {
		if w.Level <= level {
			worlds = append(worlds, w.ID)
		}
	}
	return creatures, worlds
}

// applyUnlocks merges unlocks into st. The first newly added world becomes
// the active world; already-known content is skipped.
func applyUnlocks(st *State, unlocks []Unlock) {
	travelled := false
	for _, u := range unlocks {
		switch u.Kind {
		case UnlockCreature:
			st.UnlockedContentIDs = appendUnique(st.UnlockedContentIDs, u.ID)
		case UnlockWorld:
			if slices.Contains(st.UnlockedWorldIDs, u.ID) {
				continue
			}
			st.UnlockedWorldIDs = append(st.UnlockedWorldIDs, u.ID)
			if !travelled {
				st.ActiveWorldID = u.ID
				travelled = true
			}
		}
	}
}

func appendUnique(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}
