package progression

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nomo-app/backend/internal/storage"
)

const (
	// schemaVersion is bumped when the record layout changes; older layouts
	// go through migrations before salvage.
	schemaVersion = 2

	// StateKey is the canonical storage key of the progression record.
	StateKey = "nomo_progression"

	// levelTrustTolerance is how far below a persisted level's threshold the
	// XP may sit for that level to be trusted over the derived one.
	levelTrustTolerance = 0.10
)

// legacyKeys held the record in earlier releases, newest first.
var legacyKeys = []string{"nomo_xp_system", "petIsland_xpSystem"}

// migration rewrites a loosely decoded record from one legacy shape towards
// the current one. Migrations run in order and must be idempotent.
type migration struct {
	name  string
	apply func(fields map[string]json.RawMessage) bool
}

var migrations = []migration{
	{name: "unwrap_state", apply: unwrapState},
	{name: "rename_v1_fields", apply: renameV1Fields},
}

// v1Aliases maps current field names to the names older builds used.
var v1Aliases = map[string][]string{
	"totalExperience":        {"currentXP", "totalXP", "xp"},
	"currentLevel":           {"level"},
	"unlockedContentIds":     {"unlockedAnimals", "unlockedPets"},
	"activeWorldId":          {"currentBiome", "selectedBiome"},
	"unlockedWorldIds":       {"availableBiomes", "unlockedBiomes"},
	"cumulativeFocusMinutes": {"totalFocusMinutes"},
	"sessionCount":           {"totalSessions"},
}

// unwrapState lifts a record nested under a generic "state" field. Fields of
// the inner object win over the wrapper's.
func unwrapState(fields map[string]json.RawMessage) bool {
	raw, ok := fields["state"]
	if !ok {
		return false
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(raw, &inner); err != nil || inner == nil {
		return false
	}
	delete(fields, "state")
	for k, v := range inner {
		fields[k] = v
	}
	return true
}

func renameV1Fields(fields map[string]json.RawMessage) bool {
	changed := false
	for current, aliases := range v1Aliases {
		if _, ok := fields[current]; ok {
			continue
		}
		for _, alias := range aliases {
			if v, ok := fields[alias]; ok {
				fields[current] = v
				changed = true
				break
			}
		}
	}
	return changed
}

// decodeState parses a stored record. A record in the current schema is
// decoded strictly; anything else is migrated and then salvaged field by
// field, so one bad field never costs the rest. migrated reports whether the
// strict path was not taken. Only unparseable JSON is an error.
func decodeState(data []byte) (st *State, migrated bool, err error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var strict State
	if err := dec.Decode(&strict); err == nil && strict.Version == schemaVersion {
		return &strict, false, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, false, fmt.Errorf("parsing progression record: %w", err)
	}
	if fields == nil {
		return nil, false, fmt.Errorf("parsing progression record: not an object")
	}
	for _, m := range migrations {
		m.apply(fields)
	}
	return salvage(fields), true, nil
}

// salvage builds a State from loosely typed fields, defaulting whatever
// cannot be read.
func salvage(fields map[string]json.RawMessage) *State {
	st := &State{Version: schemaVersion}
	if n, ok := decodeCount(fields["totalExperience"]); ok {
		st.TotalExperience = n
	}
	if n, ok := decodeCount(fields["currentLevel"]); ok {
		st.CurrentLevel = n
	}
	if n, ok := decodeCount(fields["sessionCount"]); ok {
		st.SessionCount = n
	}
	if n, ok := decodeCount(fields["resetGeneration"]); ok {
		st.ResetGeneration = n
	}
	if f, ok := decodeFloat(fields["cumulativeFocusMinutes"]); ok && f >= 0 {
		st.CumulativeFocusMinutes = f
	}
	st.UnlockedContentIDs = decodeIDs(fields["unlockedContentIds"])
	st.UnlockedWorldIDs = decodeIDs(fields["unlockedWorldIds"])
	var world string
	if raw := fields["activeWorldId"]; raw != nil && json.Unmarshal(raw, &world) == nil {
		st.ActiveWorldID = world
	}
	var milestones map[string]time.Time
	if raw := fields["milestones"]; raw != nil && json.Unmarshal(raw, &milestones) == nil {
		st.Milestones = milestones
	}
	return st
}

// decodeCount reads a non-negative integer stored as a number or a numeric
// string.
func decodeCount(raw json.RawMessage) (int, bool) {
	f, ok := decodeFloat(raw)
	if !ok || f < 0 || f > math.MaxInt32 {
		return 0, false
	}
	return int(math.Floor(f)), true
}

func decodeFloat(raw json.RawMessage) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// decodeIDs reads a list of strings, skipping entries that are not
// non-empty strings. An unreadable list yields nil.
func decodeIDs(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil && s != "" {
			out = appendUnique(out, s)
		}
	}
	return out
}

func encodeState(st *State) ([]byte, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling progression: %w", err)
	}
	return append(data, '\n'), nil
}

// loadResult is the best record found across the canonical and legacy keys.
type loadResult struct {
	state *State
	key   string
	// rewrite is set when the record should be stored again under StateKey:
	// it came from a legacy key or needed migration.
	rewrite bool
}

// loadBest reads every candidate key and keeps the one with the most
// progress. A read failure on the canonical key is returned; failures on
// legacy keys and undecodable records are logged and skipped.
func loadBest(kv storage.KV) (*loadResult, error) {
	var best *loadResult
	for _, key := range append([]string{StateKey}, legacyKeys...) {
		data, ok, err := kv.Get(key)
		if err != nil {
			if key == StateKey {
				return nil, fmt.Errorf("reading progression: %w", err)
			}
			log.Printf("progression: skipping legacy key %s: %v", key, err)
			continue
		}
		if !ok {
			continue
		}
		st, migrated, err := decodeState(data)
		if err != nil {
			log.Printf("progression: discarding unreadable record under %s: %v", key, err)
			continue
		}
		if best == nil || moreProgress(st, best.state) {
			best = &loadResult{state: st, key: key, rewrite: migrated || key != StateKey}
		}
	}
	return best, nil
}

// moreProgress orders records by reset generation, then XP, then level.
func moreProgress(a, b *State) bool {
	if a.ResetGeneration != b.ResetGeneration {
		return a.ResetGeneration > b.ResetGeneration
	}
	if a.TotalExperience != b.TotalExperience {
		return a.TotalExperience > b.TotalExperience
	}
	return a.CurrentLevel > b.CurrentLevel
}
