package progression

import (
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/nomo-app/backend/internal/content"
	"github.com/nomo-app/backend/internal/storage"
)

const defaultMaxDirectXP = 100_000

const (
	// MaxSessionMinutes caps the length of one focus session.
	MaxSessionMinutes = 24 * 60
	// MaxSubscriptionMultiplier caps the entitlement scaling of session XP.
	MaxSubscriptionMultiplier = 10.0

	// maxTotalXP keeps the record within what the loader reads back.
	maxTotalXP = math.MaxInt32
)

// RemoteSink receives progress for delivery to the remote store. Both
// methods must return without waiting on the network.
type RemoteSink interface {
	PushProgress(xp, level int)
	RecordSession(minutes float64, xpGained int)
}

// EventType classifies engine notifications.
type EventType string

const (
	EventAward         EventType = "award"
	EventWorldSwitched EventType = "world_switched"
	EventReset         EventType = "reset"
	EventReconciled    EventType = "reconciled"
	EventExternal      EventType = "external"
)

// Event carries the state after one mutation. Award is set for EventAward.
type Event struct {
	Type     EventType    `json:"type"`
	Snapshot Snapshot     `json:"snapshot"`
	Award    *AwardResult `json:"award,omitempty"`
}

// AwardResult reports what one award did.
type AwardResult struct {
	XPGained               int               `json:"xpGained"`
	DurationXP             int               `json:"durationXp"`
	BaseXP                 int               `json:"baseXp"`
	BonusXP                int               `json:"bonusXp"`
	BonusTier              string            `json:"bonusTier"`
	BonusMultiplier        float64           `json:"bonusMultiplier"`
	SubscriptionMultiplier float64           `json:"subscriptionMultiplier"`
	OldLevel               int               `json:"oldLevel"`
	NewLevel               int               `json:"newLevel"`
	LeveledUp              bool              `json:"leveledUp"`
	Unlocks                []Unlock          `json:"unlocks"`
	Milestones             []MilestoneReward `json:"milestones,omitempty"`
	TotalExperience        int               `json:"totalExperience"`
	Reason                 string            `json:"reason,omitempty"`
}

// RemoteSnapshot is the progress held by the remote store.
type RemoteSnapshot struct {
	XP    int
	Level int
}

// Options configures an Engine. Tables and Storage are required.
type Options struct {
	Tables  *content.Tables
	Storage storage.KV
	// Remote may be nil for a local-only engine.
	Remote RemoteSink
	// Rand drives bonus rolls; nil uses math/rand/v2.
	Rand RandSource
	// Milestones enables the one-time grants in Tables.Milestones.
	Milestones  bool
	MaxDirectXP int
	Now         func() time.Time
}

// Engine owns the canonical progression state. All mutations are serialized;
// subscribers observe them in order.
type Engine struct {
	mu sync.Mutex

	tables     *content.Tables
	curve      *Curve
	unlocks    *UnlockResolver
	bonus      *BonusRoller
	milestones []content.Milestone
	maxDirect  int
	now        func() time.Time

	kv       storage.KV
	degraded bool
	remote   RemoteSink
	state    *State

	subs        map[int]func(Event)
	nextSub     int
	pending     []Event
	dispatching bool
}

// New creates an Engine and loads the persisted record. Unreadable storage
// does not fail construction: the engine logs and runs in memory.
func New(opts Options) (*Engine, error) {
	if opts.Tables == nil {
		return nil, errors.New("progression: content tables are required")
	}
	if opts.Storage == nil {
		return nil, errors.New("progression: storage is required")
	}
	if opts.Tables.MaxLevel < 1 || len(opts.Tables.LevelThresholds) < 2 {
		return nil, errors.New("progression: level table needs at least two levels")
	}
	e := &Engine{
		tables:    opts.Tables,
		curve:     NewCurve(opts.Tables),
		unlocks:   NewUnlockResolver(opts.Tables),
		bonus:     NewBonusRoller(opts.Tables.BonusTiers, opts.Rand),
		maxDirect: opts.MaxDirectXP,
		now:       opts.Now,
		kv:        opts.Storage,
		remote:    opts.Remote,
		subs:      make(map[int]func(Event)),
	}
	if opts.Milestones {
		e.milestones = opts.Tables.Milestones
	}
	if e.maxDirect <= 0 {
		e.maxDirect = defaultMaxDirectXP
	}
	if e.now == nil {
		e.now = time.Now
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = e.load()
	return e, nil
}

// load returns the best stored record, normalized, or the default state.
// Must be called with e.mu held.
func (e *Engine) load() *State {
	res, err := loadBest(e.kv)
	if err != nil {
		log.Printf("progression: storage unavailable, running in memory: %v", err)
		e.degrade()
		return e.defaultState()
	}
	if res == nil {
		return e.defaultState()
	}

	st := res.state
	e.recoverLevel(st)
	e.normalize(st)

	if res.rewrite {
		log.Printf("progression: migrating record from %s (xp=%d level=%d)", res.key, st.TotalExperience, st.CurrentLevel)
		e.persistLocked(st)
		e.dropLegacyKeys()
	}
	return st
}

// recoverLevel trusts a stored level above the XP-derived one when the XP is
// within levelTrustTolerance of that level's threshold, raising XP to match.
func (e *Engine) recoverLevel(st *State) {
	stored := min(st.CurrentLevel, e.curve.MaxLevel())
	derived := e.curve.LevelForXP(st.TotalExperience)
	if stored <= derived {
		return
	}
	need := e.curve.ThresholdFor(stored)
	if float64(st.TotalExperience) >= float64(need)*(1-levelTrustTolerance) {
		log.Printf("progression: trusting stored level %d over derived %d (xp %d -> %d)", stored, derived, st.TotalExperience, need)
		st.TotalExperience = need
		return
	}
	log.Printf("progression: stored level %d inconsistent with xp %d, using level %d", stored, st.TotalExperience, derived)
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. Events are delivered one at a time, in mutation order, by
// whichever goroutine is currently dispatching, outside the state lock; fn may
// call the engine.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// commit persists the state and publishes ev. It is entered with e.mu held
// and returns with it released.
func (e *Engine) commit(ev Event) {
	e.persistLocked(e.state)
	e.publishLocked(ev)
}

// publishLocked queues ev and, unless another goroutine is already
// dispatching, drains the queue. Entered with e.mu held, returns with it
// released.
func (e *Engine) publishLocked(ev Event) {
	ev.Snapshot = e.snapshotLocked()
	e.pending = append(e.pending, ev)
	if e.dispatching {
		e.mu.Unlock()
		return
	}
	e.dispatching = true
	for len(e.pending) > 0 {
		batch := e.pending
		e.pending = nil
		subs := make([]func(Event), 0, len(e.subs))
		for _, fn := range e.subs {
			subs = append(subs, fn)
		}
		e.mu.Unlock()
		for _, ev := range batch {
			for _, fn := range subs {
				fn(ev)
			}
		}
		e.mu.Lock()
	}
	e.dispatching = false
	e.mu.Unlock()
}

func (e *Engine) persistLocked(st *State) {
	st.Version = schemaVersion
	st.UpdatedAt = e.now().UTC()
	data, err := encodeState(st)
	if err != nil {
		log.Printf("progression: %v", err)
		return
	}
	if err := e.kv.Set(StateKey, data); err != nil {
		log.Printf("progression: failed to save, continuing in memory: %v", err)
		e.degrade()
		if err := e.kv.Set(StateKey, data); err != nil {
			log.Printf("progression: in-memory save failed: %v", err)
		}
	}
}

func (e *Engine) degrade() {
	if e.degraded {
		return
	}
	e.degraded = true
	e.kv = storage.NewMemoryKV()
}

func (e *Engine) dropLegacyKeys() {
	for _, key := range legacyKeys {
		if err := e.kv.Delete(key); err != nil {
			log.Printf("progression: failed to remove legacy key %s: %v", key, err)
		}
	}
}

// Degraded reports whether durable storage failed and state lives in memory.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Snapshot returns the current read-only view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// LevelProgressPercent is progress through the current level in [0,100].
func (e *Engine) LevelProgressPercent() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.curve.ProgressPercent(e.state.TotalExperience, e.state.CurrentLevel)
}

// Curve exposes the level curve the engine derives levels from.
func (e *Engine) Curve() *Curve {
	return e.curve
}

// Tables exposes the content the engine was built with.
func (e *Engine) Tables() *content.Tables {
	return e.tables
}

// AwardSessionXP grants XP for a completed focus session of the given length.
// The duration table gives the base, the subscription multiplier scales it,
// and a bonus roll may scale it again; each step rounds.
func (e *Engine) AwardSessionXP(minutes, subscriptionMultiplier float64) AwardResult {
	if math.IsNaN(minutes) || minutes < 0 {
		minutes = 0
	}
	minutes = min(minutes, MaxSessionMinutes)
	if math.IsNaN(subscriptionMultiplier) || subscriptionMultiplier <= 0 {
		subscriptionMultiplier = 1
	}
	subscriptionMultiplier = min(subscriptionMultiplier, MaxSubscriptionMultiplier)

	durationXP := e.tables.BaseXPForMinutes(minutes)
	base := int(math.Round(float64(durationXP) * subscriptionMultiplier))
	bonus := NoBonus
	if base > 0 {
		bonus = e.bonus.Roll()
	}
	final := int(math.Round(float64(base) * bonus.Multiplier))

	e.mu.Lock()
	e.refreshLocked()
	st := e.state
	st.CumulativeFocusMinutes += minutes
	st.SessionCount++

	res := e.applyXP(st, final)
	res.DurationXP = durationXP
	res.BaseXP = base
	res.BonusXP = final - base
	res.BonusTier = bonus.Tier
	res.BonusMultiplier = bonus.Multiplier
	res.SubscriptionMultiplier = subscriptionMultiplier
	e.grantMilestones(st, &res)
	res.TotalExperience = st.TotalExperience
	xp, level := st.TotalExperience, st.CurrentLevel

	e.commit(Event{Type: EventAward, Award: &res})

	if e.remote != nil {
		e.remote.RecordSession(minutes, final)
		e.remote.PushProgress(xp, level)
	}
	return res
}

// AwardDirectXP grants amount XP as-is, e.g. for achievements or daily
// bonuses. Non-positive amounts are ignored; large ones are clamped.
func (e *Engine) AwardDirectXP(amount int, reason string) AwardResult {
	amount = min(amount, e.maxDirect)

	e.mu.Lock()
	e.refreshLocked()
	st := e.state
	if amount <= 0 {
		res := AwardResult{
			OldLevel:        st.CurrentLevel,
			NewLevel:        st.CurrentLevel,
			BonusTier:       content.TierNone,
			BonusMultiplier: 1,
			Unlocks:         []Unlock{},
			TotalExperience: st.TotalExperience,
			Reason:          reason,
		}
		e.mu.Unlock()
		return res
	}

	res := e.applyXP(st, amount)
	res.BaseXP = amount
	res.BonusTier = content.TierNone
	res.BonusMultiplier = 1
	res.SubscriptionMultiplier = 1
	res.TotalExperience = st.TotalExperience
	res.Reason = reason
	xp, level := st.TotalExperience, st.CurrentLevel

	e.commit(Event{Type: EventAward, Award: &res})

	if e.remote != nil {
		e.remote.PushProgress(xp, level)
	}
	return res
}

// applyXP adds amount to st, derives the new level and merges any unlocks
// crossed. Must be called with e.mu held.
func (e *Engine) applyXP(st *State, amount int) AwardResult {
	oldLevel := st.CurrentLevel
	amount = max(min(amount, maxTotalXP-st.TotalExperience), 0)
	st.TotalExperience += amount
	newLevel := e.curve.LevelForXP(st.TotalExperience)

	unlocks := e.unlocks.Crossed(oldLevel, newLevel)
	applyUnlocks(st, unlocks)
	st.CurrentLevel = newLevel

	if unlocks == nil {
		unlocks = []Unlock{}
	}
	return AwardResult{
		XPGained:  amount,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		LeveledUp: newLevel > oldLevel,
		Unlocks:   unlocks,
	}
}

// SwitchActiveWorld travels to worldID if it is unlocked.
func (e *Engine) SwitchActiveWorld(worldID string) bool {
	e.mu.Lock()
	e.refreshLocked()
	st := e.state
	if !slices.Contains(st.UnlockedWorldIDs, worldID) {
		e.mu.Unlock()
		return false
	}
	if st.ActiveWorldID == worldID {
		e.mu.Unlock()
		return true
	}
	st.ActiveWorldID = worldID
	e.commit(Event{Type: EventWorldSwitched})
	return true
}

// Travel is SwitchActiveWorld with an error naming the refused world.
func (e *Engine) Travel(worldID string) error {
	if !e.SwitchActiveWorld(worldID) {
		return fmt.Errorf("%w: %q", ErrWorldLocked, worldID)
	}
	return nil
}

// ResetProgress returns to the first-run state. The remote store is not told.
// The new record carries the next reset generation so other processes adopt
// it instead of merging their progress back in.
func (e *Engine) ResetProgress() {
	e.mu.Lock()
	gen := e.state.ResetGeneration
	if stored, err := e.readStoredLocked(); err == nil && stored != nil {
		gen = max(gen, stored.ResetGeneration)
	}
	e.state = e.defaultState()
	e.state.ResetGeneration = gen + 1
	e.dropLegacyKeys()
	e.commit(Event{Type: EventReset})
}

// Reconcile merges a remote snapshot into local state, keeping the maximum
// XP and the maximum level independently. When the merged level is ahead of
// what the merged XP implies, XP is raised to that level's threshold so level
// stays derivable from XP. It reports whether local state changed.
func (e *Engine) Reconcile(remote RemoteSnapshot) bool {
	e.mu.Lock()
	e.refreshLocked()
	st := e.state
	remoteXP := min(max(remote.XP, 0), maxTotalXP)
	remoteLevel := min(max(remote.Level, 0), e.curve.MaxLevel())

	xp := max(st.TotalExperience, remoteXP)
	level := max(st.CurrentLevel, remoteLevel)
	if derived := e.curve.LevelForXP(xp); level > derived {
		xp = e.curve.ThresholdFor(level)
	} else {
		level = derived
	}

	changed := xp != st.TotalExperience || level != st.CurrentLevel
	localAhead := xp > remoteXP || level > remoteLevel
	if changed {
		st.TotalExperience = xp
		st.CurrentLevel = level
		e.rederive(st)
	}

	if !changed {
		e.mu.Unlock()
	} else {
		e.commit(Event{Type: EventReconciled})
	}

	if localAhead && e.remote != nil {
		e.remote.PushProgress(xp, level)
	}
	return changed
}

// Reload re-reads storage and merges a record another process wrote. Progress
// only moves forward: XP, counters, content and milestones take the greater
// of both records, and only a record from a later reset generation replaces
// local state outright. When storage turns out to be behind, the merged
// record is written back. The remote store is not told.
func (e *Engine) Reload() bool {
	e.mu.Lock()
	stored, err := e.readStoredLocked()
	if err != nil || stored == nil {
		e.mu.Unlock()
		if err != nil {
			log.Printf("progression: reload failed: %v", err)
		}
		return false
	}
	changed := e.mergeStored(stored)
	if !sameProgress(stored, e.state) {
		e.persistLocked(e.state)
	}
	if !changed {
		e.mu.Unlock()
		return false
	}
	e.publishLocked(Event{Type: EventExternal})
	return true
}

// refreshLocked folds in whatever another process stored since this engine
// last wrote, so a mutation never overwrites progress it has not seen.
// Must be called with e.mu held.
func (e *Engine) refreshLocked() {
	stored, err := e.readStoredLocked()
	if err != nil {
		log.Printf("progression: refresh failed: %v", err)
		return
	}
	if stored != nil {
		e.mergeStored(stored)
	}
}

// readStoredLocked returns the best stored record, normalized, or nil when
// nothing is stored.
func (e *Engine) readStoredLocked() (*State, error) {
	res, err := loadBest(e.kv)
	if err != nil || res == nil {
		return nil, err
	}
	e.normalize(res.state)
	return res.state, nil
}

// mergeStored folds stored into e.state and reports whether e.state changed.
// Must be called with e.mu held.
func (e *Engine) mergeStored(stored *State) bool {
	local := e.state
	switch {
	case stored.ResetGeneration < local.ResetGeneration:
		return false
	case stored.ResetGeneration > local.ResetGeneration:
		e.state = stored
		return true
	}

	merged := local.clone()
	merged.TotalExperience = max(local.TotalExperience, stored.TotalExperience)
	merged.SessionCount = max(local.SessionCount, stored.SessionCount)
	merged.CumulativeFocusMinutes = max(local.CumulativeFocusMinutes, stored.CumulativeFocusMinutes)
	for _, id := range stored.UnlockedContentIDs {
		merged.UnlockedContentIDs = appendUnique(merged.UnlockedContentIDs, id)
	}
	if merged.Milestones == nil {
		merged.Milestones = make(map[string]time.Time)
	}
	for id, at := range stored.Milestones {
		if _, ok := merged.Milestones[id]; !ok {
			merged.Milestones[id] = at
		}
	}
	if stored.UpdatedAt.After(local.UpdatedAt) && stored.ActiveWorldID != "" {
		merged.ActiveWorldID = stored.ActiveWorldID
	}
	e.normalize(merged)

	if sameProgress(merged, local) {
		return false
	}
	e.state = merged
	return true
}
