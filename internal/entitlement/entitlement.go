// Package entitlement reads the cached subscription record the native shell
// writes after validating a store receipt.
package entitlement

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nomo-app/backend/internal/storage"
)

// Key is the storage key of the cached record.
const Key = "nomo_entitlement"

const (
	TierFree = "free"
	TierPlus = "plus"
	TierPro  = "pro"
)

// Record is the cached entitlement. A nil ExpiresAt never expires.
type Record struct {
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Cache maps the cached record to a session XP multiplier.
type Cache struct {
	kv          storage.KV
	multipliers map[string]float64
	now         func() time.Time
}

// NewCache returns a Cache over kv. multipliers maps tier names to their
// multiplier; unknown tiers get 1.
func NewCache(kv storage.KV, multipliers map[string]float64) *Cache {
	m := make(map[string]float64, len(multipliers))
	for tier, v := range multipliers {
		m[strings.ToLower(tier)] = v
	}
	return &Cache{kv: kv, multipliers: m, now: time.Now}
}

// Record returns the cached record and whether one is usable.
func (c *Cache) Record() (Record, bool) {
	data, ok, err := c.kv.Get(Key)
	if err != nil {
		log.Printf("entitlement: read failed: %v", err)
		return Record{}, false
	}
	if !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Printf("entitlement: ignoring malformed record: %v", err)
		return Record{}, false
	}
	return rec, true
}

// Active reports whether rec is unexpired at the cache's current time.
func (c *Cache) Active(rec Record) bool {
	return rec.ExpiresAt == nil || c.now().Before(*rec.ExpiresAt)
}

// SubscriptionMultiplier is 1 unless a known, unexpired tier is cached.
func (c *Cache) SubscriptionMultiplier() float64 {
	rec, ok := c.Record()
	if !ok || !c.Active(rec) {
		return 1
	}
	m, ok := c.multipliers[strings.ToLower(rec.Tier)]
	if !ok || m < 1 {
		return 1
	}
	return m
}

// Set replaces the cached record.
func (c *Cache) Set(rec Record) error {
	if strings.TrimSpace(rec.Tier) == "" {
		return fmt.Errorf("entitlement: tier is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling entitlement: %w", err)
	}
	if err := c.kv.Set(Key, data); err != nil {
		return fmt.Errorf("saving entitlement: %w", err)
	}
	return nil
}
