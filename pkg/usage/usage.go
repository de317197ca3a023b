// Package usage accumulates per-owner, per-day token consumption.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/dan-solli/talebranch/pkg/capability"
)

// Category groups capability calls for billing.
type Category string

const (
	CategoryInteraction   Category = "interaction"
	CategoryTranslation   Category = "translation"
	CategorySummarization Category = "summarization"
)

// Categories lists every category in storage column order.
var Categories = []Category{CategoryInteraction, CategoryTranslation, CategorySummarization}

// Tiers lists every tier in storage column order.
var Tiers = []capability.Tier{capability.TierStandard, capability.TierPremium}

// Counter is the accumulated cost of one (category, tier) pair.
type Counter struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	Queries      int64 `json:"queries"`
}

// Key identifies one counter.
type Key struct {
	Category Category
	Tier     capability.Tier
}

// Delta is a set of counter increments. The zero value is empty and ready to use.
type Delta map[Key]Counter

// Add records one query of cat under tier.
func (d Delta) Add(cat Category, tier capability.Tier, u capability.Usage) {
	k := Key{Category: cat, Tier: tier}
	c := d[k]
	c.InputTokens += u.InputTokens
	c.OutputTokens += u.OutputTokens
	c.Queries++
	d[k] = c
}

// Empty reports whether the delta carries no queries.
func (d Delta) Empty() bool {
	for _, c := range d {
		if c.Queries != 0 || c.InputTokens != 0 || c.OutputTokens != 0 {
			return false
		}
	}
	return true
}

// Daily is the usage of one owner on one UTC day.
type Daily struct {
	OwnerID  string          `json:"ownerId"`
	Day      time.Time       `json:"day"`
	Counters map[Key]Counter `json:"-"`
}

// Get returns the counter for (cat, tier).
func (d *Daily) Get(cat Category, tier capability.Tier) Counter {
	if d == nil || d.Counters == nil {
		return Counter{}
	}
	return d.Counters[Key{Category: cat, Tier: tier}]
}

// Store persists daily usage.
type Store interface {
	// AddUsage adds delta to the row for (owner, day), creating it if needed.
	// day is always midnight UTC.
	AddUsage(ctx context.Context, ownerID string, day time.Time, delta Delta) error

	// GetUsage returns the row for (owner, day). A missing row is returned as
	// an empty Daily, not an error.
	GetUsage(ctx context.Context, ownerID string, day time.Time) (*Daily, error)
}

// Observer is notified of every recorded delta. metrics.Collector satisfies
// it through an adapter in the engine.
type Observer interface {
	ObserveUsage(ctx context.Context, cat Category, tier capability.Tier, c Counter)
}

// Meter writes deltas to a Store keyed by the UTC day of Now.
type Meter struct {
	store    Store
	observer Observer
	now      func() time.Time
}

// NewMeter creates a meter over store. observer may be nil.
func NewMeter(store Store, observer Observer) *Meter {
	return &Meter{store: store, observer: observer, now: time.Now}
}

// WithClock overrides the meter's clock.
func (m *Meter) WithClock(now func() time.Time) *Meter {
	m.now = now
	return m
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// Record adds delta to the owner's counters for today.
func (m *Meter) Record(ctx context.Context, ownerID string, delta Delta) error {
	if delta.Empty() {
		return nil
	}
	if err := m.store.AddUsage(ctx, ownerID, Day(m.now()), delta); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	if m.observer != nil {
		for k, c := range delta {
			m.observer.ObserveUsage(ctx, k.Category, k.Tier, c)
		}
	}
	return nil
}

// Today returns the owner's counters for the current UTC day.
func (m *Meter) Today(ctx context.Context, ownerID string) (*Daily, error) {
	return m.store.GetUsage(ctx, ownerID, Day(m.now()))
}

// On returns the owner's counters for the UTC day containing t.
func (m *Meter) On(ctx context.Context, ownerID string, t time.Time) (*Daily, error) {
	return m.store.GetUsage(ctx, ownerID, Day(t))
}
