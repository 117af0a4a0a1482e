package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Branch is one static branch configuration record.
type Branch struct {
	BranchKey string `json:"branch_key"`
	City      string `json:"city"`
	Type      string `json:"type"` // Airport | City
	Label     string `json:"label"`
}

// IsAirport reports whether the branch is an airport location.
func (b Branch) IsAirport() bool {
	return strings.EqualFold(b.Type, "Airport")
}

// BranchCache is the process-wide read-through cache of branch configuration.
// The list is loaded once and swapped atomically on explicit Reload.
type BranchCache struct {
	store Store

	mu       sync.RWMutex
	branches []Branch
	loaded   bool
}

// NewBranchCache wraps a store with a branch config cache.
func NewBranchCache(s Store) *BranchCache {
	return &BranchCache{store: s}
}

// Branches returns the cached branch list, loading it on first use.
func (c *BranchCache) Branches(ctx context.Context) ([]Branch, error) {
	c.mu.RLock()
	if c.loaded {
		out := c.branches
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()
	return c.Reload(ctx)
}

// Reload re-reads branch configuration under an exclusive lock and swaps the
// cached list atomically.
func (c *BranchCache) Reload(ctx context.Context) ([]Branch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	docs, err := c.store.Query(ctx, ColBranches, Query{})
	if err != nil {
		return nil, fmt.Errorf("load branches: %w", err)
	}
	branches := make([]Branch, 0, len(docs))
	for _, d := range docs {
		b := Branch{
			BranchKey: d.Str("branch_key"),
			City:      d.Str("city"),
			Type:      d.Str("type"),
			Label:     d.Str("label"),
		}
		if b.BranchKey == "" {
			b.BranchKey = d.ID()
		}
		if b.City == "" {
			b.City = CityOf(b.BranchKey)
		}
		branches = append(branches, b)
	}
	c.branches = branches
	c.loaded = true
	return branches, nil
}

// Cities returns the distinct cities covered by the cached branches.
func (c *BranchCache) Cities(ctx context.Context) ([]string, error) {
	branches, err := c.Branches(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Uniq(lo.Map(branches, func(b Branch, _ int) string { return b.City })), nil
}

// Airports returns the cached airport branches.
func (c *BranchCache) Airports(ctx context.Context) ([]Branch, error) {
	branches, err := c.Branches(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(branches, func(b Branch, _ int) bool { return b.IsAirport() }), nil
}

// CityOf extracts the city prefix from a branch key
// (e.g. "riyadh_airport" -> "riyadh").
func CityOf(branchKey string) string {
	if i := strings.Index(branchKey, "_"); i > 0 {
		return strings.ToLower(branchKey[:i])
	}
	return strings.ToLower(branchKey)
}
