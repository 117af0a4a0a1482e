package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"fleetpricing/internal/store"
)

const (
	// aggregateWindow is the snapshot freshness window used when refreshing
	// aggregates and on the first read attempt.
	aggregateWindow = 6 * time.Hour
	// widenedWindow is the fallback lookback when the fresh window is empty.
	widenedWindow = 168 * time.Hour
	// aggregateStaleAfter marks stats computed from data older than this.
	aggregateStaleAfter = 12 * time.Hour
)

// Stats are the order statistics of a competitor price sample.
type Stats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Median float64 `json:"median"`
	Mean   float64 `json:"mean"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
	Std    float64 `json:"std"`
}

// MarketStats is the market view for one branch and vehicle class.
type MarketStats struct {
	BranchKey    string    `json:"branch_key"`
	VehicleClass string    `json:"vehicle_class"`
	Stats        Stats     `json:"stats"`
	Providers    []string  `json:"providers"`
	IsStale      bool      `json:"is_stale"`
	ComputedAt   time.Time `json:"computed_at"`
}

// HasData reports whether the view carries a usable sample.
func (m MarketStats) HasData() bool {
	return m.Stats.Count > 0 && m.Stats.Median > 0
}

// ComputeStats derives the order statistics of a sample. Percentiles use
// linear interpolation between sorted ranks; Std is the sample deviation and
// zero for a single observation.
func ComputeStats(prices []float64) Stats {
	n := len(prices)
	if n == 0 {
		return Stats{}
	}
	sorted := make([]float64, n)
	copy(sorted, prices)
	sort.Float64s(sorted)

	var sum float64
	for _, p := range sorted {
		sum += p
	}
	mean := sum / float64(n)

	var std float64
	if n > 1 {
		var ss float64
		for _, p := range sorted {
			d := p - mean
			ss += d * d
		}
		std = math.Sqrt(ss / float64(n-1))
	}

	return Stats{
		Count:  n,
		Min:    sorted[0],
		Median: percentile(sorted, 0.50),
		Mean:   mean,
		P75:    percentile(sorted, 0.75),
		P90:    percentile(sorted, 0.90),
		Std:    std,
	}
}

// percentile interpolates linearly over a sorted sample.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	floor := int(math.Floor(rank))
	ceil := int(math.Ceil(rank))
	if floor == ceil {
		return sorted[floor]
	}
	frac := rank - float64(floor)
	return sorted[floor] + frac*(sorted[ceil]-sorted[floor])
}

// Aggregator precomputes per-branch, per-class market aggregates from the
// raw snapshot collection.
type Aggregator struct {
	store    store.Store
	branches *store.BranchCache
}

// NewAggregator wires the aggregate refresher.
func NewAggregator(s store.Store, branches *store.BranchCache) *Aggregator {
	return &Aggregator{store: s, branches: branches}
}

// Refresh recomputes aggregates from snapshots inside the fresh window and
// merge-writes one doc per branch and class. Returns the number of docs
// written.
func (a *Aggregator) Refresh(ctx context.Context) (int, error) {
	branches, err := a.branches.Branches(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh aggregates: %w", err)
	}

	cutoff := time.Now().UTC().Add(-aggregateWindow)
	written := 0
	for _, b := range branches {
		snaps, err := a.store.Query(ctx, store.ColCompetitorPrices, store.Query{
			Filters: []store.Filter{
				{Field: "city", Op: "==", Value: b.City},
				{Field: "scraped_at", Op: ">=", Value: cutoff},
			},
		})
		if err != nil {
			return written, fmt.Errorf("refresh aggregates for %s: %w", b.BranchKey, err)
		}
		byClass := lo.GroupBy(snaps, func(d store.Doc) string { return d.Str("vehicle_class") })
		for class, docs := range byClass {
			if class == "" {
				continue
			}
			prices := lo.Map(docs, func(d store.Doc, _ int) float64 { return d.Float("price_per_day") })
			providers := lo.Uniq(lo.Map(docs, func(d store.Doc, _ int) string { return d.Str("provider") }))
			sort.Strings(providers)
			stats := ComputeStats(prices)

			newest := time.Time{}
			for _, d := range docs {
				if at, ok := d.Time("scraped_at"); ok && at.After(newest) {
					newest = at
				}
			}

			id := fmt.Sprintf("%s_%s", b.BranchKey, class)
			err := a.store.Patch(ctx, store.ColCompetitorAggregates, id, store.Doc{
				"branch_key":        b.BranchKey,
				"vehicle_class":     class,
				"count":             stats.Count,
				"min":               stats.Min,
				"median":            stats.Median,
				"mean":              stats.Mean,
				"p75":               stats.P75,
				"p90":               stats.P90,
				"std":               stats.Std,
				"providers":         providers,
				"newest_scraped_at": newest,
				"is_stale":          time.Since(newest) > aggregateStaleAfter,
				"computed_at":       time.Now().UTC(),
			})
			if err != nil {
				return written, fmt.Errorf("write aggregate %s: %w", id, err)
			}
			written++
		}
	}
	return written, nil
}

// Reader serves market views for pricing. It prefers the precomputed
// aggregate doc, falls back to computing from raw snapshots (widening the
// lookback when the fresh window is empty), and collapses concurrent reads
// for the same branch and class into one computation.
type Reader struct {
	store store.Store
	group singleflight.Group
}

// NewReader wires a market reader.
func NewReader(s store.Store) *Reader {
	return &Reader{store: s}
}

// Read returns the market view for a branch and class bucket. A view with
// no data (zero count) and a nil error means the market is simply unknown.
func (r *Reader) Read(ctx context.Context, branchKey, classBucket string) (MarketStats, error) {
	key := branchKey + "|" + classBucket
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.read(ctx, branchKey, classBucket)
	})
	if err != nil {
		return MarketStats{}, err
	}
	return v.(MarketStats), nil
}

func (r *Reader) read(ctx context.Context, branchKey, classBucket string) (MarketStats, error) {
	out := MarketStats{BranchKey: branchKey, VehicleClass: classBucket}

	id := fmt.Sprintf("%s_%s", branchKey, classBucket)
	doc, err := r.store.Get(ctx, store.ColCompetitorAggregates, id)
	if err == nil {
		if at, ok := doc.Time("computed_at"); ok && doc.Int("count") > 0 {
			out.Stats = Stats{
				Count:  doc.Int("count"),
				Min:    doc.Float("min"),
				Median: doc.Float("median"),
				Mean:   doc.Float("mean"),
				P75:    doc.Float("p75"),
				P90:    doc.Float("p90"),
				Std:    doc.Float("std"),
			}
			out.Providers = strSlice(doc["providers"])
			out.ComputedAt = at
			// staleness tracks the data age, not the recompute time
			if ns, ok := doc.Time("newest_scraped_at"); ok {
				out.IsStale = time.Since(ns) > aggregateStaleAfter
			} else {
				out.IsStale = time.Since(at) > aggregateStaleAfter
			}
			return out, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return out, err
	}

	return r.computeFromSnapshots(ctx, branchKey, classBucket)
}

// computeFromSnapshots aggregates raw snapshots on the fly. Snapshots match
// on city and on any accepted class variant of the requested bucket.
func (r *Reader) computeFromSnapshots(ctx context.Context, branchKey, classBucket string) (MarketStats, error) {
	out := MarketStats{BranchKey: branchKey, VehicleClass: classBucket}
	city := store.CityOf(branchKey)
	variants := ClassVariants(classBucket)

	for _, window := range []time.Duration{aggregateWindow, widenedWindow} {
		cutoff := time.Now().UTC().Add(-window)
		snaps, err := r.store.Query(ctx, store.ColCompetitorPrices, store.Query{
			Filters: []store.Filter{
				{Field: "city", Op: "==", Value: city},
				{Field: "scraped_at", Op: ">=", Value: cutoff},
			},
		})
		if err != nil {
			return out, fmt.Errorf("market read %s/%s: %w", branchKey, classBucket, err)
		}
		matched := lo.Filter(snaps, func(d store.Doc, _ int) bool {
			return lo.Contains(variants, d.Str("vehicle_class"))
		})
		if len(matched) == 0 {
			continue
		}

		prices := lo.Map(matched, func(d store.Doc, _ int) float64 { return d.Float("price_per_day") })
		out.Stats = ComputeStats(prices)
		out.Providers = lo.Uniq(lo.Map(matched, func(d store.Doc, _ int) string { return d.Str("provider") }))
		sort.Strings(out.Providers)

		newest := time.Time{}
		for _, d := range matched {
			if at, ok := d.Time("scraped_at"); ok && at.After(newest) {
				newest = at
			}
		}
		out.ComputedAt = newest
		out.IsStale = time.Since(newest) > aggregateStaleAfter
		return out, nil
	}
	return out, nil
}

func strSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
