package scheduler

import (
	"context"
	"fmt"
	"time"

	"fleetpricing/internal/logger"
	"fleetpricing/internal/store"
)

// Retention horizons.
const (
	snapshotRetention = 14 * 24 * time.Hour
	decisionRetention = 180 * 24 * time.Hour
	cleanupBatchSize  = 500
)

// Cleanup trims aged data in bounded batches: competitor snapshots past two
// weeks, expired quote cache entries, and decisions past six months.
// Returns per-collection delete counts.
func (s *Scheduler) Cleanup(ctx context.Context) (map[string]int, error) {
	now := time.Now().UTC()
	counts := map[string]int{}

	n, err := s.deleteWhere(ctx, store.ColCompetitorPrices, store.Filter{
		Field: "scraped_at", Op: "<", Value: now.Add(-snapshotRetention),
	})
	counts[store.ColCompetitorPrices] = n
	if err != nil {
		return counts, fmt.Errorf("cleanup snapshots: %w", err)
	}

	n, err = s.deleteWhere(ctx, store.ColQuoteCache, store.Filter{
		Field: "expires_at", Op: "<", Value: now,
	})
	counts[store.ColQuoteCache] = n
	if err != nil {
		return counts, fmt.Errorf("cleanup quote cache: %w", err)
	}

	n, err = s.deleteWhere(ctx, store.ColPricingDecisions, store.Filter{
		Field: "created_at", Op: "<", Value: now.Add(-decisionRetention),
	})
	counts[store.ColPricingDecisions] = n
	if err != nil {
		return counts, fmt.Errorf("cleanup decisions: %w", err)
	}

	logger.Infof("SCHEDULER", "cleanup removed %d snapshots, %d cache entries, %d decisions",
		counts[store.ColCompetitorPrices], counts[store.ColQuoteCache], counts[store.ColPricingDecisions])
	return counts, nil
}

// deleteWhere removes matching docs in batches until the collection is
// drained or the context expires.
func (s *Scheduler) deleteWhere(ctx context.Context, collection string, filter store.Filter) (int, error) {
	deleted := 0
	for {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		docs, err := s.store.Query(ctx, collection, store.Query{
			Filters: []store.Filter{filter},
			Limit:   cleanupBatchSize,
		})
		if err != nil {
			return deleted, err
		}
		if len(docs) == 0 {
			return deleted, nil
		}
		ops := make([]store.Op, 0, len(docs))
		for _, d := range docs {
			ops = append(ops, store.Op{Kind: "delete", Collection: collection, ID: d.ID()})
		}
		if err := s.store.Batch(ctx, ops); err != nil {
			return deleted, err
		}
		deleted += len(ops)
		if len(docs) < cleanupBatchSize {
			return deleted, nil
		}
	}
}
