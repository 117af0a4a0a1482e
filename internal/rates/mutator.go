// Package rates owns the only mutation path for vehicle base rates: a
// transactional update that pairs every change with an audit history record.
package rates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fleetpricing/internal/logger"
	"fleetpricing/internal/metrics"
	"fleetpricing/internal/store"
)

// Update statuses.
const (
	StatusApplied  = "applied"
	StatusNoChange = "no_change"
)

// ReasonRollback tags history entries produced by Rollback.
const ReasonRollback = "rollback"

// Validation and lookup errors.
var (
	ErrVehicleNotFound = errors.New("vehicle not found")
	ErrHistoryNotFound = errors.New("history record not found")
	ErrNonPositiveRate = errors.New("new rate must be positive")
	ErrRateBelowCost   = errors.New("new rate is below cost per day")
	ErrAmbiguousTarget = errors.New("exactly one of history_id or target rate required")
)

// UpdateResult reports one rate mutation.
type UpdateResult struct {
	Status       string   `json:"status"`
	VehicleID    string   `json:"vehicle_id"`
	OldRate      float64  `json:"old_base_daily_rate"`
	NewRate      float64  `json:"new_base_daily_rate"`
	DeltaAmount  float64  `json:"delta_amount"`
	DeltaPercent *float64 `json:"delta_percent"`
	HistoryID    string   `json:"history_id,omitempty"`
}

// Mutator performs atomic base-rate updates.
type Mutator struct {
	store store.Store
}

// NewMutator wires the rate mutator.
func NewMutator(s store.Store) *Mutator {
	return &Mutator{store: s}
}

// UpdateBaseRate changes a vehicle's base daily rate inside one store
// transaction: the history record and the vehicle patch commit together or
// not at all. An unchanged rate short-circuits with no_change and no write.
func (m *Mutator) UpdateBaseRate(ctx context.Context, vehicleID string, newRate float64, reason, triggeredBy string, context_ map[string]interface{}) (UpdateResult, error) {
	if newRate <= 0 {
		return UpdateResult{}, ErrNonPositiveRate
	}

	var result UpdateResult
	err := m.store.Transaction(ctx, func(tx store.Tx) error {
		vehicle, err := tx.Get(store.ColVehicles, vehicleID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrVehicleNotFound, vehicleID)
		} else if err != nil {
			return err
		}

		oldRate := vehicle.Float("base_daily_rate")
		if oldRate == newRate {
			result = UpdateResult{Status: StatusNoChange, VehicleID: vehicleID, OldRate: oldRate, NewRate: newRate}
			return nil
		}

		cost := vehicle.Float("cost_per_day")
		if cost > 0 && newRate < cost {
			return fmt.Errorf("%w: rate %.2f < cost %.2f", ErrRateBelowCost, newRate, cost)
		}

		deltaAmount, deltaPercent := deltas(oldRate, newRate)
		historyID := uuid.NewString()
		now := time.Now().UTC()

		history := store.Doc{
			"vehicle_id":          vehicleID,
			"old_base_daily_rate": oldRate,
			"new_base_daily_rate": newRate,
			"delta_amount":        deltaAmount,
			"reason":              reason,
			"triggered_by":        triggeredBy,
			"vehicle_class":       vehicle.Str("vehicle_class"),
			"branch_id":           vehicle.Str("branch_id"),
			"changed_at":          now,
		}
		if deltaPercent != nil {
			history["delta_percent"] = *deltaPercent
		}
		if len(context_) > 0 {
			history["context"] = context_
		}
		tx.Put(store.ColVehicleHistory, historyID, history)
		tx.Patch(store.ColVehicles, vehicleID, store.Doc{
			"base_daily_rate": newRate,
			"updated_at":      now,
		})

		result = UpdateResult{
			Status:       StatusApplied,
			VehicleID:    vehicleID,
			OldRate:      oldRate,
			NewRate:      newRate,
			DeltaAmount:  deltaAmount,
			DeltaPercent: deltaPercent,
			HistoryID:    historyID,
		}
		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}

	if result.Status == StatusApplied {
		metrics.RateUpdates.WithLabelValues(reason).Inc()
		logger.Infof("RATES", "vehicle %s rate %0.2f -> %0.2f (%s)", vehicleID, result.OldRate, result.NewRate, reason)
	}
	return result, nil
}

// Rollback reverts a vehicle to an earlier rate, resolved either from a
// history record's old rate or given directly. The revert itself goes
// through UpdateBaseRate so it produces its own audit entry.
func (m *Mutator) Rollback(ctx context.Context, vehicleID, historyID string, targetRate float64, triggeredBy string) (UpdateResult, error) {
	hasHistory := historyID != ""
	hasTarget := targetRate > 0
	if hasHistory == hasTarget {
		return UpdateResult{}, ErrAmbiguousTarget
	}

	rollbackCtx := map[string]interface{}{}
	if hasHistory {
		h, err := m.store.Get(ctx, store.ColVehicleHistory, historyID)
		if errors.Is(err, store.ErrNotFound) {
			return UpdateResult{}, fmt.Errorf("%w: %s", ErrHistoryNotFound, historyID)
		} else if err != nil {
			return UpdateResult{}, err
		}
		if h.Str("vehicle_id") != vehicleID {
			return UpdateResult{}, fmt.Errorf("%w: %s belongs to another vehicle", ErrHistoryNotFound, historyID)
		}
		targetRate = h.Float("old_base_daily_rate")
		rollbackCtx["rolled_back_from"] = historyID
	}

	return m.UpdateBaseRate(ctx, vehicleID, targetRate, ReasonRollback, triggeredBy, rollbackCtx)
}

// deltas computes the absolute and relative change with decimal precision.
// The percentage is nil when the old rate is not positive.
func deltas(oldRate, newRate float64) (float64, *float64) {
	o := decimal.NewFromFloat(oldRate)
	n := decimal.NewFromFloat(newRate)
	amount, _ := n.Sub(o).Round(2).Float64()
	if oldRate <= 0 {
		return amount, nil
	}
	pct, _ := n.Sub(o).Div(o).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	return amount, &pct
}
