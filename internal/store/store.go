package store

import (
	"context"
	"errors"
	"time"
)

// Collection names. Every subsystem addresses documents through these.
const (
	ColVehicles             = "vehicles"
	ColBookings             = "bookings"
	ColBranches             = "branches"
	ColCompetitorPrices     = "competitor_prices_latest"
	ColCompetitorAggregates = "competitor_aggregates"
	ColUtilizationSnapshots = "utilization_snapshots"
	ColDemandSignals        = "demand_signals"
	ColPriceQuotes          = "price_quotes"
	ColPricingDecisions     = "pricing_decisions"
	ColQuoteCache           = "fleet_prices_cache"
	ColVehicleHistory       = "vehicle_history"
	ColSchedulerLocks       = "scheduler_locks"
	ColJobLogs              = "scheduled_job_logs"
	ColScrapeDebug          = "competitor_scrape_debug"
	ColScrapeStatus         = "competitor_scrape_status"
	ColMLModels             = "ml_models"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a transaction could not commit after retries.
	ErrConflict = errors.New("transaction conflict")
)

// Doc is an opaque document payload. The store does not interpret fields.
type Doc map[string]interface{}

// Filter is a single field predicate. Op is one of ==, <, <=, >, >=.
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

// Query selects documents from a collection.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Op is one batched write. Kind is put, patch, or delete.
type Op struct {
	Kind       string
	Collection string
	ID         string
	Doc        Doc
}

// Tx is the view a transaction body operates on. Reads see committed state
// plus the transaction's own writes; writes are applied atomically on commit.
type Tx interface {
	Get(collection, id string) (Doc, error)
	Put(collection, id string, doc Doc)
	Patch(collection, id string, fields Doc)
	Delete(collection, id string)
}

// Store is the document store the pricing core runs against. Payloads are
// opaque maps; Merge semantics are expressed with Patch. Transaction re-runs
// the body on write conflict, so bodies must be idempotent.
type Store interface {
	Get(ctx context.Context, collection, id string) (Doc, error)
	Put(ctx context.Context, collection, id string, doc Doc) error
	Patch(ctx context.Context, collection, id string, fields Doc) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, q Query) ([]Doc, error)
	Batch(ctx context.Context, ops []Op) error
	Transaction(ctx context.Context, f func(tx Tx) error) error
	Close() error
}

// ID returns the document id injected by Query results.
func (d Doc) ID() string {
	s, _ := d["_id"].(string)
	return s
}

// Str reads a string field, tolerating absence.
func (d Doc) Str(field string) string {
	s, _ := d[field].(string)
	return s
}

// Float reads a numeric field. JSON decoding yields float64; ints are
// widened so both physical stores look the same to callers.
func (d Doc) Float(field string) float64 {
	f, _ := AsFloat(d[field])
	return f
}

// Int reads an integer field.
func (d Doc) Int(field string) int {
	f, _ := AsFloat(d[field])
	return int(f)
}

// Bool reads a boolean field.
func (d Doc) Bool(field string) bool {
	b, _ := d[field].(bool)
	return b
}

// Time reads a timestamp field. Times persist as RFC3339 strings in the
// SQLite store and as time.Time in the in-memory store.
func (d Doc) Time(field string) (time.Time, bool) {
	return AsTime(d[field])
}

// AsFloat coerces a stored value to float64.
func AsFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// AsTime coerces a stored value to a time.Time.
func AsTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// Compare orders two stored values for filter evaluation. Returns -1/0/+1
// and false when the values are not comparable.
func Compare(a, b interface{}) (int, bool) {
	if ta, ok := AsTime(a); ok {
		if tb, ok := AsTime(b); ok {
			switch {
			case ta.Before(tb):
				return -1, true
			case ta.After(tb):
				return 1, true
			}
			return 0, true
		}
	}
	if fa, ok := AsFloat(a); ok {
		if fb, ok := AsFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			switch {
			case sa < sb:
				return -1, true
			case sa > sb:
				return 1, true
			}
			return 0, true
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			if ba == bb {
				return 0, true
			}
			return -1, true
		}
	}
	return 0, false
}

// Matches evaluates one filter against a document.
func Matches(d Doc, f Filter) bool {
	cmp, ok := Compare(d[f.Field], f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case "==":
		return cmp == 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

// CloneDoc deep-copies a document so callers cannot alias store internals.
func CloneDoc(d Doc) Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Doc:
		return CloneDoc(t)
	case map[string]interface{}:
		return map[string]interface{}(CloneDoc(Doc(t)))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
