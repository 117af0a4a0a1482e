package market

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fleetpricing/internal/logger"
	"fleetpricing/internal/metrics"
	"fleetpricing/internal/store"
)

// Grid modes for a scrape run.
const (
	ModeFastGrid     = "FAST_GRID"
	ModeFullGrid     = "FULL_GRID"
	ModeAirportQuote = "AIRPORT_QUOTE"
)

const (
	dedupWindow  = 6 * time.Hour
	staleAfter   = 2 * time.Hour
	batchSize    = 500
	defaultHour  = 10
	eveningHour  = 18
)

// Cell is one scrape request: a branch, a pickup window, a duration.
type Cell struct {
	Branch       store.Branch
	PickupDate   time.Time
	DurationDays int
	Hour         int
}

// Summary is the result of one orchestrated scrape run.
type Summary struct {
	Mode             string   `json:"mode"`
	TotalOffers      int      `json:"total_offers"`
	TotalNew         int      `json:"total_new"`
	ProvidersScraped int      `json:"providers_scraped"`
	Errors           []string `json:"errors"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Orchestrator runs scrape grids across providers and cities, deduplicates
// offers, and maintains per-provider health status. Cities run sequentially;
// providers within a city fan out up to the configured limit.
type Orchestrator struct {
	store     store.Store
	branches  *store.BranchCache
	fetcher   Fetcher
	providers []Provider
	fanout    int

	mu       sync.Mutex
	disabled map[string]bool
}

// NewOrchestrator wires the scrape pipeline.
func NewOrchestrator(s store.Store, branches *store.BranchCache, fetcher Fetcher, fanout int) *Orchestrator {
	if fanout < 1 {
		fanout = 1
	}
	return &Orchestrator{
		store:     s,
		branches:  branches,
		fetcher:   fetcher,
		providers: Providers,
		fanout:    fanout,
		disabled:  make(map[string]bool),
	}
}

// BuildGrid expands a mode into scrape cells for the given branches.
func BuildGrid(mode string, now time.Time, branches []store.Branch) []Cell {
	tomorrow := midnight(now.AddDate(0, 0, 1))
	var cells []Cell
	switch mode {
	case ModeFullGrid:
		dates := []time.Time{
			tomorrow,
			midnight(now.AddDate(0, 0, 3)),
			midnight(now.AddDate(0, 0, 7)),
			midnight(now.AddDate(0, 0, 14)),
			nextFriday(now),
		}
		durations := []int{1, 3, 7, 30}
		hours := []int{defaultHour, eveningHour}
		for _, b := range branches {
			for _, d := range dates {
				for _, dur := range durations {
					for _, h := range hours {
						cells = append(cells, Cell{Branch: b, PickupDate: d, DurationDays: dur, Hour: h})
					}
				}
			}
		}
	case ModeAirportQuote:
		for _, b := range branches {
			if !b.IsAirport() {
				continue
			}
			cells = append(cells, Cell{Branch: b, PickupDate: tomorrow, DurationDays: 1, Hour: defaultHour})
		}
	default: // FAST_GRID
		for _, b := range branches {
			for _, dur := range []int{3, 7} {
				cells = append(cells, Cell{Branch: b, PickupDate: tomorrow, DurationDays: dur, Hour: defaultHour})
			}
		}
	}
	return cells
}

// Run executes one scrape pass in the given mode. A disable is scoped to
// the run: every pass starts with all providers eligible again.
func (o *Orchestrator) Run(ctx context.Context, mode string) (Summary, error) {
	summary := Summary{Mode: mode, StartedAt: time.Now().UTC()}

	o.mu.Lock()
	o.disabled = make(map[string]bool)
	o.mu.Unlock()

	branches, err := o.branches.Branches(ctx)
	if err != nil {
		return summary, fmt.Errorf("scrape run: %w", err)
	}
	cells := BuildGrid(mode, time.Now(), branches)
	if len(cells) == 0 {
		summary.FinishedAt = time.Now().UTC()
		return summary, nil
	}

	byCity := cellsByCity(cells)
	cities := make([]string, 0, len(byCity))
	for city := range byCity {
		cities = append(cities, city)
	}
	sort.Strings(cities)

	var (
		resMu  sync.Mutex
		scraped = map[string]bool{}
	)
	for _, city := range cities {
		cityCells := byCity[city]
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.fanout)
		for _, p := range o.providers {
			p := p
			if o.isDisabled(p.Name) {
				continue
			}
			g.Go(func() error {
				total, fresh, err := o.scrapeProvider(gctx, p, city, cityCells)
				resMu.Lock()
				defer resMu.Unlock()
				summary.TotalOffers += total
				summary.TotalNew += fresh
				if err != nil {
					summary.Errors = append(summary.Errors, fmt.Sprintf("%s/%s: %v", p.Name, city, err))
					metrics.ScrapeErrors.WithLabelValues(p.Name).Inc()
				} else {
					scraped[p.Name] = true
				}
				// A failed provider must not sink the whole run.
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return summary, err
		}
		if ctx.Err() != nil {
			break
		}
	}

	summary.ProvidersScraped = len(scraped)
	summary.FinishedAt = time.Now().UTC()
	logger.Infof("SCRAPE", "%s run done: %d offers, %d new, %d providers, %d errors",
		mode, summary.TotalOffers, summary.TotalNew, summary.ProvidersScraped, len(summary.Errors))
	return summary, nil
}

// scrapeProvider works through one provider's cells for a city sequentially.
func (o *Orchestrator) scrapeProvider(ctx context.Context, p Provider, city string, cells []Cell) (int, int, error) {
	started := time.Now()
	var total, fresh int
	var pending []store.Op
	var lastErr error
	seen := map[string]bool{}

	for _, cell := range cells {
		if ctx.Err() != nil {
			break
		}
		pickup := cell.PickupDate.Add(time.Duration(cell.Hour) * time.Hour)
		dropoff := pickup.AddDate(0, 0, cell.DurationDays)
		pageURL := p.SearchURL(city, pickup, dropoff)

		body, err := o.fetcher.Fetch(ctx, p.Name, pageURL)
		if err != nil {
			if errors.Is(err, ErrProviderDown) {
				o.markDisabled(ctx, p.Name, total, time.Since(started), err)
				return total, fresh, err
			}
			lastErr = err
			continue
		}

		offers := ParsePage(p.Name, cell.Branch.BranchKey, pageURL, cell.DurationDays, body)
		total += len(offers)
		for _, off := range offers {
			// in-flight dedup: the batch may not be flushed yet
			if seen[OfferHash(off)] {
				metrics.ScrapeOffers.WithLabelValues(p.Name, "duplicate").Inc()
				continue
			}
			op, isNew, err := o.snapshotOp(ctx, off)
			if err != nil {
				lastErr = err
				continue
			}
			if !isNew {
				metrics.ScrapeOffers.WithLabelValues(p.Name, "duplicate").Inc()
				continue
			}
			metrics.ScrapeOffers.WithLabelValues(p.Name, "new").Inc()
			seen[OfferHash(off)] = true
			fresh++
			pending = append(pending, op)
			if len(pending) >= batchSize {
				if err := o.store.Batch(ctx, pending); err != nil {
					return total, fresh, fmt.Errorf("flush snapshots: %w", err)
				}
				pending = pending[:0]
			}
		}
	}

	if len(pending) > 0 {
		if err := o.store.Batch(ctx, pending); err != nil {
			return total, fresh, fmt.Errorf("flush snapshots: %w", err)
		}
	}

	if lastErr != nil && total == 0 {
		o.recordStatus(ctx, p.Name, "", total, time.Since(started), lastErr)
		return total, fresh, lastErr
	}
	o.recordStatus(ctx, p.Name, "healthy", total, time.Since(started), nil)
	return total, fresh, nil
}

// snapshotOp decides whether an offer is new inside the dedup window and
// returns the write op for it. Snapshots are append-only: a hash already
// seen inside the window is skipped, anything else becomes a fresh document
// so an offer resurfacing later keeps its history.
func (o *Orchestrator) snapshotOp(ctx context.Context, off Offer) (store.Op, bool, error) {
	hash := OfferHash(off)
	dupes, err := o.store.Query(ctx, store.ColCompetitorPrices, store.Query{
		Filters: []store.Filter{
			{Field: "hash", Op: "==", Value: hash},
			{Field: "scraped_at", Op: ">=", Value: time.Now().UTC().Add(-dedupWindow)},
		},
		Limit: 1,
	})
	if err != nil {
		return store.Op{}, false, err
	}
	if len(dupes) > 0 {
		return store.Op{}, false, nil
	}

	return store.Op{
		Kind:       "put",
		Collection: store.ColCompetitorPrices,
		ID:         uuid.NewString(),
		Doc: store.Doc{
			"hash":          hash,
			"provider":      off.Provider,
			"branch_id":     off.BranchKey,
			"city":          store.CityOf(off.BranchKey),
			"vehicle_class": off.VehicleClass,
			"vehicle_name":  off.VehicleName,
			"price_per_day": off.PricePerDay,
			"duration_days": off.DurationDays,
			"currency":      off.Currency,
			"source_url":    off.SourceURL,
			"scraped_at":    time.Now().UTC(),
		},
	}, true, nil
}

// OfferHash is the dedup identity of an offer: provider, branch, class, and
// the whole-riyal price.
func OfferHash(off Offer) string {
	key := fmt.Sprintf("%s|%s|%s|%d", off.Provider, off.BranchKey, off.VehicleClass, int(off.PricePerDay))
	return fmt.Sprintf("%x", md5.Sum([]byte(key)))
}

func (o *Orchestrator) isDisabled(provider string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disabled[provider]
}

func (o *Orchestrator) markDisabled(ctx context.Context, provider string, offers int, elapsed time.Duration, cause error) {
	o.mu.Lock()
	o.disabled[provider] = true
	o.mu.Unlock()
	logger.Warn("SCRAPE", fmt.Sprintf("provider %s disabled: %v", provider, cause))
	o.recordStatus(ctx, provider, "disabled", offers, elapsed, cause)
}

// recordStatus merge-writes the per-provider health doc. Status left empty
// means keep whatever is there and only bump failure bookkeeping;
// last_success_at only moves on a clean run.
func (o *Orchestrator) recordStatus(ctx context.Context, provider, status string, offers int, elapsed time.Duration, cause error) {
	now := time.Now().UTC()
	fields := store.Doc{
		"provider":         provider,
		"last_run_at":      now,
		"last_duration_ms": elapsed.Milliseconds(),
		"last_offer_count": offers,
		"updated_at":       now,
	}
	switch {
	case cause != nil:
		fields["last_error"] = cause.Error()
		if status != "" {
			fields["status"] = status
		}
		metrics.ProviderUp.WithLabelValues(provider).Set(0)
	default:
		fields["status"] = status
		fields["last_success_at"] = now
		fields["last_error"] = ""
		metrics.ProviderUp.WithLabelValues(provider).Set(1)
	}
	if err := o.store.Patch(ctx, store.ColScrapeStatus, provider, fields); err != nil {
		logger.Warn("SCRAPE", fmt.Sprintf("status write for %s failed: %v", provider, err))
	}
}

// ProviderStatuses reads the health docs, downgrading providers whose last
// success is older than the staleness horizon.
func ProviderStatuses(ctx context.Context, s store.Store) ([]store.Doc, error) {
	out := make([]store.Doc, 0, len(Providers))
	for _, p := range Providers {
		doc, err := s.Get(ctx, store.ColScrapeStatus, p.Name)
		if errors.Is(err, store.ErrNotFound) {
			doc = store.Doc{"provider": p.Name, "status": "unknown"}
		} else if err != nil {
			return nil, err
		}
		stale := false
		if at, ok := doc.Time("last_success_at"); ok && time.Since(at) > staleAfter {
			stale = true
			if doc.Str("status") == "healthy" {
				doc["status"] = "stale"
			}
		}
		doc["is_stale"] = stale
		out = append(out, doc)
	}
	return out, nil
}

func cellsByCity(cells []Cell) map[string][]Cell {
	byCity := make(map[string][]Cell)
	for _, c := range cells {
		city := c.Branch.City
		if city == "" {
			city = store.CityOf(c.Branch.BranchKey)
		}
		byCity[city] = append(byCity[city], c)
	}
	return byCity
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// nextFriday returns the upcoming Friday at midnight, a week out when today
// is Friday.
func nextFriday(now time.Time) time.Time {
	days := (int(time.Friday) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return midnight(now.AddDate(0, 0, days))
}

// Offer card extraction. The provider sites render listings as card blocks;
// without stable APIs the parser works on class-name heuristics shared by
// all four sites.
var (
	cardRe = regexp.MustCompile(`(?is)<(div|li|article)[^>]*class="[^"]*(?:car|vehicle|product|fleet)[^"]*(?:card|item|box)[^"]*"[^>]*>(.*?)</(?:div|li|article)>`)
	nameRe = regexp.MustCompile(`(?is)(?:alt="([^"]{2,80})"|<h[1-6][^>]*>\s*([^<]{2,80}?)\s*</h[1-6]>)`)
	tagRe  = regexp.MustCompile(`<[^>]+>`)
)

// ParsePage extracts normalized offers from a provider search page.
func ParsePage(provider, branchKey, sourceURL string, durationDays int, html string) []Offer {
	var offers []Offer
	for _, m := range cardRe.FindAllStringSubmatch(html, -1) {
		card := m[2]
		name := extractName(card)
		price := ExtractPrice(tagRe.ReplaceAllString(card, " "))
		if price <= 0 {
			continue
		}
		offers = append(offers, Offer{
			Provider:     provider,
			BranchKey:    branchKey,
			VehicleClass: NormalizeCategory(card, name),
			VehicleName:  name,
			PricePerDay:  price,
			DurationDays: durationDays,
			Currency:     "SAR",
			SourceURL:    sourceURL,
		})
	}
	return offers
}

func extractName(card string) string {
	m := nameRe.FindStringSubmatch(card)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(m[2])
}
