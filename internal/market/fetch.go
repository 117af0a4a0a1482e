package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"fleetpricing/internal/logger"
	"fleetpricing/internal/store"
)

// ErrProviderDown marks failures that should disable a provider rather than
// be retried: DNS resolution failures and hard 404s on the search endpoint.
var ErrProviderDown = errors.New("provider unreachable")

const (
	fetchTimeout    = 30 * time.Second
	fetchRetries    = 3
	maxBodyBytes    = 2 << 20
	htmlPreviewSize = 12000
)

// Fetcher retrieves a provider search page. Implementations own politeness:
// pacing, identity rotation, retries, and failure isolation.
type Fetcher interface {
	Fetch(ctx context.Context, provider, pageURL string) (string, error)
}

// HTTPFetcher is the production fetcher. Per provider it keeps a rate
// limiter (one request every two seconds plus random jitter) and a circuit
// breaker that opens after repeated failures. Raw page previews land in the
// scrape debug collection when debug is on; terminal failures always leave
// a record with the error text.
type HTTPFetcher struct {
	client *http.Client
	store  store.Store
	debug  bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	rng      *rand.Rand
	uaIndex  int
}

// NewHTTPFetcher builds a fetcher writing debug records to s when debug is set.
func NewHTTPFetcher(s store.Store, debug bool) *HTTPFetcher {
	return &HTTPFetcher{
		client:   &http.Client{Timeout: fetchTimeout},
		store:    s,
		debug:    debug,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, provider, pageURL string) (string, error) {
	if err := f.limiter(provider).Wait(ctx); err != nil {
		return "", err
	}
	f.jitter(ctx)

	body, err := f.breaker(provider).Execute(func() (interface{}, error) {
		return f.fetchWithRetries(ctx, provider, pageURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %s circuit open", ErrProviderDown, provider)
		}
		return "", err
	}
	return body.(string), nil
}

// retryDelay is the exponential backoff before retry attempt n (1-based):
// 2s, 4s, 8s.
func retryDelay(attempt int) time.Duration {
	return time.Duration(2<<(attempt-1)) * time.Second
}

// fetchWithRetries drives the attempt loop. Every terminal failure, whether
// a hard provider-down signal or exhausted retries, leaves a debug record
// carrying the error and the last page preview.
func (f *HTTPFetcher) fetchWithRetries(ctx context.Context, provider, pageURL string) (string, error) {
	var lastErr error
	var lastBody string
	var lastStatus int
	for attempt := 0; attempt < fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}
		body, status, err := f.fetchOnce(ctx, provider, pageURL)
		if err == nil {
			if f.debug {
				f.recordDebug(ctx, provider, pageURL, status, body, nil)
			}
			return body, nil
		}
		lastErr, lastBody, lastStatus = err, body, status
		if errors.Is(err, ErrProviderDown) || ctx.Err() != nil {
			break
		}
		logger.Warn("SCRAPE", fmt.Sprintf("%s fetch attempt %d failed: %v", provider, attempt+1, err))
	}

	f.recordDebug(ctx, provider, pageURL, lastStatus, lastBody, lastErr)
	if errors.Is(lastErr, ErrProviderDown) || ctx.Err() != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("%s: all retries exhausted: %w", provider, lastErr)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, provider, pageURL string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.nextUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,ar;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return "", 0, fmt.Errorf("%w: %s dns: %v", ErrProviderDown, provider, err)
		}
		return "", 0, fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("%s read body: %w", provider, err)
	}
	body := string(raw)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return body, resp.StatusCode, fmt.Errorf("%w: %s returned 404", ErrProviderDown, provider)
	case resp.StatusCode != http.StatusOK:
		return body, resp.StatusCode, fmt.Errorf("%s returned status %d", provider, resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

func (f *HTTPFetcher) recordDebug(ctx context.Context, provider, pageURL string, status int, body string, fetchErr error) {
	preview := body
	if len(preview) > htmlPreviewSize {
		preview = preview[:htmlPreviewSize]
	}
	doc := store.Doc{
		"provider":     provider,
		"url":          pageURL,
		"status_code":  status,
		"html_preview": preview,
		"fetched_at":   time.Now().UTC(),
	}
	if fetchErr != nil {
		doc["error"] = fetchErr.Error()
	}
	if err := f.store.Put(ctx, store.ColScrapeDebug, uuid.NewString(), doc); err != nil {
		logger.Warn("SCRAPE", fmt.Sprintf("debug record write failed: %v", err))
	}
}

func (f *HTTPFetcher) limiter(provider string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[provider]
	if !ok {
		l = rate.NewLimiter(rate.Every(2*time.Second), 1)
		f.limiters[provider] = l
	}
	return l
}

func (f *HTTPFetcher) breaker(provider string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[provider]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    provider,
			Timeout: 5 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		f.breakers[provider] = b
	}
	return b
}

// jitter sleeps 1.0 to 3.0 seconds so request timing does not look mechanical.
func (f *HTTPFetcher) jitter(ctx context.Context) {
	f.mu.Lock()
	d := time.Duration(1000+f.rng.Intn(2000)) * time.Millisecond
	f.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (f *HTTPFetcher) nextUserAgent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ua := userAgents[f.uaIndex%len(userAgents)]
	f.uaIndex++
	return ua
}
