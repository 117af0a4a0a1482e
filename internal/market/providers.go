package market

import (
	"fmt"
	"net/url"
	"time"
)

// Provider is one competitor rental site. The set is closed: adding a
// provider means adding an entry here with its search URL shape.
type Provider struct {
	Name    string
	BaseURL string

	// searchFmt builds the search path from the escaped city name and the
	// pickup/dropoff dates (YYYY-MM-DD).
	searchFmt string
}

// SearchURL returns the full search URL for a city and rental window.
func (p Provider) SearchURL(city string, pickup, dropoff time.Time) string {
	path := fmt.Sprintf(p.searchFmt,
		url.QueryEscape(city),
		pickup.Format("2006-01-02"),
		dropoff.Format("2006-01-02"),
	)
	return p.BaseURL + path
}

// Providers is the closed set of scraped competitors.
var Providers = []Provider{
	{
		Name:      "yelo",
		BaseURL:   "https://www.iyelo.com",
		searchFmt: "/en/search?city=%s&pickup_date=%s&dropoff_date=%s",
	},
	{
		Name:      "key",
		BaseURL:   "https://www.key.sa/en",
		searchFmt: "/cars?location=%s&from=%s&to=%s",
	},
	{
		Name:      "budget",
		BaseURL:   "https://www.budgetsaudi.com",
		searchFmt: "/en/booking?city=%s&pickup=%s&return=%s",
	},
	{
		Name:      "lumi",
		BaseURL:   "https://lumirental.com/en",
		searchFmt: "/book?branch=%s&start=%s&end=%s",
	},
}

// ProviderByName looks a provider up by name.
func ProviderByName(name string) (Provider, bool) {
	for _, p := range Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// userAgents is the rotation pool for outbound requests.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
}
