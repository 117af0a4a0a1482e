package market

import (
	"regexp"
	"strconv"
	"strings"
)

// RawOffer is one offer extracted from a provider page before normalization.
type RawOffer struct {
	VehicleName string
	RawCategory string
	PriceText   string
	Currency    string
}

// Offer is a normalized competitor offer ready for the snapshot store.
type Offer struct {
	Provider     string
	BranchKey    string
	VehicleClass string
	VehicleName  string
	PricePerDay  float64
	DurationDays int
	Currency     string
	SourceURL    string
}

var (
	percentRe = regexp.MustCompile(`\d+\s*%`)
	numberRe  = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// minPlausiblePrice filters tokens that cannot be a daily rate in SAR.
const minPlausiblePrice = 30.0

// ExtractPrice pulls the daily price out of free-form price text. Discount
// percentages are stripped first; among the remaining plausible numbers the
// largest wins, except that three or more candidates indicate a strikethrough
// list where the final value is the effective price.
func ExtractPrice(priceText string) float64 {
	if priceText == "" {
		return 0
	}
	cleaned := percentRe.ReplaceAllString(priceText, "")
	var prices []float64
	for _, tok := range numberRe.FindAllString(cleaned, -1) {
		n, err := strconv.ParseFloat(tok, 64)
		if err != nil || n < minPlausiblePrice {
			continue
		}
		prices = append(prices, n)
	}
	if len(prices) == 0 {
		return 0
	}
	if len(prices) <= 2 {
		max := prices[0]
		for _, p := range prices[1:] {
			if p > max {
				max = p
			}
		}
		return max
	}
	return prices[len(prices)-1]
}

var (
	luxuryKeywords = []string{
		"luxury", "premium", "executive", "vip", "mercedes", "bmw", "audi",
		"lexus", "cadillac", "bentley", "porsche",
	}
	suvKeywords = []string{
		"suv", "4x4", "crossover", "jeep", "land cruiser", "prado", "pajero",
		"pathfinder", "tahoe", "suburban", "fortuner", "rav4", "cr-v", "crv",
		"highlander", "pilot", "tucson", "santa fe", "sportage", "sorento",
		"expedition", "explorer", "wrangler",
	}
	economyKeywords = []string{
		"economy", "compact", "small", "mini", "yaris", "accent", "picanto",
		"spark", "versa", "rio", "mirage", "elantra", "corolla",
	}
)

// NormalizeCategory maps raw category text plus the vehicle name onto the
// class bucket domain. Keyword priority: luxury > suv > economy; anything
// unmatched is a sedan. Vehicle-name keywords override the raw category.
func NormalizeCategory(rawCategory, vehicleName string) string {
	text := strings.ToLower(strings.TrimSpace(rawCategory + " " + vehicleName))
	if text == "" {
		return "sedan"
	}
	if containsAny(text, luxuryKeywords) {
		return "luxury"
	}
	if containsAny(text, suvKeywords) {
		return "suv"
	}
	if containsAny(text, economyKeywords) {
		return "economy"
	}
	return "sedan"
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// ClassVariants returns the class buckets a reader accepts as equivalent
// when matching competitor snapshots.
func ClassVariants(classBucket string) []string {
	c := strings.ToLower(classBucket)
	variants := []string{c}
	switch c {
	case "luxury":
		variants = append(variants, "premium", "executive")
	case "economy":
		variants = append(variants, "compact", "small")
	case "compact":
		variants = append(variants, "economy", "small")
	case "suv":
		variants = append(variants, "crossover", "4x4")
	}
	return variants
}
