// Package geo resolves dirty postal address fragments to WGS84
// coordinates through a provider cascade with per-process memoization.
package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/fire-crm/fire/pkg/models"
)

// Capital coordinates per country, lowercase keys in both Russian and
// English spellings.
var capitalCoords = map[string][2]float64{
	"казахстан":    {51.1694, 71.4491},
	"kazakhstan":   {51.1694, 71.4491},
	"россия":       {55.7558, 37.6173},
	"russia":       {55.7558, 37.6173},
	"узбекистан":   {41.2995, 69.2401},
	"uzbekistan":   {41.2995, 69.2401},
	"украина":      {50.4501, 30.5234},
	"ukraine":      {50.4501, 30.5234},
	"азербайджан":  {40.4093, 49.8671},
	"azerbaijan":   {40.4093, 49.8671},
	"кыргызстан":   {42.8746, 74.5698},
	"kyrgyzstan":   {42.8746, 74.5698},
	"таджикистан":  {38.5598, 68.7738},
	"tajikistan":   {38.5598, 68.7738},
	"туркменистан": {37.9601, 58.3261},
	"turkmenistan": {37.9601, 58.3261},
	"беларусь":     {53.9006, 27.5590},
	"belarus":      {53.9006, 27.5590},
	"молдова":      {47.0105, 28.8638},
	"moldova":      {47.0105, 28.8638},
	"грузия":       {41.7151, 44.8271},
	"georgia":      {41.7151, 44.8271},
	"армения":      {40.1872, 44.5152},
	"armenia":      {40.1872, 44.5152},
}

// Countries searched when a ticket names a city but no country.
var cisCountries = []string{
	"Казахстан", "Россия", "Узбекистан", "Украина",
	"Кыргызстан", "Таджикистан", "Беларусь", "Молдова",
	"Грузия", "Армения", "Азербайджан", "Туркменистан",
}

var (
	astanaCoords = [2]float64{51.1694, 71.4491}
	almatyCoords = [2]float64{43.2220, 76.8512}
)

var kazakhstanNames = map[string]struct{}{
	"казахстан": {}, "kazakhstan": {}, "кз": {}, "kz": {},
}

// Resolution is the geocoding outcome for one ticket. Lat/Lon are nil
// when the address could not be placed at all; Status records how much
// of the address actually resolved.
type Resolution struct {
	Lat         *float64
	Lon         *float64
	Provider    string
	Explanation string
	Status      models.AddressStatus
}

// Resolver walks the address cascade: full address, city centre,
// country capital, country-by-country search, last-resort coordinates.
// The first hit wins and is cached.
type Resolver struct {
	cache     *Cache
	providers []Provider

	// Alternates last-resort assignments between the two main offices
	// so unplaceable tickets spread evenly.
	lastResort atomic.Uint64
}

func NewResolver(cache *Cache, providers ...Provider) *Resolver {
	return &Resolver{cache: cache, providers: providers}
}

// Resolve places the ticket's address fragments on the map. Transport
// errors from every provider bubble up so the caller can retry; a clean
// "nowhere found" walks further down the cascade instead.
func (r *Resolver) Resolve(ctx context.Context, ticket *models.Ticket) (*Resolution, error) {
	country := strings.TrimSpace(ticket.Country)
	region := strings.TrimSpace(ticket.Region)
	city := strings.TrimSpace(ticket.City)
	street := strings.TrimSpace(ticket.Street)
	house := strings.TrimSpace(ticket.House)

	switch {
	case country == "" && city == "":
		return &Resolution{
			Provider:    "none",
			Explanation: "no coordinates: neither country nor city provided",
			Status:      models.AddressStatusUnknown,
		}, nil

	case country == "":
		return r.searchCityAcrossCIS(ctx, city)

	case !isKazakhstan(country):
		coords, office := r.nextLastResort()
		return &Resolution{
			Lat:         &coords[0],
			Lon:         &coords[1],
			Provider:    "international_fallback",
			Explanation: fmt.Sprintf("foreign address (%s), directed to %s office", country, office),
			Status:      models.AddressStatusUnknown,
		}, nil

	case city == "":
		coords, ok := capitalCoords[strings.ToLower(country)]
		if !ok {
			coords = astanaCoords
		}
		return &Resolution{
			Lat:         &coords[0],
			Lon:         &coords[1],
			Provider:    "capital_fallback",
			Explanation: "no city provided, using capital coordinates",
			Status:      models.AddressStatusFallback,
		}, nil

	case street == "" || house == "":
		res, err := r.cityCentre(ctx, country, region, city)
		if err != nil {
			return nil, err
		}
		if street != "" {
			res.Explanation = "house number missing, " + res.Explanation
		}
		return res, nil

	default:
		query := buildQuery(country, region, cleanCity(city), street, house)
		result, err := r.geocode(ctx, query)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return &Resolution{
				Lat:         &result.Lat,
				Lon:         &result.Lon,
				Provider:    result.Provider,
				Explanation: fmt.Sprintf("full address geocoded via %s", result.Provider),
				Status:      models.AddressStatusResolved,
			}, nil
		}
		res, err := r.cityCentre(ctx, country, region, city)
		if err != nil {
			return nil, err
		}
		res.Explanation = "full address not found, " + res.Explanation
		return res, nil
	}
}

// cityCentre geocodes the city with and without region, then falls back
// to a last-resort office.
func (r *Resolver) cityCentre(ctx context.Context, country, region, city string) (*Resolution, error) {
	clean := cleanCity(city)

	for _, query := range []string{
		buildQuery(country, region, clean),
		buildQuery(country, clean),
	} {
		result, err := r.geocode(ctx, query)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return &Resolution{
				Lat:         &result.Lat,
				Lon:         &result.Lon,
				Provider:    result.Provider + "_city",
				Explanation: fmt.Sprintf("using centre of %s", clean),
				Status:      models.AddressStatusFallback,
			}, nil
		}
	}

	coords, office := r.nextLastResort()
	return &Resolution{
		Lat:         &coords[0],
		Lon:         &coords[1],
		Provider:    "city_fallback",
		Explanation: fmt.Sprintf("city %s not found, directed to %s office", clean, office),
		Status:      models.AddressStatusUnknown,
	}, nil
}

// searchCityAcrossCIS tries the city in each CIS country until a
// provider places it.
func (r *Resolver) searchCityAcrossCIS(ctx context.Context, city string) (*Resolution, error) {
	clean := cleanCity(city)

	for _, country := range cisCountries {
		result, err := r.geocode(ctx, buildQuery(clean, country))
		if err != nil {
			return nil, err
		}
		if result != nil {
			return &Resolution{
				Lat:         &result.Lat,
				Lon:         &result.Lon,
				Provider:    result.Provider + "_cis",
				Explanation: fmt.Sprintf("no country provided, city %s found in %s", clean, country),
				Status:      models.AddressStatusFallback,
			}, nil
		}
	}

	return &Resolution{
		Provider:    "none",
		Explanation: fmt.Sprintf("city %s not found in any CIS country", clean),
		Status:      models.AddressStatusUnknown,
	}, nil
}

// Locate geocodes a free-form query through the cache and provider
// chain. Callers outside ticket resolution (office addresses) use this
// instead of Resolve.
func (r *Resolver) Locate(ctx context.Context, query string) (*Result, error) {
	return r.geocode(ctx, query)
}

// geocode runs the provider chain through the cache. A provider error
// moves on to the next provider; only when every provider errors does
// the call fail.
func (r *Resolver) geocode(ctx context.Context, query string) (*Result, error) {
	return r.cache.Lookup(ctx, query, func(ctx context.Context, q string) (*Result, error) {
		var errs []error
		for _, provider := range r.providers {
			result, err := provider.Geocode(ctx, q)
			if err != nil {
				slog.Warn("Geocode provider failed",
					"provider", provider.Name(), "query", q, "error", err)
				errs = append(errs, err)
				continue
			}
			if result != nil {
				return result, nil
			}
		}
		if len(errs) == len(r.providers) && len(errs) > 0 {
			return nil, fmt.Errorf("all geocode providers failed: %w", errors.Join(errs...))
		}
		return nil, nil
	})
}

func (r *Resolver) nextLastResort() ([2]float64, string) {
	if r.lastResort.Add(1)%2 == 0 {
		return astanaCoords, "Astana"
	}
	return almatyCoords, "Almaty"
}

func isKazakhstan(country string) bool {
	_, ok := kazakhstanNames[strings.ToLower(strings.TrimSpace(country))]
	return ok
}

// cleanCity strips slash-variants and parenthesised notes from a city
// name: "Алматы / Almaty (юг)" becomes "Алматы".
func cleanCity(city string) string {
	c := strings.TrimSpace(city)
	if i := strings.Index(c, "/"); i >= 0 {
		c = strings.TrimSpace(c[:i])
	}
	if i := strings.Index(c, "("); i >= 0 {
		c = strings.TrimSpace(c[:i])
	}
	return c
}

func buildQuery(parts ...string) string {
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			fields = append(fields, trimmed)
		}
	}
	return strings.Join(fields, ", ")
}
