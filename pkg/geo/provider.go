package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Result is one successful geocoder answer.
type Result struct {
	Lat      float64
	Lon      float64
	Provider string
	Raw      json.RawMessage
}

// Provider resolves a free-text address query to coordinates. A nil
// result with nil error means the provider found nothing; errors are
// reserved for transport failures.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, query string) (*Result, error)
}

// TwoGISProvider queries the 2GIS catalog geocoder. Requires an API
// key; without one the constructor should not be called.
type TwoGISProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewTwoGISProvider(apiKey string, client *http.Client) *TwoGISProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &TwoGISProvider{
		apiKey:  apiKey,
		baseURL: "https://catalog.api.2gis.com/3.0/items/geocode",
		client:  client,
	}
}

func (p *TwoGISProvider) Name() string { return "2gis" }

func (p *TwoGISProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("fields", "items.point")
	params.Set("key", p.apiKey)

	body, err := fetchJSON(ctx, p.client, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Result struct {
			Items []struct {
				Point *struct {
					Lat float64 `json:"lat"`
					Lon float64 `json:"lon"`
				} `json:"point"`
			} `json:"items"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding 2gis response: %w", err)
	}
	if len(payload.Result.Items) == 0 || payload.Result.Items[0].Point == nil {
		return nil, nil
	}
	point := payload.Result.Items[0].Point
	return &Result{Lat: point.Lat, Lon: point.Lon, Provider: p.Name(), Raw: body}, nil
}

// NominatimProvider queries the OpenStreetMap Nominatim search API.
// Keyless; used as the fallback behind 2GIS.
type NominatimProvider struct {
	baseURL string
	client  *http.Client
}

func NewNominatimProvider(client *http.Client) *NominatimProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &NominatimProvider{
		baseURL: "https://nominatim.openstreetmap.org/search",
		client:  client,
	}
}

func (p *NominatimProvider) Name() string { return "nominatim" }

func (p *NominatimProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")

	body, err := fetchJSON(ctx, p.client, p.baseURL+"?"+params.Encode(),
		map[string]string{"User-Agent": "fire-geocoder/1.0"})
	if err != nil {
		return nil, err
	}

	var payload []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding nominatim response: %w", err)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(payload[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing nominatim latitude %q: %w", payload[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(payload[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing nominatim longitude %q: %w", payload[0].Lon, err)
	}
	return &Result{Lat: lat, Lon: lon, Provider: p.Name(), Raw: body}, nil
}

func fetchJSON(ctx context.Context, client *http.Client, rawURL string, headers map[string]string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building geocode request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode request: unexpected status %d", resp.StatusCode)
	}

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("reading geocode response: %w", err)
	}
	return body, nil
}
