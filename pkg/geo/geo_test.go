package geo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fire-crm/fire/pkg/models"
)

// fakeProvider answers from a fixed query→coords table and counts calls.
type fakeProvider struct {
	name    string
	answers map[string][2]float64
	err     error
	calls   atomic.Int64
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Geocode(_ context.Context, query string) (*Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if coords, ok := f.answers[NormalizeQuery(query)]; ok {
		return &Result{Lat: coords[0], Lon: coords[1], Provider: f.name}, nil
	}
	return nil, nil
}

func TestHaversineKM(t *testing.T) {
	// Astana to Almaty is roughly 970 km.
	d := HaversineKM(51.1694, 71.4491, 43.2220, 76.8512)
	assert.InDelta(t, 970, d, 25)

	assert.Zero(t, HaversineKM(51.0, 71.0, 51.0, 71.0))

	// Symmetric.
	assert.InDelta(t,
		HaversineKM(51.1694, 71.4491, 43.2220, 76.8512),
		HaversineKM(43.2220, 76.8512, 51.1694, 71.4491),
		1e-9)
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "казахстан, астана", NormalizeQuery("  Казахстан,   Астана . "))
	assert.Equal(t, "almaty", NormalizeQuery("Almaty"))
	assert.Equal(t, NormalizeQuery("Астана, ул Абая"), NormalizeQuery("астана,  ул  абая"))
}

func TestCache_HitSkipsFetch(t *testing.T) {
	cache := NewCache()
	var calls int

	fetch := func(context.Context, string) (*Result, error) {
		calls++
		return &Result{Lat: 1, Lon: 2, Provider: "test"}, nil
	}

	r1, err := cache.Lookup(context.Background(), "Астана", fetch)
	require.NoError(t, err)
	r2, err := cache.Lookup(context.Background(), "  астана  ", fetch)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "normalized queries share one fetch")
	assert.Equal(t, r1, r2)
}

func TestCache_NegativeResultCached(t *testing.T) {
	cache := NewCache()
	var calls int

	fetch := func(context.Context, string) (*Result, error) {
		calls++
		return nil, nil
	}

	r, err := cache.Lookup(context.Background(), "nowhere", fetch)
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = cache.Lookup(context.Background(), "nowhere", fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "definitive miss is cached")
}

func TestCache_ErrorNotCached(t *testing.T) {
	cache := NewCache()
	var calls int

	fetch := func(context.Context, string) (*Result, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("network down")
		}
		return &Result{Lat: 1, Lon: 2}, nil
	}

	_, err := cache.Lookup(context.Background(), "astana", fetch)
	require.Error(t, err)

	r, err := cache.Lookup(context.Background(), "astana", fetch)
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestCache_ConcurrentLookupsCollapse(t *testing.T) {
	cache := NewCache()
	var calls atomic.Int64
	release := make(chan struct{})

	fetch := func(context.Context, string) (*Result, error) {
		calls.Add(1)
		<-release
		return &Result{Lat: 1, Lon: 2}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Lookup(context.Background(), "astana", fetch)
			assert.NoError(t, err)
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
}

func newResolverWith(answers map[string][2]float64) (*Resolver, *fakeProvider) {
	p := &fakeProvider{name: "fake", answers: answers}
	return NewResolver(NewCache(), p), p
}

func TestResolve_FullAddress(t *testing.T) {
	r, _ := newResolverWith(map[string][2]float64{
		"казахстан, акмолинская, астана, абая, 12": {51.2, 71.5},
	})

	res, err := r.Resolve(context.Background(), &models.Ticket{
		Country: "Казахстан", Region: "Акмолинская",
		City: "Астана", Street: "Абая", House: "12",
	})
	require.NoError(t, err)

	assert.Equal(t, models.AddressStatusResolved, res.Status)
	require.NotNil(t, res.Lat)
	assert.Equal(t, 51.2, *res.Lat)
	assert.Equal(t, "fake", res.Provider)
}

func TestResolve_FullAddressFallsBackToCityCentre(t *testing.T) {
	r, _ := newResolverWith(map[string][2]float64{
		"казахстан, астана": {51.17, 71.45},
	})

	res, err := r.Resolve(context.Background(), &models.Ticket{
		Country: "Казахстан", City: "Астана", Street: "Несуществующая", House: "1",
	})
	require.NoError(t, err)

	assert.Equal(t, models.AddressStatusFallback, res.Status)
	assert.Equal(t, "fake_city", res.Provider)
	assert.Contains(t, res.Explanation, "full address not found")
}

func TestResolve_NoCityUsesCapital(t *testing.T) {
	r, p := newResolverWith(nil)

	res, err := r.Resolve(context.Background(), &models.Ticket{Country: "Казахстан"})
	require.NoError(t, err)

	assert.Equal(t, models.AddressStatusFallback, res.Status)
	assert.Equal(t, "capital_fallback", res.Provider)
	assert.Equal(t, 51.1694, *res.Lat)
	assert.Zero(t, p.calls.Load(), "capital lookup needs no provider call")
}

func TestResolve_ForeignCountryAlternatesOffices(t *testing.T) {
	r, _ := newResolverWith(nil)

	res1, err := r.Resolve(context.Background(), &models.Ticket{Country: "Германия", City: "Берлин"})
	require.NoError(t, err)
	res2, err := r.Resolve(context.Background(), &models.Ticket{Country: "Германия", City: "Берлин"})
	require.NoError(t, err)

	assert.Equal(t, models.AddressStatusUnknown, res1.Status)
	assert.Equal(t, "international_fallback", res1.Provider)
	assert.NotEqual(t, *res1.Lat, *res2.Lat, "consecutive foreign tickets alternate offices")
}

func TestResolve_CityOnlySearchesCIS(t *testing.T) {
	r, _ := newResolverWith(map[string][2]float64{
		"ташкент, узбекистан": {41.3, 69.2},
	})

	res, err := r.Resolve(context.Background(), &models.Ticket{City: "Ташкент"})
	require.NoError(t, err)

	assert.Equal(t, models.AddressStatusFallback, res.Status)
	assert.Equal(t, "fake_cis", res.Provider)
	assert.Contains(t, res.Explanation, "Узбекистан")
}

func TestResolve_NothingProvided(t *testing.T) {
	r, p := newResolverWith(nil)

	res, err := r.Resolve(context.Background(), &models.Ticket{})
	require.NoError(t, err)

	assert.Equal(t, models.AddressStatusUnknown, res.Status)
	assert.Nil(t, res.Lat)
	assert.Zero(t, p.calls.Load())
}

func TestResolve_CityNotFoundLastResort(t *testing.T) {
	r, _ := newResolverWith(nil)

	res, err := r.Resolve(context.Background(), &models.Ticket{
		Country: "Казахстан", City: "Неведомоград",
	})
	require.NoError(t, err)

	assert.Equal(t, models.AddressStatusUnknown, res.Status)
	assert.Equal(t, "city_fallback", res.Provider)
	require.NotNil(t, res.Lat)
}

func TestResolve_ProviderErrorsBubbleUp(t *testing.T) {
	p := &fakeProvider{name: "broken", err: errors.New("timeout")}
	r := NewResolver(NewCache(), p)

	_, err := r.Resolve(context.Background(), &models.Ticket{
		Country: "Казахстан", City: "Астана",
	})
	assert.Error(t, err)
}

func TestResolve_SecondProviderWins(t *testing.T) {
	first := &fakeProvider{name: "first", answers: nil}
	second := &fakeProvider{name: "second", answers: map[string][2]float64{
		"казахстан, астана": {51.17, 71.45},
	}}
	r := NewResolver(NewCache(), first, second)

	res, err := r.Resolve(context.Background(), &models.Ticket{
		Country: "Казахстан", City: "Астана",
	})
	require.NoError(t, err)

	assert.Equal(t, "second_city", res.Provider)
	assert.Equal(t, int64(1), first.calls.Load())
}

func TestCleanCity(t *testing.T) {
	assert.Equal(t, "Алматы", cleanCity("Алматы / Almaty"))
	assert.Equal(t, "Астана", cleanCity("Астана (Нур-Султан)"))
	assert.Equal(t, "Караганда", cleanCity("  Караганда  "))
}
