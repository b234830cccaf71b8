package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fire-crm/fire/pkg/config"
)

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	purged  int64
	err     error
}

func (f *fakePurger) PurgeExpiredPIIBindings(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.purged, f.err
}

func (f *fakePurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestService_PurgesOnStartAndOnTicks(t *testing.T) {
	purger := &fakePurger{purged: 3}
	svc := NewService(&config.RetentionConfig{
		PIIRetention:    24 * time.Hour,
		CleanupInterval: 10 * time.Millisecond,
	}, purger)

	svc.Start(t.Context())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return purger.calls() >= 3
	}, time.Second, 5*time.Millisecond, "initial purge plus ticker runs")

	purger.mu.Lock()
	cutoff := purger.cutoffs[0]
	purger.mu.Unlock()
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), cutoff, time.Minute)
}

func TestService_StopIsIdempotent(t *testing.T) {
	svc := NewService(&config.RetentionConfig{
		PIIRetention:    time.Hour,
		CleanupInterval: time.Hour,
	}, &fakePurger{})

	svc.Start(context.Background())
	svc.Start(context.Background()) // duplicate Start is a no-op
	svc.Stop()
	svc.Stop()
}

func TestService_SurvivesPurgeErrors(t *testing.T) {
	purger := &fakePurger{err: errors.New("connection refused")}
	svc := NewService(&config.RetentionConfig{
		PIIRetention:    time.Hour,
		CleanupInterval: 10 * time.Millisecond,
	}, purger)

	svc.Start(t.Context())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return purger.calls() >= 2
	}, time.Second, 5*time.Millisecond, "loop keeps running after errors")
}
