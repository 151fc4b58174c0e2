package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_OrderingWithinLane(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()

	// Same lane, mixed priorities and due times.
	low, err := s.EnqueueAt("send", nil, Options{Lane: LaneStandard, Priority: 200}, now.Add(-2*time.Minute))
	require.NoError(t, err)
	high, err := s.EnqueueAt("send", nil, Options{Lane: LaneStandard, Priority: 10}, now.Add(-time.Minute))
	require.NoError(t, err)
	notDue, err := s.EnqueueAt("send", nil, Options{Lane: LaneStandard, Priority: 1}, now.Add(time.Hour))
	require.NoError(t, err)

	j1, ok, err := s.Claim(context.Background(), LaneStandard, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, high, j1.ID, "lower priority number wins among eligible jobs")

	j2, ok, err := s.Claim(context.Background(), LaneStandard, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, low, j2.ID)

	_, ok, err = s.Claim(context.Background(), LaneStandard, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "future job %s must not be claimable", notDue)
}

func TestMemoryStore_EnqueueUsesInjectedClock(t *testing.T) {
	s := NewMemoryStore()
	fixed := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	id, err := s.Enqueue(context.Background(), "send", nil, Options{Lane: LaneStandard, Delay: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(time.Hour), s.jobs[id].ScheduledFor)

	// Not due at the pinned time, claimable once the hour passes.
	_, ok, err := s.Claim(context.Background(), LaneStandard, "w1", fixed, fixed.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	later := fixed.Add(time.Hour)
	j, ok, err := s.Claim(context.Background(), LaneStandard, "w1", later, later.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, j.ID)
}

func TestMemoryStore_TieBreakByDueThenInsertion(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	due := now.Add(-time.Minute)

	first, err := s.EnqueueAt("send", nil, Options{Lane: LaneStandard, Priority: 50}, due)
	require.NoError(t, err)
	second, err := s.EnqueueAt("send", nil, Options{Lane: LaneStandard, Priority: 50}, due)
	require.NoError(t, err)
	earlier, err := s.EnqueueAt("send", nil, Options{Lane: LaneStandard, Priority: 50}, due.Add(-time.Hour))
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		j, ok, err := s.Claim(context.Background(), LaneStandard, "w1", now, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, j.ID)
	}
	assert.Equal(t, []string{earlier, first, second}, got)
}

func TestMemoryStore_ClaimIsExclusive(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	_, err := s.EnqueueAt("send", nil, Options{Lane: LaneCritical}, now.Add(-time.Second))
	require.NoError(t, err)

	var mu sync.Mutex
	claims := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Claim(context.Background(), LaneCritical, "w", now, now.Add(time.Minute))
			require.NoError(t, err)
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims, "a job must never be claimed by two workers")
}

func TestMemoryStore_LeaseReap(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	id, err := s.EnqueueAt("send", nil, Options{Lane: LaneStandard}, now.Add(-time.Second))
	require.NoError(t, err)

	_, ok, err := s.Claim(context.Background(), LaneStandard, "w1", now, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	// Lease not yet expired: nothing reaped.
	n, err := s.ReapExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ReapExpired(context.Background(), now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, found := s.Find(id)
	require.True(t, found)
	assert.Equal(t, StateWaiting, j.State)
}

func TestMemoryStore_Stats(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	a, _ := s.EnqueueAt("send", nil, Options{Lane: LaneCritical}, now.Add(-time.Second))
	b, _ := s.EnqueueAt("send", nil, Options{Lane: LaneCritical}, now.Add(-time.Second))
	_, _ = s.EnqueueAt("send", nil, Options{Lane: LaneBackground}, now.Add(time.Hour))

	j, ok, err := s.Claim(context.Background(), LaneCritical, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, j.ID)
	require.NoError(t, s.Complete(context.Background(), a))

	j, ok, err = s.Claim(context.Background(), LaneCritical, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b, j.ID)
	require.NoError(t, s.FailTerminal(context.Background(), b, "boom"))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[LaneCritical].Completed)
	assert.Equal(t, int64(1), stats[LaneCritical].Failed)
	assert.Equal(t, int64(1), stats[LaneBackground].Waiting)
}

func TestBackoff_ExponentialCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(20))
}
