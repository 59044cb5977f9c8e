package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evanharte/playsync/internal/database"
	"github.com/evanharte/playsync/internal/logger"
	"github.com/evanharte/playsync/internal/queue"
)

func TestIsDue(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		lastRun       string
		intervalHours float64
		expected      bool
	}{
		{
			name:          "absent last run is due",
			lastRun:       "",
			intervalHours: 24,
			expected:      true,
		},
		{
			name:          "unparseable last run fails open",
			lastRun:       "not a timestamp",
			intervalHours: 24,
			expected:      true,
		},
		{
			name:          "rfc3339 within interval",
			lastRun:       now.Add(-1 * time.Hour).Format(time.RFC3339),
			intervalHours: 24,
			expected:      false,
		},
		{
			name:          "rfc3339 past interval",
			lastRun:       now.Add(-25 * time.Hour).Format(time.RFC3339),
			intervalHours: 24,
			expected:      true,
		},
		{
			name:          "epoch seconds within interval",
			lastRun:       fmt.Sprintf("%d", now.Add(-30*time.Minute).Unix()),
			intervalHours: 1,
			expected:      false,
		},
		{
			name:          "epoch seconds past interval",
			lastRun:       fmt.Sprintf("%d", now.Add(-2*time.Hour).Unix()),
			intervalHours: 1,
			expected:      true,
		},
		{
			name:          "exactly at interval boundary is due",
			lastRun:       now.Add(-24 * time.Hour).Format(time.RFC3339),
			intervalHours: 24,
			expected:      true,
		},
		{
			name:          "absent last run is due even with zero interval",
			lastRun:       "",
			intervalHours: 0,
			expected:      true,
		},
		{
			name:          "zero interval with a recorded run never due",
			lastRun:       now.Add(-100 * time.Hour).Format(time.RFC3339),
			intervalHours: 0,
			expected:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsDue(now, tt.lastRun, tt.intervalHours))
		})
	}
}

func TestParseLastRun(t *testing.T) {
	t.Run("epoch seconds", func(t *testing.T) {
		got, ok := ParseLastRun("1750000000")
		require.True(t, ok)
		assert.Equal(t, int64(1750000000), got.Unix())
	})

	t.Run("rfc3339", func(t *testing.T) {
		got, ok := ParseLastRun("2025-06-15T12:00:00Z")
		require.True(t, ok)
		assert.Equal(t, 2025, got.Year())
	})

	t.Run("empty", func(t *testing.T) {
		_, ok := ParseLastRun("")
		assert.False(t, ok)
	})

	t.Run("garbage", func(t *testing.T) {
		_, ok := ParseLastRun("yesterday")
		assert.False(t, ok)
	})
}

type fakeSettings struct {
	settings     database.SyncSettings
	catalogRuns  []time.Time
	listeningRun []time.Time
}

func (f *fakeSettings) GetSyncSettings() (*database.SyncSettings, error) {
	s := f.settings
	return &s, nil
}

func (f *fakeSettings) SetLastCatalogRun(t time.Time) error {
	f.catalogRuns = append(f.catalogRuns, t)
	f.settings.LastCatalogRun = t.Format(time.RFC3339)
	return nil
}

func (f *fakeSettings) SetLastListeningRun(t time.Time) error {
	f.listeningRun = append(f.listeningRun, t)
	f.settings.LastListeningRun = t.Format(time.RFC3339)
	return nil
}

type fakeUsers struct {
	users []database.User
	err   error
}

func (f *fakeUsers) ListActiveUsers() ([]database.User, error) {
	return f.users, f.err
}

func TestSchedulerCheck(t *testing.T) {
	logger.Setup(logger.Config{Level: "debug"})
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("both cadences due fan out per user", func(t *testing.T) {
		settings := &fakeSettings{settings: database.SyncSettings{
			AutoSyncEnabled:        true,
			CatalogIntervalHours:   24,
			ListeningIntervalHours: 1,
		}}
		users := &fakeUsers{users: []database.User{{ID: "alice"}, {ID: "bob"}}}
		q := queue.NewQueue()

		s := New(settings, users, q, true)
		s.Check(context.Background(), now)

		// One composite and one listen job per user
		require.Equal(t, 4, q.Len())
		kinds := map[string]int{}
		for {
			job := q.Pop()
			if job == nil {
				break
			}
			kinds[job.Kind]++
			if job.Kind == queue.KindComposite {
				assert.True(t, job.ForceCatalog)
				assert.True(t, job.ForceListening)
			}
		}
		assert.Equal(t, 2, kinds[queue.KindComposite])
		assert.Equal(t, 2, kinds[queue.KindListen])

		// Last-run markers persisted at enqueue time
		require.Len(t, settings.catalogRuns, 1)
		require.Len(t, settings.listeningRun, 1)
		assert.Equal(t, now, settings.catalogRuns[0])
	})

	t.Run("second check within interval enqueues nothing", func(t *testing.T) {
		settings := &fakeSettings{settings: database.SyncSettings{
			AutoSyncEnabled:        true,
			CatalogIntervalHours:   24,
			ListeningIntervalHours: 1,
		}}
		users := &fakeUsers{users: []database.User{{ID: "alice"}}}
		q := queue.NewQueue()

		s := New(settings, users, q, true)
		s.Check(context.Background(), now)
		assert.Equal(t, 2, q.Len())

		s.Check(context.Background(), now.Add(time.Minute))
		assert.Equal(t, 2, q.Len())
	})

	t.Run("queued jobs carry the previous listening run as cursor", func(t *testing.T) {
		prev := now.Add(-2 * time.Hour)
		settings := &fakeSettings{settings: database.SyncSettings{
			AutoSyncEnabled:        true,
			CatalogIntervalHours:   24,
			ListeningIntervalHours: 1,
			LastListeningRun:       prev.Format(time.RFC3339),
		}}
		users := &fakeUsers{users: []database.User{{ID: "alice"}}}
		q := queue.NewQueue()

		s := New(settings, users, q, true)
		s.Check(context.Background(), now)

		seen := 0
		for {
			job := q.Pop()
			if job == nil {
				break
			}
			seen++
			require.NotNil(t, job.UpdatedAfter)
			// The cursor is the previous run, never the tick being recorded
			assert.True(t, job.UpdatedAfter.Equal(prev))
		}
		require.Equal(t, 2, seen)
		assert.Equal(t, now.Format(time.RFC3339), settings.settings.LastListeningRun)
	})

	t.Run("never-synced cadence queues an unfiltered job", func(t *testing.T) {
		settings := &fakeSettings{settings: database.SyncSettings{
			AutoSyncEnabled:        true,
			ListeningIntervalHours: 1,
		}}
		users := &fakeUsers{users: []database.User{{ID: "alice"}}}
		q := queue.NewQueue()

		s := New(settings, users, q, true)
		s.Check(context.Background(), now)

		job := q.Pop()
		require.NotNil(t, job)
		assert.Nil(t, job.UpdatedAfter)
	})

	t.Run("user listing failure leaves last-run untouched", func(t *testing.T) {
		settings := &fakeSettings{settings: database.SyncSettings{
			AutoSyncEnabled:        true,
			CatalogIntervalHours:   24,
			ListeningIntervalHours: 1,
		}}
		users := &fakeUsers{err: fmt.Errorf("connection closed")}
		q := queue.NewQueue()

		s := New(settings, users, q, true)
		s.Check(context.Background(), now)

		assert.Equal(t, 0, q.Len())
		assert.Empty(t, settings.catalogRuns)
		assert.Empty(t, settings.listeningRun)
	})

	t.Run("disabled in settings is a no-op", func(t *testing.T) {
		settings := &fakeSettings{settings: database.SyncSettings{
			AutoSyncEnabled:        false,
			CatalogIntervalHours:   24,
			ListeningIntervalHours: 1,
		}}
		users := &fakeUsers{users: []database.User{{ID: "alice"}}}
		q := queue.NewQueue()

		s := New(settings, users, q, true)
		s.Check(context.Background(), now)
		assert.Equal(t, 0, q.Len())
		assert.Empty(t, settings.catalogRuns)
	})

	t.Run("disabled in config is a no-op", func(t *testing.T) {
		settings := &fakeSettings{settings: database.SyncSettings{
			AutoSyncEnabled:        true,
			CatalogIntervalHours:   24,
			ListeningIntervalHours: 1,
		}}
		q := queue.NewQueue()

		s := New(settings, &fakeUsers{users: []database.User{{ID: "alice"}}}, q, false)
		s.Check(context.Background(), now)
		assert.Equal(t, 0, q.Len())
	})
}
