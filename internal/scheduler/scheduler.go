// Package scheduler decides when automatic syncs are due and enqueues them.
package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/evanharte/playsync/internal/database"
	"github.com/evanharte/playsync/internal/logger"
	"github.com/evanharte/playsync/internal/queue"
)

// IsDue reports whether a run is due given the last recorded run and an
// interval in hours. lastRun accepts epoch seconds or RFC3339. An empty or
// unparseable last run means a run is due even with a zero interval; the
// schedule fails open so a corrupted value can never wedge syncing forever.
func IsDue(now time.Time, lastRun string, intervalHours float64) bool {
	last, ok := ParseLastRun(lastRun)
	if !ok {
		return true
	}
	if intervalHours <= 0 {
		return false
	}

	interval := time.Duration(intervalHours * float64(time.Hour))
	return now.Sub(last) >= interval
}

// ParseLastRun parses a persisted last-run value, which may be epoch seconds
// or an RFC3339 timestamp
func ParseLastRun(lastRun string) (time.Time, bool) {
	if lastRun == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.ParseInt(lastRun, 10, 64); err == nil {
		return time.Unix(secs, 0), true
	}
	if t, err := time.Parse(time.RFC3339, lastRun); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Settings is the scheduler's view of the persisted sync settings
type Settings interface {
	GetSyncSettings() (*database.SyncSettings, error)
	SetLastCatalogRun(t time.Time) error
	SetLastListeningRun(t time.Time) error
}

// Users lists the users automatic syncs fan out to
type Users interface {
	ListActiveUsers() ([]database.User, error)
}

// Scheduler checks two independent cadences: a catalog cadence that
// enqueues composite jobs and a listening cadence that enqueues listen
// jobs. Each due cadence fans out one job per active user.
type Scheduler struct {
	settings Settings
	users    Users
	queue    *queue.Queue
	enabled  bool
	log      *logger.Logger
}

// New creates a scheduler. enabled gates the whole thing; when false Check
// is a no-op so manual syncs are the only source of jobs.
func New(settings Settings, users Users, q *queue.Queue, enabled bool) *Scheduler {
	return &Scheduler{
		settings: settings,
		users:    users,
		queue:    q,
		enabled:  enabled,
		log:      logger.Get(),
	}
}

// Check enqueues whatever scheduled work is due at the given instant. The
// last-run marker is persisted as soon as jobs are enqueued, not when they
// finish, so a slow run cannot trigger a second overlapping one.
func (s *Scheduler) Check(ctx context.Context, now time.Time) {
	if !s.enabled {
		return
	}

	settings, err := s.settings.GetSyncSettings()
	if err != nil {
		s.log.Error("Failed to load sync settings", map[string]interface{}{"error": err.Error()})
		return
	}
	if !settings.AutoSyncEnabled {
		return
	}

	// Jobs carry the previous listening run as their session cursor. The
	// marker persisted below describes this tick, not the window the
	// queued jobs must cover.
	var listenCursor *time.Time
	if t, ok := ParseLastRun(settings.LastListeningRun); ok {
		cursor := t
		listenCursor = &cursor
	}

	if IsDue(now, settings.LastCatalogRun, settings.CatalogIntervalHours) {
		if n, err := s.fanOut(queue.KindComposite, listenCursor); err == nil {
			if n > 0 {
				s.log.Info("Scheduled catalog sync enqueued", map[string]interface{}{"jobs": n})
			}
			if err := s.settings.SetLastCatalogRun(now); err != nil {
				s.log.Error("Failed to record catalog run", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	if IsDue(now, settings.LastListeningRun, settings.ListeningIntervalHours) {
		if n, err := s.fanOut(queue.KindListen, listenCursor); err == nil {
			if n > 0 {
				s.log.Info("Scheduled listening sync enqueued", map[string]interface{}{"jobs": n})
			}
			if err := s.settings.SetLastListeningRun(now); err != nil {
				s.log.Error("Failed to record listening run", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// fanOut enqueues one job of the given kind per active user. When the user
// list cannot be loaded it returns the error so the caller leaves the
// last-run marker alone and the cadence stays due for the next tick.
func (s *Scheduler) fanOut(kind string, updatedAfter *time.Time) (int, error) {
	users, err := s.users.ListActiveUsers()
	if err != nil {
		s.log.Error("Failed to list users for scheduled sync", map[string]interface{}{"error": err.Error()})
		return 0, err
	}
	for _, u := range users {
		job := queue.NewJob(kind, u.ID)
		job.UpdatedAfter = updatedAfter
		if kind == queue.KindComposite {
			job.ForceCatalog = true
			job.ForceListening = true
		}
		s.queue.Enqueue(job)
	}
	return len(users), nil
}
