// Package reconcile translates external listening sessions into local
// progress records, listening-status transitions and daily activity entries.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/evanharte/playsync/internal/database"
	"github.com/evanharte/playsync/internal/logger"
	"github.com/evanharte/playsync/internal/playback"
	"github.com/evanharte/playsync/internal/progress"
)

// SessionClient reads session data from the playback service
type SessionClient interface {
	ListSessions(ctx context.Context, extUserID string, updatedAfter *time.Time, page, pageSize int) (*playback.SessionPage, error)
	GetItemProgress(ctx context.Context, extUserID, itemID string) (*playback.Session, error)
}

// ProgressStore persists per-(user, book) progress records
type ProgressStore interface {
	Get(userID, bookID string) (*database.MediaProgress, error)
	MergeUpdate(userID, bookID string, m progress.Mutation) (*database.MediaProgress, error)
	EnsureStartDate(userID, bookID string, when time.Time) error
}

// ActivityLedger records listening minutes per calendar day
type ActivityLedger interface {
	AppendMinutes(userID, bookID string, at time.Time, minutes float64, minutesPerPage float64) error
}

// BookResolver maps an item reference to a local book ID
type BookResolver interface {
	Resolve(ctx context.Context, ref playback.ItemRef) (string, bool, error)
}

// BookCatalog looks up locally recorded book metadata
type BookCatalog interface {
	GetBook(id string) (*database.Book, error)
}

// Tracker receives progress updates from a running sync. The job queue's
// jobs satisfy it.
type Tracker interface {
	SetTotal(n int)
	Step(activity string)
	AddActivity(activity string)
	AddError(err string)
	AddUnmatched()
}

// Config tunes the reconciliation algorithm
type Config struct {
	// Deltas at or below this many seconds count as seeks, not listening
	MinDeltaSeconds int
	// Ceiling on the minutes one position delta may contribute
	MaxDeltaMinutes int
	// Conversion rate for the ledger's estimated page counts
	MinutesPerPage float64
	// Sessions fetched per page
	PageSize int
	// DryRun computes every step but persists nothing
	DryRun bool
}

// ItemSyncResult is the outcome of a synchronous single-item sync
type ItemSyncResult struct {
	OK         bool   `json:"ok"`
	BookID     string `json:"book_id,omitempty"`
	Finished   bool   `json:"finished"`
	PositionMs int64  `json:"position_ms"`
	Message    string `json:"message,omitempty"`
}

// Reconciler applies the session reconciliation algorithm for one playback
// client. It is used by exactly one worker at a time; it keeps no state
// across runs beyond what the store persists.
type Reconciler struct {
	client   SessionClient
	store    ProgressStore
	ledger   ActivityLedger
	resolver BookResolver
	catalog  BookCatalog
	detector *playback.FinishedDetector
	cfg      Config
	log      *logger.Logger
}

// New creates a reconciler from its collaborators
func New(client SessionClient, store ProgressStore, ledger ActivityLedger,
	resolver BookResolver, catalog BookCatalog, detector *playback.FinishedDetector, cfg Config) *Reconciler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Reconciler{
		client:   client,
		store:    store,
		ledger:   ledger,
		resolver: resolver,
		catalog:  catalog,
		detector: detector,
		cfg:      cfg,
		log:      logger.Get(),
	}
}

// SyncListening reconciles all listening sessions for one user, paging
// through the playback service until exhausted. When updatedAfter is set and
// the very first page comes back empty, the fetch is retried once without
// the filter to cover cold starts and clock skew.
func (r *Reconciler) SyncListening(ctx context.Context, tracker Tracker, userID, extUserID string, updatedAfter *time.Time) error {
	sessions, err := r.collectSessions(ctx, extUserID, updatedAfter)
	if err != nil {
		return err
	}

	sortOldestFirst(sessions)
	tracker.SetTotal(len(sessions))
	if len(sessions) == 0 {
		tracker.AddActivity("no sessions to reconcile")
		return nil
	}

	// Last seen position per book within this run only
	lastSeen := make(map[string]int64)

	for i := range sessions {
		s := &sessions[i]
		activity, matched, err := r.reconcileSession(ctx, userID, extUserID, s, lastSeen)
		if err != nil {
			// Store and network failures abort the job. Only resolution
			// misses are skippable.
			tracker.AddError(err.Error())
			r.log.Error("Session reconciliation failed", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
			return fmt.Errorf("session reconciliation failed: %w", err)
		}
		if !matched {
			tracker.AddUnmatched()
		}
		tracker.Step(activity)
	}
	return nil
}

// SyncItems reconciles the current progress snapshot of each given item,
// used by full catalog syncs
func (r *Reconciler) SyncItems(ctx context.Context, tracker Tracker, userID, extUserID string, itemIDs []string) error {
	tracker.SetTotal(len(itemIDs))
	lastSeen := make(map[string]int64)

	for _, itemID := range itemIDs {
		snap, err := r.client.GetItemProgress(ctx, extUserID, itemID)
		if err != nil {
			return fmt.Errorf("failed to fetch progress for item %s: %w", itemID, err)
		}
		if snap == nil {
			tracker.Step(fmt.Sprintf("item %s: no progress recorded", itemID))
			continue
		}
		activity, matched, err := r.reconcileSession(ctx, userID, extUserID, snap, lastSeen)
		if err != nil {
			tracker.AddError(err.Error())
			return fmt.Errorf("failed to reconcile item %s: %w", itemID, err)
		}
		if !matched {
			tracker.AddUnmatched()
		}
		tracker.Step(activity)
	}
	return nil
}

// SyncSingleItem reconciles one item immediately, bypassing the queue.
// Failures come back as a structured result, never as an error.
func (r *Reconciler) SyncSingleItem(ctx context.Context, userID, extUserID, itemID string) ItemSyncResult {
	snap, err := r.client.GetItemProgress(ctx, extUserID, itemID)
	if err != nil {
		return ItemSyncResult{OK: false, Message: err.Error()}
	}
	if snap == nil {
		return ItemSyncResult{OK: false, Message: fmt.Sprintf("no progress recorded for item %s", itemID)}
	}

	out, err := r.applySession(ctx, userID, extUserID, snap, make(map[string]int64))
	if err != nil {
		return ItemSyncResult{OK: false, Message: err.Error()}
	}
	if !out.matched {
		return ItemSyncResult{OK: false, Message: fmt.Sprintf("item %s does not match any catalog book", itemID)}
	}
	return ItemSyncResult{
		OK:         true,
		BookID:     out.bookID,
		Finished:   out.finished,
		PositionMs: out.positionMs,
	}
}

// collectSessions pages through the session listing and gathers everything
// into one batch
func (r *Reconciler) collectSessions(ctx context.Context, extUserID string, updatedAfter *time.Time) ([]playback.Session, error) {
	var all []playback.Session

	for page := 0; ; page++ {
		sp, err := r.client.ListSessions(ctx, extUserID, updatedAfter, page, r.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}

		if page == 0 && len(sp.Sessions) == 0 && updatedAfter != nil {
			r.log.Debug("First filtered page empty, retrying without updated-after filter", nil)
			updatedAfter = nil
			sp, err = r.client.ListSessions(ctx, extUserID, nil, 0, r.cfg.PageSize)
			if err != nil {
				return nil, fmt.Errorf("failed to list sessions: %w", err)
			}
		}

		all = append(all, sp.Sessions...)
		if len(sp.Sessions) < r.cfg.PageSize {
			return all, nil
		}
	}
}

// sessionOutcome summarizes what applying one session did
type sessionOutcome struct {
	matched    bool
	bookID     string
	finished   bool
	positionMs int64
	minutes    float64
}

// reconcileSession applies one session and renders an activity line for the
// job trail
func (r *Reconciler) reconcileSession(ctx context.Context, userID, extUserID string, s *playback.Session, lastSeen map[string]int64) (string, bool, error) {
	out, err := r.applySession(ctx, userID, extUserID, s, lastSeen)
	if err != nil {
		return "", false, err
	}
	if !out.matched {
		ref := s.Ref()
		return fmt.Sprintf("skipped unmatched item %q (%s)", ref.Title, ref.ExternalID), false, nil
	}
	if out.finished {
		return fmt.Sprintf("book %s marked finished", out.bookID), true, nil
	}
	return fmt.Sprintf("book %s at %dms (+%.1f min)", out.bookID, out.positionMs, out.minutes), true, nil
}

// applySession runs the per-session reconciliation steps and issues one
// coalesced write
func (r *Reconciler) applySession(ctx context.Context, userID, extUserID string, s *playback.Session, lastSeen map[string]int64) (sessionOutcome, error) {
	// A stub with no usable progress data needs the fuller per-item snapshot
	if s.Sparse() {
		ref := s.Ref()
		if ref.ExternalID == "" {
			return sessionOutcome{}, nil
		}
		snap, err := r.client.GetItemProgress(ctx, extUserID, ref.ExternalID)
		if err != nil {
			return sessionOutcome{}, fmt.Errorf("failed to expand sparse session: %w", err)
		}
		if snap == nil {
			return sessionOutcome{}, nil
		}
		s = snap
	}

	bookID, matched, err := r.resolver.Resolve(ctx, s.Ref())
	if err != nil {
		return sessionOutcome{}, err
	}
	if !matched {
		return sessionOutcome{}, nil
	}

	rec, err := r.store.Get(userID, bookID)
	if err != nil {
		return sessionOutcome{}, err
	}

	var bookDurationMs int64
	if book, err := r.catalog.GetBook(bookID); err == nil && book != nil {
		bookDurationMs = book.DurationMs
	}

	pos, hasPos, dur, hasDur := positionAndDuration(s, bookDurationMs)
	finished, finishedAt, hasFinishedAt := r.detector.Detect(s)

	// A finished session with no position still lands at 100%
	if finished && !hasPos && hasDur {
		pos, hasPos = dur, true
	}

	pct, hasPct := percentage(s, pos, hasPos, dur, hasDur)

	updated, hasUpdated := s.UpdatedTime()
	now := time.Now()
	activityAt := now
	if hasUpdated {
		activityAt = updated
	}

	// Gate for minute sources that cannot be re-derived from stored state.
	// A session no newer than the record's last activity was already
	// counted by an earlier run.
	newer := rec == nil || rec.LastActivityAt == nil
	if !newer && hasUpdated {
		newer = updated.After(*rec.LastActivityAt)
	}

	// Delta baseline: position last seen in this run, else the stored
	// position, else zero for a brand-new record
	baseline, seen := lastSeen[bookID]
	if !seen && rec != nil {
		baseline = rec.PositionMs
	}
	hasBaseline := true

	minutes := minutesListened(s, pos, hasPos, baseline, hasBaseline, dur, hasDur,
		finished, newer, r.cfg.MinDeltaSeconds, r.cfg.MaxDeltaMinutes)

	m := progress.Mutation{LastActivityAt: &activityAt}
	if hasPos {
		p := pos
		m.PositionMs = &p
	}
	if hasPct {
		v := pct
		m.Percentage = &v
	}

	markFinished := finished || (hasPct && pct >= 100)
	switch {
	case markFinished:
		st := database.StatusFinished
		m.Status = &st
		full := 100.0
		m.Percentage = &full
		at := activityAt
		if hasFinishedAt {
			at = finishedAt
		}
		m.FinishedAt = &at
	case hasPct && pct == 0:
		// Session exists but nothing happened yet; leave status alone
	case (hasPct && pct > 0) || minutes > 0:
		st := database.StatusInProgress
		m.Status = &st
		if rec != nil && rec.Status == database.StatusFinished {
			m.ClearFinishedAt = true
		}
	}

	if r.cfg.DryRun {
		r.log.Info("Dry run, skipping writes", map[string]interface{}{
			"user_id": userID,
			"book_id": bookID,
			"minutes": minutes,
		})
	} else {
		if _, err := r.store.MergeUpdate(userID, bookID, m); err != nil {
			return sessionOutcome{}, err
		}
		if err := r.store.EnsureStartDate(userID, bookID, activityAt); err != nil {
			return sessionOutcome{}, err
		}

		if minutes > 0 {
			if err := r.ledger.AppendMinutes(userID, bookID, activityAt, minutes, r.cfg.MinutesPerPage); err != nil {
				r.log.Warn("Failed to record listening minutes", map[string]interface{}{
					"user_id": userID,
					"book_id": bookID,
					"error":   err.Error(),
				})
			}
		}
	}

	if hasPos {
		lastSeen[bookID] = pos
	}

	return sessionOutcome{
		matched:    true,
		bookID:     bookID,
		finished:   markFinished,
		positionMs: pos,
		minutes:    minutes,
	}, nil
}
