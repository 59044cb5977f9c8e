// Package sync exposes the synchronization engine: enqueue operations for
// callers, job execution for the worker, and the synchronous single-item
// path.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/evanharte/playsync/internal/config"
	"github.com/evanharte/playsync/internal/database"
	"github.com/evanharte/playsync/internal/logger"
	"github.com/evanharte/playsync/internal/playback"
	"github.com/evanharte/playsync/internal/progress"
	"github.com/evanharte/playsync/internal/queue"
	"github.com/evanharte/playsync/internal/reconcile"
	"github.com/evanharte/playsync/internal/resolver"
	"github.com/evanharte/playsync/internal/scheduler"
)

// Service owns the queue, the worker and the per-job wiring of the
// reconciliation pipeline
type Service struct {
	cfg      *config.Config
	repo     *database.Repository
	store    *progress.Store
	ledger   *progress.Ledger
	detector *playback.FinishedDetector
	queue    *queue.Queue
	worker   *queue.Worker
	log      *logger.Logger
}

// NewService wires the sync engine over the given database
func NewService(cfg *config.Config, db *database.Database, repo *database.Repository) *Service {
	q := queue.NewQueue()
	s := &Service{
		cfg:      cfg,
		repo:     repo,
		store:    progress.NewStore(db),
		ledger:   progress.NewLedger(db),
		detector: playback.NewFinishedDetector(cfg.Playback.FinishedStatuses),
		queue:    q,
		log:      logger.Get(),
	}
	s.applyScheduleConfig()
	sched := scheduler.New(repo, repo, q, cfg.Scheduler.AutoSync)
	s.worker = queue.NewWorker(q, s, sched)
	s.worker.SetIdleInterval(cfg.Scheduler.TickInterval)
	return s
}

// applyScheduleConfig pushes configured sync cadences into the persisted
// schedule settings. Configuration wins across restarts; the scheduler
// reads the persisted settings at runtime.
func (s *Service) applyScheduleConfig() {
	catalog := s.cfg.Scheduler.CatalogIntervalHours
	listening := s.cfg.Scheduler.ListeningIntervalHours
	if catalog <= 0 && listening <= 0 {
		return
	}

	settings, err := s.repo.GetSyncSettings()
	if err != nil {
		s.log.Warn("Failed to load sync settings", map[string]interface{}{"error": err.Error()})
		return
	}

	changed := false
	if catalog > 0 && settings.CatalogIntervalHours != catalog {
		settings.CatalogIntervalHours = catalog
		changed = true
	}
	if listening > 0 && settings.ListeningIntervalHours != listening {
		settings.ListeningIntervalHours = listening
		changed = true
	}
	if changed {
		if err := s.repo.UpdateSyncSettings(settings); err != nil {
			s.log.Warn("Failed to update sync settings", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Start launches the background worker. Safe to call more than once.
func (s *Service) Start(ctx context.Context) {
	s.worker.EnsureStarted(ctx)
}

// Stop stops the worker after the current job finishes
func (s *Service) Stop() {
	s.worker.Stop()
}

// EnqueueListeningSync queues a listening-session reconciliation for one
// user and returns the task ID immediately
func (s *Service) EnqueueListeningSync(userID string) string {
	job := queue.NewJob(queue.KindListen, userID)
	job.UpdatedAfter = s.listeningCursor()
	s.queue.Enqueue(job)
	return job.TaskID
}

// EnqueueFullSync queues a sync of the given items for one user. With no
// refs given, every catalog book carrying an external item ID is synced.
func (s *Service) EnqueueFullSync(userID string, itemRefs []string) string {
	job := queue.NewJob(queue.KindFull, userID)
	job.ItemRefs = itemRefs
	s.queue.Enqueue(job)
	return job.TaskID
}

// EnqueueItemSync queues a single-item sync for one user
func (s *Service) EnqueueItemSync(userID, itemID string) string {
	job := queue.NewItemJob(userID, itemID)
	s.queue.Enqueue(job)
	return job.TaskID
}

// EnqueueCompositeSync queues a catalog-plus-listening sync pair for one
// user. The force flags select which halves run; forcing neither runs both.
func (s *Service) EnqueueCompositeSync(userID string, forceCatalog, forceListening bool) string {
	job := queue.NewJob(queue.KindComposite, userID)
	if !forceCatalog && !forceListening {
		forceCatalog, forceListening = true, true
	}
	job.ForceCatalog = forceCatalog
	job.ForceListening = forceListening
	job.UpdatedAfter = s.listeningCursor()
	s.queue.Enqueue(job)
	return job.TaskID
}

// GetJobStatus returns a snapshot of the job with the given task ID, or nil
// when the ID is unknown
func (s *Service) GetJobStatus(taskID string) *queue.Snapshot {
	job := s.queue.Get(taskID)
	if job == nil {
		return nil
	}
	snap := job.Snapshot()
	return &snap
}

// SyncSingleItem reconciles one item for one user immediately, bypassing
// the queue
func (s *Service) SyncSingleItem(ctx context.Context, userID, itemID string) reconcile.ItemSyncResult {
	rec, extUserID, err := s.reconcilerFor(ctx, userID)
	if err != nil {
		return reconcile.ItemSyncResult{OK: false, Message: err.Error()}
	}
	return rec.SyncSingleItem(ctx, userID, extUserID, itemID)
}

// Execute runs one queued job. Called by the worker only.
func (s *Service) Execute(ctx context.Context, job *queue.Job) error {
	rec, extUserID, err := s.reconcilerFor(ctx, job.UserID)
	if err != nil {
		// Unusable configuration fails the job immediately
		return err
	}

	switch job.Kind {
	case queue.KindListen:
		return rec.SyncListening(ctx, job, job.UserID, extUserID, job.UpdatedAfter)

	case queue.KindItem:
		result := rec.SyncSingleItem(ctx, job.UserID, extUserID, job.ItemID)
		if !result.OK {
			return fmt.Errorf("item sync failed: %s", result.Message)
		}
		job.AddActivity(fmt.Sprintf("item %s synced to book %s", job.ItemID, result.BookID))
		return nil

	case queue.KindFull:
		itemIDs, err := s.fullSyncRefs(job.ItemRefs)
		if err != nil {
			return err
		}
		return rec.SyncItems(ctx, job, job.UserID, extUserID, itemIDs)

	case queue.KindComposite:
		if job.ForceCatalog {
			itemIDs, err := s.fullSyncRefs(nil)
			if err != nil {
				return err
			}
			if err := rec.SyncItems(ctx, job, job.UserID, extUserID, itemIDs); err != nil {
				return err
			}
		}
		if job.ForceListening {
			return rec.SyncListening(ctx, job, job.UserID, extUserID, job.UpdatedAfter)
		}
		return nil

	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// reconcilerFor builds the reconciliation pipeline for one user, honoring a
// per-user credential override when one is stored
func (s *Service) reconcilerFor(ctx context.Context, userID string) (*reconcile.Reconciler, string, error) {
	user, err := s.repo.GetUser(userID)
	if err != nil {
		return nil, "", err
	}
	if user == nil {
		return nil, "", fmt.Errorf("unknown or inactive user %q", userID)
	}

	client, err := s.clientFor(userID)
	if err != nil {
		return nil, "", err
	}

	extUserID := user.ExternalUserID
	if extUserID == "" {
		info, err := client.GetCurrentUser(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("failed to resolve external user: %w", err)
		}
		extUserID = info.ID
	}

	res := resolver.New(s.repo, client)
	rec := reconcile.New(client, s.store, s.ledger, res, s.repo, s.detector, reconcile.Config{
		MinDeltaSeconds: s.cfg.App.MinDeltaSeconds,
		MaxDeltaMinutes: int(s.cfg.App.MaxDeltaMinutes),
		MinutesPerPage:  s.cfg.App.MinutesPerPage,
		PageSize:        s.cfg.Playback.PageSize,
		DryRun:          s.cfg.App.DryRun,
	})
	return rec, extUserID, nil
}

// clientFor builds the playback client for one user: the stored per-user
// credential wins, else the global configuration
func (s *Service) clientFor(userID string) (*playback.Client, error) {
	cred, err := s.repo.GetUserCredential(userID)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		return playback.NewClientWithRate(cred.URL, cred.Token, s.cfg.Playback.RequestRate), nil
	}
	if s.cfg.Playback.URL == "" || s.cfg.Playback.Token == "" {
		return nil, fmt.Errorf("playback service is not configured for user %q", userID)
	}
	return playback.NewClientWithRate(s.cfg.Playback.URL, s.cfg.Playback.Token, s.cfg.Playback.RequestRate), nil
}

// listeningCursor derives the updated-after filter for listening syncs from
// the last recorded listening run. It is read at enqueue time and stored on
// the job so later marker updates cannot narrow the window a queued job
// covers.
func (s *Service) listeningCursor() *time.Time {
	settings, err := s.repo.GetSyncSettings()
	if err != nil {
		s.log.Warn("Failed to load sync settings for cursor", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if t, ok := scheduler.ParseLastRun(settings.LastListeningRun); ok {
		return &t
	}
	return nil
}

// fullSyncRefs resolves which items a full sync covers
func (s *Service) fullSyncRefs(refs []string) ([]string, error) {
	if len(refs) > 0 {
		return refs, nil
	}
	ids, err := s.repo.ListExternalItemIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog items: %w", err)
	}
	return ids, nil
}
