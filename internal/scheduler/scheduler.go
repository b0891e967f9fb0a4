// Package scheduler refreshes the catalog on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/asar-dev/asar-loader/internal/catalog"
	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/asar-dev/asar-loader/internal/hooks"
)

// ErrSyncRunning is returned by SyncNow while another refresh is in progress.
var ErrSyncRunning = errors.New("catalog sync already running")

// CatalogSyncer fetches the catalog file.
type CatalogSyncer interface {
	Sync(ctx context.Context, overwrite bool, progress catalog.ProgressFunc) (int64, error)
}

type Scheduler struct {
	syncer CatalogSyncer
	source string
	path   string
	hooks  *hooks.Manager
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	entryID   cron.EntryID
	scheduled bool

	running sync.Mutex
}

// New starts an empty scheduler. Refreshes run with a context derived from
// ctx; Stop cancels it.
func New(ctx context.Context, syncer CatalogSyncer, source, path string, hooks *hooks.Manager) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		syncer: syncer,
		source: source,
		path:   path,
		hooks:  hooks,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    ctx,
		cancel: cancel,
	}
	s.cron.Start()
	return s
}

// Stop cancels a running refresh and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Schedule replaces the refresh schedule. An empty spec removes it.
func (s *Scheduler) Schedule(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduled {
		s.cron.Remove(s.entryID)
		s.scheduled = false
	}
	if spec == "" {
		return nil
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		if _, err := s.SyncNow(s.ctx); err != nil && !errors.Is(err, ErrSyncRunning) {
			slog.Error("Scheduled catalog sync failed", "error", err)
		}
	})
	if err != nil {
		return fault.New(fault.CodeInvalidParameter, "invalid schedule "+spec, err)
	}

	s.entryID = entryID
	s.scheduled = true
	slog.Info("Scheduled catalog sync", "schedule", spec)
	return nil
}

func (s *Scheduler) Unschedule() {
	s.Schedule("")
}

// SyncNow refreshes the catalog, replacing the existing file.
func (s *Scheduler) SyncNow(ctx context.Context) (int64, error) {
	return s.Sync(ctx, true, nil)
}

// Sync fetches the catalog once and emits a catalog event with the outcome.
// Only one sync runs at a time.
func (s *Scheduler) Sync(ctx context.Context, overwrite bool, progress catalog.ProgressFunc) (int64, error) {
	if !s.running.TryLock() {
		return 0, ErrSyncRunning
	}
	defer s.running.Unlock()

	slog.Info("Starting catalog sync", "source", s.source, "overwrite", overwrite)
	n, err := s.syncer.Sync(ctx, overwrite, progress)
	if errors.Is(err, fault.ErrCatalogPresent) {
		return 0, err
	}
	if err != nil {
		code := string(fault.CodeOf(err))
		if code == "" {
			code = "SYNC_ERROR"
		}
		s.hooks.Emit(context.Background(), hooks.NewEvent(hooks.EventCatalogSyncFailed).
			WithCatalog(s.source, s.path, 0).
			WithError(code, fault.Message(err)))
		return 0, err
	}

	s.hooks.Emit(context.Background(), hooks.NewEvent(hooks.EventCatalogSynced).
		WithCatalog(s.source, s.path, n))
	return n, nil
}

// NextRun returns the next scheduled refresh, nil when unscheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scheduled {
		return nil
	}
	next := s.cron.Entry(s.entryID).Next
	return &next
}
