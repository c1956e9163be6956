package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DueLister selects feeds whose next fetch time has passed.
type DueLister interface {
	DueFeedIDs(ctx context.Context, now time.Time) ([]int64, error)
}

// FeedFetcher fetches one feed. *Orchestrator satisfies it.
type FeedFetcher interface {
	Fetch(ctx context.Context, feedID int64) (FetchResult, error)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Workers      int
	DispatchRate float64 // fetch starts per second, <= 0 means unlimited
	Now          func() time.Time
}

// Scheduler dispatches fetches for due feeds in the background.
type Scheduler struct {
	due      DueLister
	fetcher  FeedFetcher
	sem      chan struct{}
	limiter  *rate.Limiter
	now      func() time.Time
	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[int64]bool
}

// NewScheduler creates a Scheduler.
func NewScheduler(due DueLister, fetcher FeedFetcher, opts SchedulerOptions) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = nowUTC
	}
	limit := rate.Inf
	if opts.DispatchRate > 0 {
		limit = rate.Limit(opts.DispatchRate)
	}
	return &Scheduler{
		due:      due,
		fetcher:  fetcher,
		sem:      make(chan struct{}, opts.Workers),
		limiter:  rate.NewLimiter(limit, opts.Workers),
		now:      opts.Now,
		inFlight: make(map[int64]bool),
	}
}

// SelectDue returns the IDs of feeds due at now.
func (s *Scheduler) SelectDue(ctx context.Context, now time.Time) ([]int64, error) {
	ids, err := s.due.DueFeedIDs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select due feeds: %w", err)
	}
	return ids, nil
}

// RunDueFetches starts a background fetch for every due feed and returns
// how many were dispatched. Feeds still being fetched from an earlier run
// are skipped. Use Wait to block until the fetches finish.
func (s *Scheduler) RunDueFetches(ctx context.Context) (int, error) {
	ids, err := s.SelectDue(ctx, s.now())
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, id := range ids {
		if !s.claim(id) {
			continue
		}
		dispatched++
		s.wg.Add(1)
		go s.run(ctx, id)
	}

	if dispatched > 0 {
		log.Info().Int("due", len(ids)).Int("dispatched", dispatched).Msg("Dispatched due fetches")
	}
	return dispatched, nil
}

// Wait blocks until all dispatched fetches have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// FetchNow fetches one feed synchronously, outside the due schedule.
func (s *Scheduler) FetchNow(ctx context.Context, feedID int64) (FetchResult, error) {
	return s.fetcher.Fetch(ctx, feedID)
}

func (s *Scheduler) run(ctx context.Context, feedID int64) {
	defer s.wg.Done()
	defer s.release(feedID)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int64("feed_id", feedID).Interface("panic", r).Msg("Fetch panicked")
		}
	}()

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	if _, err := s.fetcher.Fetch(ctx, feedID); err != nil {
		log.Error().Err(err).Int64("feed_id", feedID).Msg("Fetch failed")
	}
}

func (s *Scheduler) claim(feedID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[feedID] {
		return false
	}
	s.inFlight[feedID] = true
	return true
}

func (s *Scheduler) release(feedID int64) {
	s.mu.Lock()
	delete(s.inFlight, feedID)
	s.mu.Unlock()
}
