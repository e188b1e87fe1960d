package campaigns

import (
	"sync"
	"time"
)

// Scheduler keeps one-shot timer jobs keyed by campaign id. Jobs live in
// process memory only: a restart loses them, and the scheduled_at column is
// the durable record used to re-register on boot.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Register arms a one-shot job for the campaign, replacing any existing one.
func (s *Scheduler) Register(campaignID string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[campaignID]; ok {
		t.Stop()
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.timers[campaignID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, campaignID)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops any armed job for the campaign and reports whether one existed.
func (s *Scheduler) Cancel(campaignID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[campaignID]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, campaignID)
	return true
}

// Stop cancels every armed job. Used at shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
