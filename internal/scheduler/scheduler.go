// Package scheduler admits queued spawn requests while the fleet of
// non-terminal sessions stays under a configured cap.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/common/config"
	"github.com/agentorch/agentorch/internal/common/logger"
	"github.com/agentorch/agentorch/internal/session"
)

var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// Sessions is the slice of the session manager the scheduler needs.
type Sessions interface {
	List(ctx context.Context, projectID string) ([]*session.Session, error)
	Spawn(ctx context.Context, req session.SpawnRequest) (*session.Session, error)
}

// Stats contains queue statistics for the status endpoint.
type Stats struct {
	Queued        int   `json:"queued"`
	Active        int   `json:"active"`
	MaxConcurrent int   `json:"maxConcurrent"`
	TotalSpawned  int64 `json:"totalSpawned"`
	TotalFailed   int64 `json:"totalFailed"`
}

// Scheduler manages the spawn admission loop.
type Scheduler struct {
	queue    *TicketQueue
	sessions Sessions
	logger   *logger.Logger

	interval      time.Duration
	maxConcurrent int

	totalSpawned int64
	totalFailed  int64
	lastActive   int64

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler over the given session manager.
func New(cfg config.SchedulerConfig, sessions Sessions, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	interval := cfg.ProcessIntervalDuration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 5
	}
	return &Scheduler{
		queue:         NewTicketQueue(cfg.QueueSize),
		sessions:      sessions,
		logger:        log.WithFields(zap.String("component", "scheduler")),
		interval:      interval,
		maxConcurrent: maxConcurrent,
	}
}

// Start begins the admission loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("process_interval", s.interval),
		zap.Int("max_concurrent", s.maxConcurrent))

	s.wg.Add(1)
	go s.processLoop(ctx)
	return nil
}

// Stop stops the admission loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the admission loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Enqueue queues one spawn request for admission.
func (s *Scheduler) Enqueue(req session.SpawnRequest, priority int) (*SpawnTicket, error) {
	t, err := s.queue.Enqueue(req, priority)
	if err != nil {
		return nil, err
	}
	s.logger.Info("spawn request queued",
		zap.String("ticket_id", t.ID),
		zap.String("project_id", req.ProjectID),
		zap.String("issue_id", req.IssueID),
		zap.Int("priority", priority))
	return t, nil
}

// Remove drops a queued ticket.
func (s *Scheduler) Remove(ticketID string) bool {
	removed := s.queue.Remove(ticketID)
	if removed {
		s.logger.Info("removed ticket from queue", zap.String("ticket_id", ticketID))
	}
	return removed
}

// GetStats returns current queue statistics.
func (s *Scheduler) GetStats() *Stats {
	return &Stats{
		Queued:        s.queue.Len(),
		Active:        int(atomic.LoadInt64(&s.lastActive)),
		MaxConcurrent: s.maxConcurrent,
		TotalSpawned:  atomic.LoadInt64(&s.totalSpawned),
		TotalFailed:   atomic.LoadInt64(&s.totalFailed),
	}
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Process(ctx)
		}
	}
}

// Process admits queued tickets while the non-terminal session count is
// under the cap. Exported so tests and the batch endpoint can drive the
// queue without waiting for a tick.
func (s *Scheduler) Process(ctx context.Context) {
	active, err := s.activeCount(ctx)
	if err != nil {
		s.logger.Warn("session count failed", zap.Error(err))
		return
	}
	atomic.StoreInt64(&s.lastActive, int64(active))

	for active < s.maxConcurrent {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		t := s.queue.Dequeue()
		if t == nil {
			return
		}

		log := s.logger.WithProjectID(t.Request.ProjectID)
		log.Info("admitting spawn request",
			zap.String("ticket_id", t.ID),
			zap.Int("priority", t.Priority))

		sess, err := s.sessions.Spawn(ctx, t.Request)
		if err != nil {
			atomic.AddInt64(&s.totalFailed, 1)
			log.Error("spawn failed",
				zap.String("ticket_id", t.ID),
				zap.Error(err))
			continue
		}

		atomic.AddInt64(&s.totalSpawned, 1)
		active++
		atomic.StoreInt64(&s.lastActive, int64(active))
		log.Info("session spawned from queue",
			zap.String("ticket_id", t.ID),
			zap.String("session_id", sess.ID))
	}
}

func (s *Scheduler) activeCount(ctx context.Context) (int, error) {
	sessions, err := s.sessions.List(ctx, "")
	if err != nil {
		return 0, err
	}
	active := 0
	for _, sess := range sessions {
		if !sess.Status.Terminal() {
			active++
		}
	}
	return active, nil
}
