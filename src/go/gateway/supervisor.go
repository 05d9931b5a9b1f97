package gateway

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Supervisor schedules delayed reconnect attempts after transient closes.
// At most one pending timer per connection id; scheduling again replaces
// the previous timer, disposal cancels it synchronously.
type Supervisor struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	delay  time.Duration
	logger *logrus.Logger
}

func NewSupervisor(delay time.Duration, logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		timers: make(map[string]*time.Timer),
		delay:  delay,
		logger: logger,
	}
}

// Schedule arms a reconnect for the connection after the fixed delay.
func (s *Supervisor) Schedule(connectionID string, reconnect func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[connectionID]; ok {
		timer.Stop()
	}

	s.logger.Infof("Scheduling reconnect for %s in %s", connectionID, s.delay)
	s.timers[connectionID] = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		delete(s.timers, connectionID)
		s.mu.Unlock()
		reconnect()
	})
}

// Cancel drops any pending reconnect for the connection.
func (s *Supervisor) Cancel(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[connectionID]; ok {
		timer.Stop()
		delete(s.timers, connectionID)
		s.logger.Debugf("Cancelled pending reconnect for %s", connectionID)
	}
}

// CancelAll drops every pending reconnect. Used during shutdown.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// Pending reports whether a reconnect is currently scheduled.
func (s *Supervisor) Pending(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[connectionID]
	return ok
}
