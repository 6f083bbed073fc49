package scheduler

import (
	"time"

	logx "puddlejobs/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a rejected firing at most once per trigger per window.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("firing dropped: enqueue failed", logx.String("trigger", name), logx.Err(err))
}
