package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"puddlejobs/internal/domain"
	"puddlejobs/internal/eventbus"
	"puddlejobs/internal/execution"
	rtsup "puddlejobs/internal/runtime/supervisor"
	logx "puddlejobs/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify: disabled")
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: stopped")
)

type job struct {
	msg Message
	ev  NotificationEvent
	key string
}

// Service is the async alert pipeline: queue, worker pool, rate limit,
// retry and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg      Config
	statuses map[domain.Status]bool
	limiter  *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	workerWG  sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notify")),
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// SetSender replaces the transport. It is used when alerts are enabled by a
// config reload after startup.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Apply swaps the config. Worker and queue sizes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if len(cfg.Statuses) == 0 {
		cfg.Statuses = []domain.Status{domain.StatusFailed}
	}
	s.statuses = make(map[domain.Status]bool, len(cfg.Statuses))
	for _, st := range cfg.Statuses {
		s.statuses[st] = true
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to execution.finished and starts the workers. It is a
// no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	events, unsub := s.bus.Subscribe(64)
	sup.Go("subscribe", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e := <-events:
				if e.Type != eventbus.TopicExecutionFinished {
					continue
				}
				if ev, ok := e.Data.(execution.FinishedEvent); ok {
					if err := s.Finished(c, ev); err != nil && !errors.Is(err, ErrStopped) {
						s.log.Warn("alert not queued", logx.Int64("execution_id", ev.Record.ID), logx.Err(err))
					}
				}
			}
		}
	})

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		sup.Go(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			defer s.workerWG.Done()
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop blocks intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)

	drained := make(chan struct{})
	go func() {
		// Workers return once the closed queue is drained.
		s.workerWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.log.Warn("notifier stop deadline reached, pending alerts discarded")
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	s.log.Info("notifier stopped")
}

// Finished queues an alert for ev when its status is selected.
func (s *Service) Finished(ctx context.Context, ev execution.FinishedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.statuses[ev.Record.Status] {
		s.mu.Unlock()
		return nil
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, cfg := s.queue, s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	j := job{
		msg: Message{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID, Text: Render(ev)},
		ev: NotificationEvent{
			ExecutionID: ev.Record.ID,
			JobID:       ev.Record.JobID,
			Status:      string(ev.Record.Status),
			At:          time.Now(),
		},
		key: fmt.Sprintf("%d|%s|%s", ev.Record.JobID, ev.Record.Status, ev.Error),
	}
	if cfg.DedupWindow > 0 && !s.dedupAllow(j.key, cfg.DedupWindow) {
		return nil
	}

	select {
	case q <- j:
		return nil
	default:
		j.ev.Error = ErrQueueFull.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicNotifyDropped, Time: j.ev.At, Data: j.ev})
		return ErrQueueFull
	}
}

// Render formats the alert for a finished execution as Telegram HTML.
func Render(ev execution.FinishedEvent) string {
	r := ev.Record
	name := ev.JobName
	if name == "" {
		name = domain.JobKeyFor(r.JobID).String()
	}
	lines := []H{
		H(statusMark(r.Status)+" ") + B(fmt.Sprintf("job %s (id %d) %s", name, r.JobID, r.Status)),
	}
	if r.ID != 0 {
		lines = append(lines, "execution: "+Code(fmt.Sprint(r.ID)))
	}
	if r.FireInstanceID != "" {
		lines = append(lines, "fire instance: "+Code(r.FireInstanceID))
	}
	if d := r.Duration(); d > 0 {
		lines = append(lines, "duration: "+Esc(d.Round(time.Millisecond).String()))
	}
	if ev.Stage != "" {
		lines = append(lines, "stage: "+Esc(ev.Stage))
	}
	if ev.Error != "" {
		// Escaping can grow the text; leave room for tags and the header.
		lines = append(lines, Pre(clip(ev.Error, MaxMessageLen/2)))
	}
	return string(JoinH("\n", lines...))
}

func statusMark(st domain.Status) string {
	switch st {
	case domain.StatusFailed:
		return "🚨"
	case domain.StatusCancelled:
		return "⚠️"
	case domain.StatusSuccess:
		return "✅"
	default:
		return "ℹ️"
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sender.Send(callCtx, j.msg)
		cancel()
		if err == nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicNotifySent, Time: time.Now(), Data: j.ev})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt >= attempts || errors.Is(err, ErrBreakerOpen) {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("alert dropped", logx.Int64("execution_id", j.ev.ExecutionID), logx.Err(lastErr))
	j.ev.Error = lastErr.Error()
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicNotifyFailed, Time: time.Now(), Data: j.ev})
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

// ParseStatuses maps config strings to statuses, rejecting unknown names.
func ParseStatuses(names []string) ([]domain.Status, error) {
	out := make([]domain.Status, 0, len(names))
	for _, n := range names {
		st := domain.Status(strings.ToLower(strings.TrimSpace(n)))
		if !st.Terminal() {
			return nil, fmt.Errorf("notify: status %q is not a terminal status", n)
		}
		if !slices.Contains(out, st) {
			out = append(out, st)
		}
	}
	return out, nil
}
