// Package notifier delivers moderator alerts asynchronously:
// a bounded queue, a small worker pool, a shared rate limit, retry
// with backoff, and a dedup window so the same subject doesn't ping
// the moderator repeatedly (the window survives restarts through the
// persistent dedup store).
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "gfxbot/internal/runtime/supervisor"
	kit "gfxbot/internal/transport"
	logx "gfxbot/pkg/logx"
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Sender is the outbound surface the notifier needs from the adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// DedupStore persists suppression windows across restarts.
// May be nil; dedup then lives in memory only.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type job struct {
	dedupKey string
	target   kit.ChatTarget
	text     string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	dstore DedupStore

	cfg     Config
	limiter *rate.Limiter

	moderators []int64

	accepting bool
	queue     chan job
	sup       *rtsup.Supervisor

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, dstore DedupStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, sender: sender, dstore: dstore, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

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
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Minute
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1024
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetModerators replaces the alert recipients (hot-reloadable).
func (s *Service) SetModerators(ids []int64) {
	s.mu.Lock()
	s.moderators = append([]int64(nil), ids...)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.Go0("notifier.worker", s.workerLoop)
	}
	s.log.Info("service started", logx.Int("workers", s.cfg.Workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.accepting = false
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("service stopped")
}

// Alert queues the text for every configured moderator. Never blocks:
// with a full queue the alert is dropped with a warning (it will fire
// again once the underlying condition re-triggers past the dedup
// window). Implements monitor.Alerter.
func (s *Service) Alert(key, text string) {
	s.mu.Lock()
	accepting, queue := s.accepting, s.queue
	mods := s.moderators
	window := s.cfg.DedupWindow
	s.mu.Unlock()

	if !accepting || len(mods) == 0 {
		return
	}
	now := time.Now()
	for _, id := range mods {
		j := job{target: kit.ChatTarget{ChatID: id}, text: text}
		if key != "" {
			// Dedup is scoped per recipient: delivering to one moderator
			// must not suppress the same alert still queued for another.
			j.dedupKey = fmt.Sprintf("%s:%d", key, id)
		}
		if window > 0 && s.suppressed(j.dedupKey, now) {
			continue
		}
		select {
		case queue <- j:
		default:
			s.log.Warn("alert queue full, dropping", logx.String("key", key))
		}
	}
}

func (s *Service) workerLoop(ctx context.Context) {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			s.process(ctx, j)
		}
	}
}

func (s *Service) process(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	limiter := s.limiter
	s.mu.Unlock()

	// Re-check dedup at delivery time: another worker may have just
	// delivered the same key.
	now := time.Now()
	if cfg.DedupWindow > 0 {
		if s.suppressed(j.dedupKey, now) {
			return
		}
		s.remember(ctx, j.dedupKey, now.Add(cfg.DedupWindow), cfg.DedupMaxEntries)
	}

	delay := cfg.RetryBase
	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		_, err := s.sender.SendText(ctx, j.target, j.text, nil)
		if err == nil {
			s.log.Debug("alert delivered", logx.String("key", j.dedupKey), logx.Int64("chat_id", j.target.ChatID))
			return
		}
		if attempt >= cfg.RetryMax {
			s.log.Warn("alert delivery failed", logx.String("key", j.dedupKey), logx.Int("attempts", attempt+1), logx.Err(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
		}
	}
}

func (s *Service) suppressed(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if ok && now.Before(until) {
		return true
	}
	if !ok && s.dstore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer cancel()
		if until, found, err := s.dstore.GetDedup(ctx, key); err == nil && found && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return true
		}
	}
	return false
}

func (s *Service) remember(ctx context.Context, key string, until time.Time, maxEntries int) {
	if key == "" {
		return
	}
	s.dmu.Lock()
	if len(s.dedup) >= maxEntries {
		// Cheap bound: drop expired entries, then give up on overflow.
		now := time.Now()
		for k, u := range s.dedup {
			if u.Before(now) {
				delete(s.dedup, k)
			}
		}
	}
	if len(s.dedup) < maxEntries {
		s.dedup[key] = until
	}
	s.dmu.Unlock()

	if s.dstore != nil {
		wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		_ = s.dstore.PutDedup(wctx, key, until)
		cancel()
	}
}
