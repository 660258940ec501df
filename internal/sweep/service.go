// Package sweep runs the periodic maintenance jobs (reminder sweep,
// expiry sweep) on cron schedules in the configured timezone.
package sweep

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "gfxbot/pkg/logx"
)

type jobDef struct {
	name    string
	spec    string
	fn      func(ctx context.Context)
	entryID cron.EntryID
	running atomic.Bool
}

// Service is a thin lifecycle wrapper around robfig/cron. Jobs are
// registered before Start; specs accept standard cron expressions
// (optionally with seconds), descriptors like @hourly, and @every
// durations. Overlapping runs of the same job are skipped.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   []*jobDef

	runCtx context.Context
}

func New(timezone string, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	tz := strings.TrimSpace(timezone)
	loc := time.Local
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("sweep timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	return &Service{
		log: log,
		loc: loc,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}, nil
}

// ValidateSpec reports whether a cron spec is parseable with the same
// grammar Add uses. Useful for rejecting a bad spec at config time.
func ValidateSpec(spec string) error {
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := p.Parse(spec)
	return err
}

// Add registers a named job. Returns an error for an invalid spec.
// Must be called before Start.
func (s *Service) Add(name, spec string, fn func(ctx context.Context)) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("sweep %s: invalid spec %q: %w", name, spec, err)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, &jobDef{name: name, spec: spec, fn: fn})
	s.mu.Unlock()
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		j := j
		id, err := s.c.AddFunc(j.spec, func() { s.run(j) })
		if err != nil {
			// Spec was validated in Add; only a programming error ends
			// up here.
			s.log.Error("job registration failed", logx.String("job", j.name), logx.Err(err))
			continue
		}
		j.entryID = id
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("service stopped")
}

// RunNow triggers every registered job once, outside its schedule.
// Used at startup so overdue work is caught up immediately instead of
// waiting for the first tick.
func (s *Service) RunNow() {
	s.mu.Lock()
	jobs := append([]*jobDef(nil), s.jobs...)
	s.mu.Unlock()
	for _, j := range jobs {
		s.run(j)
	}
}

func (s *Service) run(j *jobDef) {
	if !j.running.CompareAndSwap(false, true) {
		s.log.Warn("job still running, skipping", logx.String("job", j.name))
		return
	}
	defer j.running.Store(false)

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", j.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	j.fn(ctx)
	s.log.Debug("job done", logx.String("job", j.name), logx.Duration("took", time.Since(start)))
}
