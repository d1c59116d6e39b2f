// Package report sends a periodic status summary to the administrator chat
// on a cron schedule.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	kit "xrelay/internal/transport"
	logx "xrelay/pkg/logx"
)

const header = "🕘 Scheduled status report\n\n"

type Config struct {
	// Schedule is a 5-field cron spec or a descriptor ("@daily", "@every 6h").
	Schedule string
	// Timezone is an IANA name; empty means local time.
	Timezone string
	// AdminID is the chat the report goes to. Zero disables the report.
	AdminID int64
	Timeout time.Duration
}

// Enabled reports whether both a schedule and a recipient are set.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Schedule) != "" && c.AdminID != 0 }

type Service struct {
	cfg    Config
	loc    *time.Location
	sched  cron.Schedule
	msg    kit.Messenger
	status func() string
	log    logx.Logger

	mu   sync.Mutex
	c    *cron.Cron
	ctx  context.Context
	sent int
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates cfg. status renders the report body at send time.
func New(cfg Config, msg kit.Messenger, status func() string, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if msg == nil {
		msg = kit.Unavailable{}
	}
	if status == nil {
		return nil, errors.New("report: status func is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Service{cfg: cfg, msg: msg, status: status, log: log, loc: time.Local}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("report timezone %q: %w", tz, err)
		}
		s.loc = loc
	}
	if spec := strings.TrimSpace(cfg.Schedule); spec != "" {
		sched, err := parser.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("report schedule %q: %w", spec, err)
		}
		s.sched = sched
	}
	return s, nil
}

// Next returns the next scheduled run after now (zero when disabled).
func (s *Service) Next(now time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(now.In(s.loc))
}

// Start schedules the report. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled() || s.sched == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.c.Schedule(s.sched, cron.FuncJob(s.run))
	s.c.Start()
	s.log.Info("status report scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("tz", s.loc.String()), logx.Time("next", s.Next(time.Now())))
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run() {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()
	if err := s.Send(ctx); err != nil {
		s.log.Warn("status report failed", logx.Err(err))
	}
}

// Send delivers one report immediately.
func (s *Service) Send(ctx context.Context) error {
	if s.cfg.AdminID == 0 {
		return errors.New("report: no recipient")
	}
	to := kit.ChatTarget{ChatID: s.cfg.AdminID}
	if _, err := s.msg.SendText(ctx, to, header+s.status(), &kit.SendOptions{DisablePreview: true}); err != nil {
		return fmt.Errorf("send status report: %w", err)
	}
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

// Sent counts delivered reports.
func (s *Service) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
