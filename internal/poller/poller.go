// Package poller runs the fetch, dedup, relay and commit cycle on an adaptive
// timer and serves manual check requests.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"xrelay/internal/relay"
	"xrelay/internal/source"
	"xrelay/internal/state"
	"xrelay/internal/storage"
	logx "xrelay/pkg/logx"
)

// ErrNotConfigured is reported by a cycle while the source account or the
// destination channel is unset.
var ErrNotConfigured = errors.New("poller: source account or destination not configured")

type State int32

const (
	Idle State = iota
	Fetching
	RelayPending
	Sleeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case RelayPending:
		return "relay_pending"
	case Sleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// Outcome classifies a finished cycle.
type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomeRelayed
	OutcomeDuplicate
	OutcomeRateLimited
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeRelayed:
		return "relayed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes one cycle.
type Result struct {
	Outcome Outcome
	Post    source.Post  // set for relayed and duplicate
	Report  relay.Report // set for relayed
	Err     error
}

type Fetcher interface {
	FetchLatest(ctx context.Context, accountID string) (source.Post, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, destination, handle string, post source.Post) relay.Report
}

// Cursor is the dedup authority and the holder of the relay record.
type Cursor interface {
	Snapshot() state.Record
	IsNew(postID string) bool
	Commit(postID string) error
}

type Config struct {
	Base time.Duration
	Max  time.Duration
}

type Poller struct {
	cfg     Config
	fetch   Fetcher
	relay   Deliverer
	cursor  Cursor
	history storage.Store // nil when storage is disabled
	log     logx.Logger
	now     func() time.Time

	// cycleMu spans is_new, deliver and commit so timer and manual cycles
	// never relay the same post twice.
	cycleMu sync.Mutex

	state       atomic.Int32
	delay       atomic.Int64
	lastLimited atomic.Int64 // unix nanos of the last rate-limited cycle
	running     atomic.Bool

	wake   chan struct{}
	manual chan manualReq
}

type manualReq struct {
	ctx   context.Context
	reply chan Result
}

type Option func(*Poller)

// WithHistory records every relay in st.
func WithHistory(st storage.Store) Option { return func(p *Poller) { p.history = st } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

func New(cfg Config, fetch Fetcher, deliver Deliverer, cursor Cursor, log logx.Logger, opts ...Option) *Poller {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBaseInterval
	}
	if cfg.Max < cfg.Base {
		cfg.Max = max(DefaultMaxInterval, cfg.Base)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poller{
		cfg:    cfg,
		fetch:  fetch,
		relay:  deliver,
		cursor: cursor,
		log:    log,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		manual: make(chan manualReq),
	}
	for _, o := range opts {
		o(p)
	}
	p.delay.Store(int64(cfg.Base))
	return p
}

func (p *Poller) State() State { return State(p.state.Load()) }

// CurrentDelay is the delay the timer loop sleeps after its latest cycle.
func (p *Poller) CurrentDelay() time.Duration { return time.Duration(p.delay.Load()) }

// LastRateLimited returns when a cycle last ended rate limited (zero if never).
func (p *Poller) LastRateLimited() time.Time {
	n := p.lastLimited.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// RateLimitWait estimates how long until the rate-limit backoff ends: the
// current delay measured from the last rate-limited cycle. ok is false when no
// rate limit was ever observed.
func (p *Poller) RateLimitWait() (wait time.Duration, ok bool) {
	at := p.LastRateLimited()
	if at.IsZero() {
		return 0, false
	}
	return max(p.CurrentDelay()-p.now().Sub(at), 0), true
}

// Trigger cuts the current sleep short. It never blocks.
func (p *Poller) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drives timer cycles until ctx is done. A failing or panicking cycle is
// logged and followed by backoff; it never ends the loop.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("poller: already running")
	}
	defer p.running.Store(false)

	p.log.Info("poll loop started", logx.Duration("base", p.cfg.Base), logx.Duration("max", p.cfg.Max))
	defer p.log.Info("poll loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		res := p.safeCycle(ctx, false)
		delay := p.advance(res.Outcome)
		if res.Outcome != OutcomeIdle {
			p.setState(Sleeping)
		}
		p.log.Debug("poll cycle done", logx.String("outcome", res.Outcome.String()), logx.Duration("next", delay))

		if !p.sleep(ctx, delay) {
			return nil
		}
		p.setState(Idle)
	}
}

// sleep waits out d while serving manual requests. It returns false when
// ctx is done.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-p.wake:
			return true
		case req := <-p.manual:
			prev := p.State()
			res := p.safeCycle(req.ctx, true)
			p.setState(prev)
			req.reply <- res
		}
	}
}

// CheckNow runs a cycle immediately. When the timer loop is running the
// request is handed to it, otherwise the cycle runs on the caller's
// goroutine. The timer's delay is left untouched either way.
func (p *Poller) CheckNow(ctx context.Context) (Result, error) {
	if p.running.Load() {
		req := manualReq{ctx: ctx, reply: make(chan Result, 1)}
		select {
		case p.manual <- req:
			select {
			case res := <-req.reply:
				return res, res.Err
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
			// Loop is mid-cycle; the cycle lock serializes us behind it.
		}
	}
	res := p.safeCycle(ctx, true)
	if p.running.Load() {
		p.setState(Sleeping)
	} else {
		p.setState(Idle)
	}
	return res, res.Err
}

func (p *Poller) advance(o Outcome) time.Duration {
	d := nextDelay(p.CurrentDelay(), p.cfg.Base, p.cfg.Max, o)
	p.delay.Store(int64(d))
	return d
}

func (p *Poller) safeCycle(ctx context.Context, manual bool) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("poll cycle panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("poll cycle panic: %v", r)}
		}
	}()
	return p.cycle(ctx, manual)
}

func (p *Poller) cycle(ctx context.Context, manual bool) Result {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	rec := p.cursor.Snapshot()
	if !rec.Ready() {
		p.setState(Idle)
		return Result{Outcome: OutcomeIdle, Err: ErrNotConfigured}
	}
	handle := rec.Handle()
	if handle == "" {
		handle = rec.AccountID()
	}
	log := p.log.With(logx.String("account", handle), logx.Bool("manual", manual))

	p.setState(Fetching)
	post, err := p.fetch.FetchLatest(ctx, rec.AccountID())
	if err != nil {
		if source.IsRateLimited(err) {
			p.lastLimited.Store(p.now().UnixNano())
			log.Warn("fetch rate limited", logx.Err(err))
			return Result{Outcome: OutcomeRateLimited, Err: err}
		}
		log.Warn("fetch failed", logx.String("kind", source.KindOf(err).String()), logx.Err(err))
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	if !p.cursor.IsNew(post.ID) {
		log.Debug("no new post", logx.String("post_id", post.ID))
		return Result{Outcome: OutcomeDuplicate, Post: post}
	}

	p.setState(RelayPending)
	rep := p.relay.Deliver(ctx, rec.Destination(), handle, post)
	res := Result{Outcome: OutcomeRelayed, Post: post, Report: rep}
	// Commit even on partial delivery: a failed message is not retried.
	if err := p.cursor.Commit(post.ID); err != nil {
		log.Error("cursor commit failed; post may be relayed again", logx.String("post_id", post.ID), logx.Err(err))
		res.Err = fmt.Errorf("commit cursor: %w", err)
	}
	p.recordDelivery(ctx, rec, handle, post, rep, manual)
	log.Info("new post relayed", logx.String("post_id", post.ID), logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed))
	return res
}

func (p *Poller) recordDelivery(ctx context.Context, rec state.Record, handle string, post source.Post, rep relay.Report, manual bool) {
	if p.history == nil {
		return
	}
	d := storage.Delivery{
		At:      p.now(),
		PostID:  post.ID,
		Handle:  handle,
		Channel: rec.Destination(),
		Sent:    rep.Sent,
		Failed:  rep.Failed,
		Manual:  manual,
	}
	if err := rep.Err(); err != nil {
		d.Error = err.Error()
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.history.RecordDelivery(hctx, d); err != nil {
		p.log.Debug("delivery history write failed", logx.Err(err))
	}
}

func (p *Poller) setState(s State) { p.state.Store(int32(s)) }
