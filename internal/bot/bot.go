// Package bot is the Telegram command surface: it routes slash commands from
// the transport to handlers through a bounded worker pool, behind an
// authorization gate.
package bot

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"xrelay/internal/credential"
	"xrelay/internal/poller"
	rtsup "xrelay/internal/runtime/supervisor"
	"xrelay/internal/source"
	"xrelay/internal/state"
	"xrelay/internal/storage"
	kit "xrelay/internal/transport"
	logx "xrelay/pkg/logx"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
	defaultTimeout   = 60 * time.Second
)

// StateStore is the persisted relay record.
type StateStore interface {
	Snapshot() state.Record
	SetSource(id, handle string) error
	SetDestination(channel string) error
}

type UserResolver interface {
	LookupUser(ctx context.Context, handle string) (source.User, error)
}

// CredentialView is the read side of the credential pool.
type CredentialView interface {
	Len() int
	Current() int
	Snapshot() []credential.Status
	SoonestAvailable() (time.Duration, bool)
}

type Checker interface {
	CheckNow(ctx context.Context) (poller.Result, error)
	RateLimitWait() (time.Duration, bool)
}

type Tester interface {
	SendTest(ctx context.Context, destination string) error
}

// Deps are the core services commands act on. History may be nil.
type Deps struct {
	State   StateStore
	Users   UserResolver
	Creds   CredentialView
	Checker Checker
	Tester  Tester
	History storage.Store
	Auth    *Authorizer

	// OnChange runs after the source or destination was changed.
	OnChange func()
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration // per command
}

// Command is one slash command.
type Command struct {
	Name        string
	Description string
	// Open commands skip the authorization gate.
	Open bool
	// Audit appends every invocation to the audit log.
	Audit   bool
	Timeout time.Duration
	Handle  HandlerFunc
}

// Request is one routed command invocation.
type Request struct {
	MessageID    int
	ChatID       int64
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string
	Logger       logx.Logger

	msg kit.Messenger
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.msg.SendText(ctx, kit.ChatTarget{ChatID: r.ChatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Bot struct {
	cfg  Config
	deps Deps
	msg  kit.Messenger
	log  logx.Logger

	cmds  map[string]Command
	order []string

	runMu   sync.Mutex
	running bool
	jobs    chan func()
}

func New(msg kit.Messenger, deps Deps, cfg Config, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if msg == nil {
		msg = kit.Unavailable{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if deps.Auth == nil {
		deps.Auth = NewAuthorizer(0)
	}
	b := &Bot{
		cfg:  cfg,
		deps: deps,
		msg:  msg,
		log:  log,
		cmds: map[string]Command{},
		jobs: make(chan func(), cfg.QueueSize),
	}
	for _, c := range b.commands() {
		b.register(c)
	}
	return b
}

func (b *Bot) register(c Command) {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "" || c.Handle == nil {
		return
	}
	if _, dup := b.cmds[name]; !dup {
		b.order = append(b.order, name)
	}
	c.Name = name
	b.cmds[name] = c
}

// Commands lists the registered commands in registration order.
func (b *Bot) Commands() []Command {
	out := make([]Command, 0, len(b.order))
	for _, n := range b.order {
		out = append(out, b.cmds[n])
	}
	return out
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (b *Bot) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case b.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run dispatches updates until ctx is done or updates is closed. The job
// queue is closed on return so Run can only be called once.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	b.runMu.Unlock()

	sup := rtsup.New(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "bot.dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	b.log.Info("command dispatcher started", logx.Int("workers", b.cfg.Workers), logx.Int("job_queue_cap", cap(b.jobs)))

	if up, ok := b.msg.(kit.CommandMenuUpdater); ok {
		menu := b.menu()
		sup.Go("telegram.menu.update", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				b.log.Debug("menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	for i := 0; i < b.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-b.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								b.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		close(b.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		b.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(ctx, up)
		}
	}
}

func (b *Bot) route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	cmd, ok := b.cmds[word]
	if !ok {
		b.log.Debug("unknown command", logx.String("cmd", word), logx.Int64("chat_id", msg.ChatID))
		return
	}

	rid := uuid.NewString()
	req := &Request{
		MessageID:    msg.ID,
		ChatID:       msg.ChatID,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         parts[1:],
		ReqID:        rid,
		msg:          b.msg,
		Logger: b.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}
	mws := []Middleware{
		MWPanicRecover(b.log),
		MWRequestLog(b.log),
		MWTimeout(timeout),
	}
	if !cmd.Open {
		mws = append(mws, MWAuthorize(b.deps.Auth))
	}
	if cmd.Audit {
		mws = append(mws, MWAudit(b.deps.History, b.log))
	}
	final := Chain(cmd.Handle, mws...)

	if !b.tryEnqueue(func() { _ = final(ctx, req) }) {
		_ = req.Reply(ctx, msgBusy)
	}
}

// menu builds the Telegram /menu entries for every command.
func (b *Bot) menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(b.order))
	for _, n := range b.order {
		out = append(out, kit.BotCommand{Command: n, Description: b.cmds[n].Description})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}
