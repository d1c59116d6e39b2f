package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"xrelay/internal/credential"
	"xrelay/internal/poller"
	"xrelay/internal/relay"
	"xrelay/internal/source"
	"xrelay/internal/state"
	"xrelay/internal/storage"
	kit "xrelay/internal/transport"
	"xrelay/internal/transport/transporttest"
	logx "xrelay/pkg/logx"
)

const adminID = int64(1)

type fakeUsers map[string]string

func (f fakeUsers) LookupUser(_ context.Context, handle string) (source.User, error) {
	id, ok := f[handle]
	if !ok {
		return source.User{}, &source.FetchError{Kind: source.KindNoData}
	}
	return source.User{ID: id, Username: handle}, nil
}

type fakeChecker struct {
	res  poller.Result
	err  error
	wait time.Duration
	seen bool

	calls atomic.Int32
}

func (f *fakeChecker) CheckNow(context.Context) (poller.Result, error) {
	f.calls.Add(1)
	return f.res, f.err
}

func (f *fakeChecker) RateLimitWait() (time.Duration, bool) { return f.wait, f.seen }

type harness struct {
	t       *testing.T
	a       *transporttest.Adapter
	b       *Bot
	st      *state.Store
	pool    *credential.Pool
	check   *fakeChecker
	hist    storage.Store
	changes atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(filepath.Join(dir, "config.json"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	hist, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "history")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	h := &harness{
		t:     t,
		a:     &transporttest.Adapter{},
		st:    st,
		pool:  credential.New([]string{"token-aaaa1111", "token-bbbb2222"}),
		check: &fakeChecker{},
		hist:  hist,
	}
	h.b = New(h.a, Deps{
		State:    st,
		Users:    fakeUsers{"acct": "42"},
		Creds:    h.pool,
		Checker:  h.check,
		Tester:   relay.New(h.a, relay.Config{RatePerSec: 1000, Burst: 10}, logx.Nop()),
		History:  hist,
		Auth:     NewAuthorizer(adminID),
		OnChange: func() { h.changes.Add(1) },
	}, Config{Workers: 2, Timeout: 5 * time.Second}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	updates := make(chan kit.Update, 8)
	go func() { _ = h.b.Run(ctx, updates) }()
	_ = h.a.Start(ctx, updates)
	return h
}

// send pushes a command and waits for want outbound messages.
func (h *harness) send(from int64, username, text string, want int) []transporttest.Sent {
	h.t.Helper()
	before := len(h.a.Sent())
	if !h.a.Push(kit.Update{Message: &kit.Message{ChatID: from, FromID: from, FromUsername: username, Text: text}}) {
		h.t.Fatal("adapter not started")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.a.Sent()) < before+want {
		if time.Now().After(deadline) {
			h.t.Fatalf("%q: got %d messages, want %d", text, len(h.a.Sent())-before, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h.a.Sent()[before:]
}

func (h *harness) reply(from int64, username, text string) string {
	h.t.Helper()
	got := h.send(from, username, text, 1)
	if got[0].To.ChatID != from {
		h.t.Fatalf("reply went to %v, want chat %d", got[0].To, from)
	}
	return got[0].Text
}

func TestUnauthorizedRejected(t *testing.T) {
	h := newHarness(t)
	for _, cmd := range []string{"/setusername acct", "/setchannel @chan", "/testpost", "/checknow", "/ratelimit", "/history"} {
		if got := h.reply(7, "bob", cmd); got != msgUnauthorized {
			t.Fatalf("%s: reply = %q", cmd, got)
		}
	}
	rec := h.st.Snapshot()
	if rec.AccountID() != "" || rec.Destination() != "" || h.check.calls.Load() != 0 {
		t.Fatalf("unauthorized commands changed state: %+v", rec)
	}
}

func TestLoginLogoutFlow(t *testing.T) {
	h := newHarness(t)

	if got := h.reply(adminID, "root", "/login"); got != "✅ You are already the admin!" {
		t.Fatalf("admin login = %q", got)
	}
	if got := h.reply(adminID, "root", "/logout"); got != "❌ Admin cannot logout!" {
		t.Fatalf("admin logout = %q", got)
	}

	want := "✅ Welcome @bob! You are now authorized to use this bot.\nYour Telegram ID: 7"
	if got := h.reply(7, "bob", "/login"); got != want {
		t.Fatalf("login = %q", got)
	}
	if got := h.reply(7, "bob", "/setchannel @chan"); got != "✅ Telegram channel set to @chan" {
		t.Fatalf("setchannel = %q", got)
	}
	if h.st.Snapshot().Destination() != "@chan" || h.changes.Load() != 1 {
		t.Fatalf("destination = %q changes=%d", h.st.Snapshot().Destination(), h.changes.Load())
	}

	if got := h.reply(7, "bob", "/logout"); got != "✅ Goodbye @bob! You have been logged out." {
		t.Fatalf("logout = %q", got)
	}
	if got := h.reply(7, "bob", "/logout"); got != "ℹ️ You weren't logged in." {
		t.Fatalf("second logout = %q", got)
	}
	if got := h.reply(7, "bob", "/setchannel @other"); got != msgUnauthorized {
		t.Fatalf("after logout = %q", got)
	}
	if got := h.reply(8, "", "/login"); !strings.HasPrefix(got, "✅ Welcome @unknown!") {
		t.Fatalf("login without username = %q", got)
	}
}

func TestSetUsername(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		cmd  string
		want string
	}{
		{"/setusername", msgUsageUsername},
		{"/setusername @nobody", msgUnknownAccount},
		{"/setusername @acct", "✅ X account set to @acct (ID: 42)"},
	}
	for _, tt := range tests {
		if got := h.reply(adminID, "root", tt.cmd); got != tt.want {
			t.Fatalf("%s: reply = %q, want %q", tt.cmd, got, tt.want)
		}
	}
	rec := h.st.Snapshot()
	if rec.AccountID() != "42" || rec.Handle() != "acct" || h.changes.Load() != 1 {
		t.Fatalf("record = %s/%s changes=%d", rec.AccountID(), rec.Handle(), h.changes.Load())
	}
}

func TestSetChannelValidates(t *testing.T) {
	h := newHarness(t)
	if got := h.reply(adminID, "root", "/setchannel"); got != msgUsageChannel {
		t.Fatalf("reply = %q", got)
	}
	if got := h.reply(adminID, "root", "/setchannel 0"); got != msgUsageChannel {
		t.Fatalf("reply = %q", got)
	}
	if got := h.reply(adminID, "root", "/setchannel -1001234"); got != "✅ Telegram channel set to -1001234" {
		t.Fatalf("reply = %q", got)
	}
}

func TestCommandMentionAndUnknown(t *testing.T) {
	h := newHarness(t)
	// Unknown commands and plain text get no reply; the next reply is /help's.
	h.a.Push(kit.Update{Message: &kit.Message{ChatID: 5, FromID: 5, Text: "/nope"}})
	h.a.Push(kit.Update{Message: &kit.Message{ChatID: 5, FromID: 5, Text: "hello"}})
	if got := h.reply(5, "eve", "/HELP@xrelay_bot"); got != helpText {
		t.Fatalf("help = %q", got)
	}
	if got := h.reply(5, "eve", "/start"); got != helpText {
		t.Fatalf("start = %q", got)
	}
}

func TestTestPost(t *testing.T) {
	h := newHarness(t)
	if got := h.reply(adminID, "root", "/testpost"); got != msgNeedChannel {
		t.Fatalf("reply = %q", got)
	}
	if err := h.st.SetDestination("@chan"); err != nil {
		t.Fatal(err)
	}
	got := h.send(adminID, "root", "/testpost", 2)
	if got[0].To.Username != "@chan" || !strings.HasPrefix(got[0].Text, "This is a test post") {
		t.Fatalf("test post = %+v", got[0])
	}
	if got[1].Text != "✅ Test post sent to your channel!" {
		t.Fatalf("reply = %q", got[1].Text)
	}
}

func TestCheckNowPrechecks(t *testing.T) {
	h := newHarness(t)
	if got := h.reply(adminID, "root", "/checknow"); got != msgNeedSource {
		t.Fatalf("reply = %q", got)
	}
	if err := h.st.SetSource("42", "acct"); err != nil {
		t.Fatal(err)
	}
	if got := h.reply(adminID, "root", "/checknow"); got != msgNeedChannel {
		t.Fatalf("reply = %q", got)
	}
	if err := h.st.SetDestination("@chan"); err != nil {
		t.Fatal(err)
	}
	h.check.res = poller.Result{Outcome: poller.OutcomeDuplicate}
	got := h.send(adminID, "root", "/checknow", 2)
	if got[0].Text != "🔍 Checking for new tweets..." || got[1].Text != "ℹ️ No new tweets found since last check" {
		t.Fatalf("replies = %q / %q", got[0].Text, got[1].Text)
	}
	if h.check.calls.Load() != 1 {
		t.Fatalf("CheckNow calls = %d", h.check.calls.Load())
	}
}

func TestCheckNowReply(t *testing.T) {
	long := strings.Repeat("é", 60) + " https://t.co/abc"
	tests := []struct {
		name    string
		res     poller.Result
		err     error
		want    string
		wantErr bool
	}{
		{
			name: "relayed",
			res:  poller.Result{Outcome: poller.OutcomeRelayed, Post: source.Post{ID: "1", Text: "hi https://t.co/xyz"}},
			want: "✅ Posted new tweet: hi...",
		},
		{
			name: "relayed long text truncated by rune",
			res:  poller.Result{Outcome: poller.OutcomeRelayed, Post: source.Post{ID: "1", Text: long}},
			want: "✅ Posted new tweet: " + strings.Repeat("é", 50) + "...",
		},
		{
			name: "duplicate",
			res:  poller.Result{Outcome: poller.OutcomeDuplicate},
			want: "ℹ️ No new tweets found since last check",
		},
		{
			name: "rate limited",
			res:  poller.Result{Outcome: poller.OutcomeRateLimited},
			err:  &source.FetchError{Kind: source.KindRateLimited},
			want: "❌ Could not fetch tweets (may be rate limited)",
		},
		{
			name: "api error",
			res:  poller.Result{Outcome: poller.OutcomeFailed},
			err:  &source.FetchError{Kind: source.KindAPI, Status: 500, Body: "x"},
			want: "❌ Could not fetch tweets (may be rate limited)",
		},
		{
			name:    "other error",
			res:     poller.Result{Outcome: poller.OutcomeRelayed},
			err:     errors.New("commit cursor: disk full"),
			want:    "❌ Error checking tweets: commit cursor: disk full",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := checkNowReply(tt.res, tt.err)
			if got != tt.want {
				t.Fatalf("reply = %q, want %q", got, tt.want)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRateLimitText(t *testing.T) {
	tests := []struct {
		wait time.Duration
		seen bool
		want string
	}{
		{0, false, "✅ No rate limit detected. You can check for tweets now with /checknow"},
		{0, true, "✅ Rate limit should be cleared. Try /checknow now!"},
		{45 * time.Second, true, "⏳ Rate limited by X API\nWait approximately: 45 seconds\nTry /checknow after this time."},
		{125*time.Second + 500*time.Millisecond, true, "⏳ Rate limited by X API\nWait approximately: 2 minutes, 5 seconds\nTry /checknow after this time."},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.wait, tt.seen), func(t *testing.T) {
			if got := rateLimitText(tt.wait, tt.seen); got != tt.want {
				t.Fatalf("rateLimitText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitUsesCredentialCooldowns(t *testing.T) {
	h := newHarness(t)
	h.pool.MarkRateLimited(0, 10*time.Minute)
	h.pool.MarkRateLimited(1, 10*time.Minute)
	got := h.reply(adminID, "root", "/ratelimit")
	if !strings.HasPrefix(got, "⏳ Rate limited by X API\nWait approximately: 9 minutes") {
		t.Fatalf("reply = %q", got)
	}
}

func TestStatusText(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pool := credential.New([]string{"token-aaaa1111", "token-bbbb2222"}, credential.WithClock(func() time.Time { return now }))
	pool.MarkRateLimited(1, 900*time.Second)
	now = now.Add(61 * time.Second)

	st, err := state.Open(filepath.Join(t.TempDir(), "config.json"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.SetSource("42", "acct")
	_ = st.SetDestination("@chan")
	_ = st.Commit("99")

	auth := NewAuthorizer(adminID)
	for id := int64(11); id <= 17; id++ {
		auth.Login(id)
	}
	b := New(nil, Deps{State: st, Creds: pool, Auth: auth}, Config{}, logx.Nop())

	want := "📊 Current Config:\n" +
		"• X Username: @acct\n" +
		"• X User ID: 42\n" +
		"• Telegram Channel: @chan\n" +
		"• Last Tweet ID: 99\n\n" +
		"🔑 X API Accounts: 2 configured\n" +
		"• Current token: #1\n" +
		"  Token 1: ✅ Available\n" +
		"  Token 2: ⏳ Rate limited (13m 59s)\n" +
		"\n👥 Authorized Users: 8\n" +
		"• Admin ID: 1\n" +
		"• User ID: 11\n" +
		"• User ID: 12\n" +
		"• User ID: 13\n" +
		"• User ID: 14\n" +
		"• User ID: 15\n" +
		"• ... and 2 more\n"
	if got := b.StatusText(); got != want {
		t.Fatalf("status:\n%s\nwant:\n%s", got, want)
	}
}

func TestStatusUnsetAndOpen(t *testing.T) {
	h := newHarness(t)
	got := h.reply(99, "stranger", "/status")
	for _, line := range []string{"• X Username: ❌ Not set", "• Last Tweet ID: ❌ None", "👥 Authorized Users: 1"} {
		if !strings.Contains(got, line) {
			t.Fatalf("status missing %q:\n%s", line, got)
		}
	}
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	if got := h.reply(adminID, "root", "/history"); got != "ℹ️ No posts relayed yet." {
		t.Fatalf("reply = %q", got)
	}
	at := time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)
	_ = h.hist.RecordDelivery(context.Background(), storage.Delivery{At: at, PostID: "1", Channel: "@chan", Sent: 1})
	_ = h.hist.RecordDelivery(context.Background(), storage.Delivery{At: at.Add(time.Hour), PostID: "2", Channel: "@chan", Sent: 2, Failed: 1, Manual: true})

	want := "📜 Recent relays:\n" +
		"• 2026-01-02 16:04 UTC #2 → @chan (2 sent, 1 failed, manual)\n" +
		"• 2026-01-02 15:04 UTC #1 → @chan (1 sent)"
	if got := h.reply(adminID, "root", "/history"); got != want {
		t.Fatalf("history = %q", got)
	}
	if got := h.reply(adminID, "root", "/history 1"); !strings.Contains(got, "#2") || strings.Contains(got, "#1 ") {
		t.Fatalf("history 1 = %q", got)
	}
	if got := h.reply(adminID, "root", "/history x"); got != "⚠️ Usage: /history [count]" {
		t.Fatalf("reply = %q", got)
	}
}

type menuAdapter struct {
	*transporttest.Adapter
	got chan []kit.BotCommand
}

func (m *menuAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	m.got <- cmds
	return nil
}

func TestRunRegistersMenu(t *testing.T) {
	m := &menuAdapter{Adapter: &transporttest.Adapter{}, got: make(chan []kit.BotCommand, 1)}
	b := New(m, Deps{}, Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx, make(chan kit.Update)) }()

	select {
	case cmds := <-m.got:
		if len(cmds) != len(b.Commands()) {
			t.Fatalf("menu has %d entries, want %d", len(cmds), len(b.Commands()))
		}
		for i := 1; i < len(cmds); i++ {
			if cmds[i-1].Command > cmds[i].Command {
				t.Fatalf("menu not sorted: %v", cmds)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("menu was not registered")
	}
}

func TestAuthorizer(t *testing.T) {
	a := NewAuthorizer(adminID)
	if !a.Allowed(adminID) || a.Allowed(2) {
		t.Fatal("initial state")
	}
	if a.Login(adminID) || a.Logout(adminID) {
		t.Fatal("admin must not be toggled")
	}
	a.Login(2)
	a.Login(3)
	a.Login(2)
	if got := a.Users(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("users = %v", got)
	}
	if !a.Logout(2) || a.Allowed(2) || a.Logout(2) {
		t.Fatal("logout")
	}
}
