package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"xrelay/internal/poller"
	"xrelay/internal/relay"
	"xrelay/internal/source"
	kit "xrelay/internal/transport"
	logx "xrelay/pkg/logx"
)

const (
	msgUnauthorized   = "❌ You are not authorized to use this command. Use /login first."
	msgBusy           = "⏳ Busy, try again in a moment."
	msgNeedSource     = "❌ Please set an X username first with /setusername"
	msgNeedChannel    = "❌ Please set a Telegram channel first with /setchannel"
	msgUsageUsername  = "⚠️ Usage: /setusername <username>"
	msgUsageChannel   = "⚠️ Usage: /setchannel <@channel or chat_id>"
	msgUnknownAccount = "❌ Could not find that username."

	historyDefault = 5
	historyMax     = 20
	statusMaxUsers = 5
)

const helpText = "👋 Hi! Use:\n" +
	"/setusername <username> → set X account\n" +
	"/setchannel <@channel or id> → set Telegram channel\n" +
	"/status → check current settings\n" +
	"/testpost → send a test post to your channel\n" +
	"/checknow → manually check for new tweets\n" +
	"/ratelimit → check X API rate limit status\n" +
	"/login → add yourself as authorized user\n" +
	"/logout → remove yourself as authorized user\n" +
	"/history → show recently relayed posts"

func (b *Bot) commands() []Command {
	return []Command{
		{Name: "start", Description: "show available commands", Open: true, Handle: b.cmdHelp},
		{Name: "help", Description: "show available commands", Open: true, Handle: b.cmdHelp},
		{Name: "setusername", Description: "set the X account to relay", Audit: true, Handle: b.cmdSetUsername},
		{Name: "setchannel", Description: "set the Telegram channel", Audit: true, Handle: b.cmdSetChannel},
		{Name: "status", Description: "check current settings", Open: true, Handle: b.cmdStatus},
		{Name: "testpost", Description: "send a test post to the channel", Audit: true, Handle: b.cmdTestPost},
		{Name: "checknow", Description: "check for new posts now", Audit: true, Handle: b.cmdCheckNow},
		{Name: "ratelimit", Description: "check X API rate limit status", Handle: b.cmdRateLimit},
		{Name: "history", Description: "show recently relayed posts", Handle: b.cmdHistory},
		{Name: "login", Description: "authorize yourself", Open: true, Audit: true, Handle: b.cmdLogin},
		{Name: "logout", Description: "remove your authorization", Open: true, Audit: true, Handle: b.cmdLogout},
	}
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	return req.Reply(ctx, helpText)
}

func displayName(req *Request) string {
	if req.FromUsername == "" {
		return "unknown"
	}
	return req.FromUsername
}

func (b *Bot) cmdLogin(ctx context.Context, req *Request) error {
	if !b.deps.Auth.Login(req.FromID) {
		return req.Reply(ctx, "✅ You are already the admin!")
	}
	req.Logger.Info("user authorized", logx.String("username", displayName(req)))
	return req.Reply(ctx, fmt.Sprintf("✅ Welcome @%s! You are now authorized to use this bot.\nYour Telegram ID: %d", displayName(req), req.FromID))
}

func (b *Bot) cmdLogout(ctx context.Context, req *Request) error {
	if b.deps.Auth.IsAdmin(req.FromID) {
		return req.Reply(ctx, "❌ Admin cannot logout!")
	}
	if !b.deps.Auth.Logout(req.FromID) {
		return req.Reply(ctx, "ℹ️ You weren't logged in.")
	}
	req.Logger.Info("user logged out", logx.String("username", displayName(req)))
	return req.Reply(ctx, fmt.Sprintf("✅ Goodbye @%s! You have been logged out.", displayName(req)))
}

func (b *Bot) cmdSetUsername(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, msgUsageUsername)
	}
	handle := strings.ReplaceAll(req.Args[0], "@", "")
	if handle == "" {
		return req.Reply(ctx, msgUsageUsername)
	}
	u, err := b.deps.Users.LookupUser(ctx, handle)
	if err != nil {
		_ = req.Reply(ctx, msgUnknownAccount)
		return fmt.Errorf("lookup @%s: %w", handle, err)
	}
	if err := b.deps.State.SetSource(u.ID, handle); err != nil {
		_ = req.Reply(ctx, "❌ Could not save settings: "+err.Error())
		return err
	}
	b.changed()
	return req.Reply(ctx, fmt.Sprintf("✅ X account set to @%s (ID: %s)", handle, u.ID))
}

func (b *Bot) cmdSetChannel(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, msgUsageChannel)
	}
	ch := req.Args[0]
	if _, err := kit.ParseTarget(ch); err != nil {
		return req.Reply(ctx, msgUsageChannel)
	}
	if err := b.deps.State.SetDestination(ch); err != nil {
		_ = req.Reply(ctx, "❌ Could not save settings: "+err.Error())
		return err
	}
	b.changed()
	return req.Reply(ctx, "✅ Telegram channel set to "+ch)
}

func (b *Bot) changed() {
	if b.deps.OnChange != nil {
		b.deps.OnChange()
	}
}

func (b *Bot) cmdStatus(ctx context.Context, req *Request) error {
	return req.Reply(ctx, b.StatusText())
}

// StatusText renders the configuration, credential and authorization state.
func (b *Bot) StatusText() string {
	rec := b.deps.State.Snapshot()
	orUnset := func(v, unset string) string {
		if v == "" {
			return unset
		}
		return v
	}
	handle := "❌ Not set"
	if h := rec.Handle(); h != "" {
		handle = "@" + h
	}

	var sb strings.Builder
	sb.WriteString("📊 Current Config:\n")
	sb.WriteString("• X Username: " + handle + "\n")
	sb.WriteString("• X User ID: " + orUnset(rec.AccountID(), "❌ Not set") + "\n")
	sb.WriteString("• Telegram Channel: " + orUnset(rec.Destination(), "❌ Not set") + "\n")
	sb.WriteString("• Last Tweet ID: " + orUnset(rec.Cursor(), "❌ None") + "\n\n")

	if b.deps.Creds != nil {
		fmt.Fprintf(&sb, "🔑 X API Accounts: %d configured\n", b.deps.Creds.Len())
		if b.deps.Creds.Len() > 0 {
			fmt.Fprintf(&sb, "• Current token: #%d\n", b.deps.Creds.Current()+1)
			for _, st := range b.deps.Creds.Snapshot() {
				if st.Available {
					fmt.Fprintf(&sb, "  Token %d: ✅ Available\n", st.Index+1)
					continue
				}
				secs := int(st.Remaining / time.Second)
				fmt.Fprintf(&sb, "  Token %d: ⏳ Rate limited (%dm %ds)\n", st.Index+1, secs/60, secs%60)
			}
		}
	}

	users := b.deps.Auth.Users()
	fmt.Fprintf(&sb, "\n👥 Authorized Users: %d\n", len(users)+1)
	fmt.Fprintf(&sb, "• Admin ID: %d\n", b.deps.Auth.Admin())
	for i, id := range users {
		if i == statusMaxUsers {
			fmt.Fprintf(&sb, "• ... and %d more\n", len(users)-statusMaxUsers)
			break
		}
		fmt.Fprintf(&sb, "• User ID: %d\n", id)
	}
	return sb.String()
}

func (b *Bot) cmdTestPost(ctx context.Context, req *Request) error {
	dest := b.deps.State.Snapshot().Destination()
	if dest == "" {
		return req.Reply(ctx, msgNeedChannel)
	}
	if err := b.deps.Tester.SendTest(ctx, dest); err != nil {
		_ = req.Reply(ctx, "❌ Could not send test post: "+err.Error())
		return err
	}
	return req.Reply(ctx, "✅ Test post sent to your channel!")
}

func (b *Bot) cmdCheckNow(ctx context.Context, req *Request) error {
	rec := b.deps.State.Snapshot()
	if rec.AccountID() == "" {
		return req.Reply(ctx, msgNeedSource)
	}
	if rec.Destination() == "" {
		return req.Reply(ctx, msgNeedChannel)
	}
	_ = req.Reply(ctx, "🔍 Checking for new tweets...")

	res, err := b.deps.Checker.CheckNow(ctx)
	reply, rerr := checkNowReply(res, err)
	_ = req.Reply(ctx, reply)
	return rerr
}

// checkNowReply maps a manual cycle to the user-facing reply, and the error
// to report for the request (nil for expected outcomes).
func checkNowReply(res poller.Result, err error) (string, error) {
	switch {
	case res.Outcome == poller.OutcomeRelayed && err == nil:
		return "✅ Posted new tweet: " + truncateRunes(relay.CleanText(res.Post.Text), 50) + "...", nil
	case res.Outcome == poller.OutcomeDuplicate:
		return "ℹ️ No new tweets found since last check", nil
	case source.KindOf(err) != 0:
		return "❌ Could not fetch tweets (may be rate limited)", nil
	case err == nil:
		err = errors.New("no result")
	}
	return "❌ Error checking tweets: " + err.Error(), err
}

func (b *Bot) cmdRateLimit(ctx context.Context, req *Request) error {
	wait, seen := b.deps.Checker.RateLimitWait()
	if b.deps.Creds != nil {
		if soonest, all := b.deps.Creds.SoonestAvailable(); all {
			seen = true
			wait = max(wait, soonest)
		}
	}
	return req.Reply(ctx, rateLimitText(wait, seen))
}

func rateLimitText(wait time.Duration, seen bool) string {
	if !seen {
		return "✅ No rate limit detected. You can check for tweets now with /checknow"
	}
	if wait <= 0 {
		return "✅ Rate limit should be cleared. Try /checknow now!"
	}
	secs := int(wait / time.Second)
	minutes, seconds := secs/60, secs%60
	waitText := fmt.Sprintf("%d seconds", seconds)
	if minutes > 0 {
		waitText = fmt.Sprintf("%d minutes, %d seconds", minutes, seconds)
	}
	return "⏳ Rate limited by X API\nWait approximately: " + waitText + "\nTry /checknow after this time."
}

func (b *Bot) cmdHistory(ctx context.Context, req *Request) error {
	if b.deps.History == nil {
		return req.Reply(ctx, "ℹ️ Delivery history is disabled.")
	}
	limit := historyDefault
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			return req.Reply(ctx, "⚠️ Usage: /history [count]")
		}
		limit = min(n, historyMax)
	}
	ds, err := b.deps.History.RecentDeliveries(ctx, limit)
	if err != nil {
		_ = req.Reply(ctx, "❌ Could not read history: "+err.Error())
		return err
	}
	if len(ds) == 0 {
		return req.Reply(ctx, "ℹ️ No posts relayed yet.")
	}
	var sb strings.Builder
	sb.WriteString("📜 Recent relays:\n")
	for _, d := range ds {
		fmt.Fprintf(&sb, "• %s #%s → %s (%d sent", d.At.UTC().Format("2006-01-02 15:04 UTC"), d.PostID, d.Channel, d.Sent)
		if d.Failed > 0 {
			fmt.Fprintf(&sb, ", %d failed", d.Failed)
		}
		if d.Manual {
			sb.WriteString(", manual")
		}
		sb.WriteString(")\n")
	}
	return req.Reply(ctx, strings.TrimRight(sb.String(), "\n"))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
