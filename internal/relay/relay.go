// Package relay turns a fetched post into Telegram messages and delivers
// them to the destination channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/time/rate"

	"xrelay/internal/source"
	kit "xrelay/internal/transport"
	logx "xrelay/pkg/logx"
)

var shortLinkRe = regexp.MustCompile(`https://t\.co/\w+`)

// Format renders the relayed message: post text without t.co short links,
// followed by the permalink and account footer.
func Format(post source.Post, handle string) string {
	return compose(CleanText(post.Text), permalink(handle, post.ID), accountLink(handle))
}

// CleanText strips t.co short links and surrounding whitespace.
func CleanText(text string) string {
	return strings.TrimSpace(shortLinkRe.ReplaceAllString(text, ""))
}

func compose(text, link, account string) string {
	return text + "\n\n🔗: " + link + "\n\nFollow My Account: " + account
}

func permalink(handle, id string) string { return "https://x.com/" + handle + "/status/" + id }
func accountLink(handle string) string   { return "https://x.com/" + handle }

// SendError is one failed message of a delivery.
type SendError struct {
	Part int    // 0-based message index within the delivery
	Kind string // "photo" or "text"
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("relay %s #%d: %v", e.Kind, e.Part+1, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Report summarizes a delivery. Failed messages never stop their siblings.
type Report struct {
	Sent   int
	Failed int
	Errs   []error
}

func (r Report) OK() bool { return r.Failed == 0 && r.Sent > 0 }

// Err joins the per-message errors (nil when nothing failed).
func (r Report) Err() error { return errors.Join(r.Errs...) }

type Config struct {
	// RatePerSec paces outbound messages (default 1).
	RatePerSec float64
	// Burst allows short bursts, e.g. a multi-photo post (default 3).
	Burst int
}

type Relay struct {
	msg     kit.Messenger
	limiter *rate.Limiter
	log     logx.Logger
}

func New(msg kit.Messenger, cfg Config, log logx.Logger) *Relay {
	if msg == nil {
		msg = kit.Unavailable{}
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Relay{
		msg:     msg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log,
	}
}

// Deliver posts post to destination. With media, the first photo carries the
// formatted text as caption and the rest go uncaptioned; otherwise a single
// text message is sent.
func (r *Relay) Deliver(ctx context.Context, destination, handle string, post source.Post) Report {
	to, err := kit.ParseTarget(destination)
	if err != nil {
		n := max(len(post.MediaURLs), 1)
		return Report{Failed: n, Errs: []error{fmt.Errorf("relay destination %q: %w", destination, err)}}
	}

	text := Format(post, handle)
	log := r.log.With(logx.String("post_id", post.ID), logx.String("channel", to.String()))

	var rep Report
	record := func(part int, kind string, err error) {
		if err == nil {
			rep.Sent++
			return
		}
		rep.Failed++
		se := &SendError{Part: part, Kind: kind, Err: err}
		rep.Errs = append(rep.Errs, se)
		log.Warn("relay message failed", logx.Int("part", part+1), logx.String("kind", kind), logx.Err(err))
	}

	if len(post.MediaURLs) == 0 {
		record(0, "text", r.sendText(ctx, to, text))
	} else {
		for i, u := range post.MediaURLs {
			caption := ""
			if i == 0 {
				caption = text
			}
			record(i, "photo", r.sendPhoto(ctx, to, u, caption))
		}
	}

	log.Info("post relayed", logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed))
	return rep
}

// SendTest sends a fixed sample post so the operator can check the channel.
func (r *Relay) SendTest(ctx context.Context, destination string) error {
	to, err := kit.ParseTarget(destination)
	if err != nil {
		return fmt.Errorf("relay destination %q: %w", destination, err)
	}
	text := compose(
		"This is a test post from your Twitter-to-Telegram bot! 🚀",
		permalink("example", "123456789"),
		accountLink("example"),
	)
	if err := r.sendText(ctx, to, text); err != nil {
		return &SendError{Kind: "text", Err: err}
	}
	return nil
}

func (r *Relay) sendText(ctx context.Context, to kit.ChatTarget, text string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := r.msg.SendText(ctx, to, text, nil)
	return err
}

func (r *Relay) sendPhoto(ctx context.Context, to kit.ChatTarget, url, caption string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := r.msg.SendPhoto(ctx, to, url, caption)
	return err
}
