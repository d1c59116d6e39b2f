package transport

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ErrUnavailable is returned by senders when no messaging transport is
// configured (for example TELEGRAM_TOKEN is missing).
var ErrUnavailable = errors.New("transport: messaging unavailable")

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// ChatTarget addresses a chat either by numeric id or by public "@username".
type ChatTarget struct {
	ChatID   int64
	Username string // "@channel"; used when ChatID is 0
}

// ParseTarget accepts "@channel", "channel" or a numeric chat id ("-100123").
func ParseTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatTarget{}, errors.New("empty chat target")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id == 0 {
			return ChatTarget{}, errors.New("chat id must be non-zero")
		}
		return ChatTarget{ChatID: id}, nil
	}
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	if len(s) < 2 || strings.ContainsAny(s, " \t\n/") {
		return ChatTarget{}, errors.New("invalid chat username")
	}
	return ChatTarget{Username: s}, nil
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 && t.Username == "" }

// Recipient renders the target the way the Bot API expects in chat_id.
func (t ChatTarget) Recipient() string {
	if t.ChatID != 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	return t.Username
}

func (t ChatTarget) String() string { return t.Recipient() }

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Messenger is the send side of a transport.
type Messenger interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photoURL, caption string) (MessageRef, error)
}

type Adapter interface {
	Messenger
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// Unavailable is a Messenger that fails every send with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) SendText(context.Context, ChatTarget, string, *SendOptions) (MessageRef, error) {
	return MessageRef{}, ErrUnavailable
}

func (Unavailable) SendPhoto(context.Context, ChatTarget, string, string) (MessageRef, error) {
	return MessageRef{}, ErrUnavailable
}
