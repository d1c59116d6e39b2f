// Package transporttest provides an in-memory transport adapter for tests.
package transporttest

import (
	"context"
	"sync"

	kit "xrelay/internal/transport"
)

// Sent is one recorded outbound message.
type Sent struct {
	To       kit.ChatTarget
	Text     string // text body, or caption for photos
	PhotoURL string // empty for text messages
}

// Adapter records every send. FailText/FailPhoto, when set, decide per call
// whether the send fails.
type Adapter struct {
	mu   sync.Mutex
	sent []Sent
	out  chan<- kit.Update

	FailText  func(text string) error
	FailPhoto func(url string) error
}

var _ kit.Adapter = (*Adapter)(nil)

func (a *Adapter) Start(_ context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	a.out = out
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	a.out = nil
	a.mu.Unlock()
	return nil
}

// Push delivers an update as if it came from the platform. It reports false
// when the adapter is not started.
func (a *Adapter) Push(up kit.Update) bool {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return false
	}
	out <- up
	return true
}

func (a *Adapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if a.FailText != nil {
		if err := a.FailText(text); err != nil {
			return kit.MessageRef{}, err
		}
	}
	return a.record(Sent{To: to, Text: text}), nil
}

func (a *Adapter) SendPhoto(_ context.Context, to kit.ChatTarget, url, caption string) (kit.MessageRef, error) {
	if a.FailPhoto != nil {
		if err := a.FailPhoto(url); err != nil {
			return kit.MessageRef{}, err
		}
	}
	return a.record(Sent{To: to, Text: caption, PhotoURL: url}), nil
}

func (a *Adapter) record(s Sent) kit.MessageRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, s)
	return kit.MessageRef{ChatID: s.To.ChatID, MessageID: len(a.sent)}
}

// Sent returns a copy of the recorded messages.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

// Last returns the most recent message, or a zero Sent.
func (a *Adapter) Last() Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return Sent{}
	}
	return a.sent[len(a.sent)-1]
}

// Reset drops the recorded messages.
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.sent = nil
	a.mu.Unlock()
}
