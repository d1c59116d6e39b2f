package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"xrelay/internal/transport/transporttest"
	logx "xrelay/pkg/logx"
)

func status() string { return "📊 Current Config:\n" }

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled", Config{}, true},
		{"cron", Config{Schedule: "0 9 * * *", AdminID: 5}, true},
		{"descriptor", Config{Schedule: "@every 6h", AdminID: 5}, true},
		{"bad spec", Config{Schedule: "every day", AdminID: 5}, false},
		{"seconds field rejected", Config{Schedule: "0 0 9 * * *", AdminID: 5}, false},
		{"bad tz", Config{Schedule: "@daily", Timezone: "Mars/Olympus"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, &transporttest.Adapter{}, status, logx.Nop())
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, ok = %v", err, tt.ok)
			}
		})
	}
	if _, err := New(Config{}, nil, nil, logx.Nop()); err == nil {
		t.Fatal("nil status func must be rejected")
	}
}

func TestEnabled(t *testing.T) {
	if (Config{Schedule: "@daily"}).Enabled() {
		t.Fatal("no recipient must disable the report")
	}
	if (Config{AdminID: 1}).Enabled() {
		t.Fatal("no schedule must disable the report")
	}
	if !(Config{Schedule: "@daily", AdminID: 1}).Enabled() {
		t.Fatal("expected enabled")
	}
}

func TestNextUsesTimezone(t *testing.T) {
	s, err := New(Config{Schedule: "0 9 * * *", Timezone: "Asia/Jakarta", AdminID: 1}, nil, status, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	// 01:00 UTC is 08:00 in Jakarta (UTC+7); next run is 09:00 local = 02:00 UTC.
	now := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	if got := s.Next(now).UTC(); !got.Equal(time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next = %s", got)
	}
}

func TestSend(t *testing.T) {
	a := &transporttest.Adapter{}
	s, err := New(Config{Schedule: "@daily", AdminID: 77}, a, status, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := a.Last()
	if got.To.ChatID != 77 || got.Text != "🕘 Scheduled status report\n\n📊 Current Config:\n" {
		t.Fatalf("sent = %+v", got)
	}
	if s.Sent() != 1 {
		t.Fatalf("Sent = %d", s.Sent())
	}

	a.FailText = func(string) error { return errors.New("down") }
	if err := s.Send(context.Background()); err == nil {
		t.Fatal("expected send error")
	}
}

func TestScheduledRun(t *testing.T) {
	a := &transporttest.Adapter{}
	s, err := New(Config{Schedule: "@every 1s", AdminID: 3}, a, status, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for s.Sent() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled report never sent")
		}
		time.Sleep(20 * time.Millisecond)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := s.Stop(sctx); err != nil {
		t.Fatal(err)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	s, err := New(Config{Schedule: "@every 1s"}, &transporttest.Adapter{}, status, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}
