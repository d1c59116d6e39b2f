package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "xrelay/pkg/logx"
)

func TestHandler(t *testing.T) {
	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodHead, "/", http.StatusOK},
		{http.MethodPost, "/", http.StatusMethodNotAllowed},
		{http.MethodGet, "/other", http.StatusNotFound},
	}
	h := Handler()
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Fatalf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
		if tt.method == http.MethodGet && tt.want == http.StatusOK && rec.Body.String() != Body {
			t.Fatalf("body = %q", rec.Body.String())
		}
	}
}

func waitForAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("liveness server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.Addr()
}

func TestServiceStartStop(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, logx.Nop())
	s.Start(context.Background())
	s.Start(context.Background()) // idempotent

	resp, err := http.Get("http://" + waitForAddr(t, s) + "/")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(b) != "Bot is running!" {
		t.Fatalf("GET / = %d %q", resp.StatusCode, b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("listener still registered after stop")
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
