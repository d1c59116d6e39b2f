package telegram

import (
	"strings"
	"testing"
)

func TestSplitTelegramTextShort(t *testing.T) {
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewline(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextHardCut(t *testing.T) {
	s := strings.Repeat("x", 25)
	got := splitTelegramText(s, 10, "")
	if len(got) != 3 || len(got[0]) != 10 || len(got[2]) != 5 {
		t.Fatalf("got %q", got)
	}
	if strings.Join(got, "") != s {
		t.Fatal("chunks lost content")
	}
}

func TestSplitTelegramTextCountsRunes(t *testing.T) {
	s := strings.Repeat("🔗", 12)
	got := splitTelegramText(s, 10, "")
	if len(got) != 2 || []rune(got[0])[0] != '🔗' || len([]rune(got[1])) != 2 {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextHTMLTag(t *testing.T) {
	s := "abcdef<b>bold</b>"
	got := splitTelegramText(s, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk = %q, want tag kept whole", got[0])
	}
}
