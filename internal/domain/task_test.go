package domain

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateErrorMessage(t *testing.T) {
	t.Run("short message unchanged", func(t *testing.T) {
		msg := "insufficient_data: only 5 candles"
		if got := TruncateErrorMessage(msg); got != msg {
			t.Fatalf("got %q, want %q", got, msg)
		}
	})

	t.Run("long message clipped to limit", func(t *testing.T) {
		msg := strings.Repeat("x", MaxErrorMessageLen+100)
		got := TruncateErrorMessage(msg)
		if len(got) != MaxErrorMessageLen {
			t.Fatalf("got %d bytes, want %d", len(got), MaxErrorMessageLen)
		}
	})

	t.Run("never splits a multibyte rune", func(t *testing.T) {
		// 3-byte runes placed so the byte limit lands mid-rune.
		msg := strings.Repeat("x", MaxErrorMessageLen-1) + strings.Repeat("級", 40)
		got := TruncateErrorMessage(msg)
		if len(got) > MaxErrorMessageLen {
			t.Fatalf("got %d bytes, want <= %d", len(got), MaxErrorMessageLen)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncated message is not valid UTF-8: %q", got)
		}
	})

	t.Run("all multibyte input stays valid", func(t *testing.T) {
		msg := strings.Repeat("データ不足", 60)
		got := TruncateErrorMessage(msg)
		if len(got) > MaxErrorMessageLen {
			t.Fatalf("got %d bytes, want <= %d", len(got), MaxErrorMessageLen)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncated message is not valid UTF-8: %q", got)
		}
	})
}
