package pipeline

import (
	"fmt"
	"strings"
	"testing"
)

func TestUntokenizerRestoresToken(t *testing.T) {
	tokens := map[string]string{"§abcd": "alice@example.com"}
	u := NewChunkedUntokenizer("§", 5, tokens)

	got := u.Feed("mail §abcd today") + u.Pending()
	want := "mail alice@example.com today"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestUntokenizerUnknownTokenPassesThrough(t *testing.T) {
	u := NewChunkedUntokenizer("§", 5, map[string]string{"§abcd": "x"})

	got := u.Feed("see §zzzz now") + u.Pending()
	if got != "see §zzzz now" {
		t.Fatalf("got %q", got)
	}
}

// Every possible chunk boundary, including ones that cut through the token.
func TestUntokenizerSplitGrid(t *testing.T) {
	tokens := map[string]string{"§abcd": "Alice", "§wxyz": "Bob"}
	input := "hi §abcd and §wxyz!"
	want := "hi Alice and Bob!"

	runes := []rune(input)
	for cut := 0; cut <= len(runes); cut++ {
		t.Run(fmt.Sprintf("cut_%d", cut), func(t *testing.T) {
			u := NewChunkedUntokenizer("§", 5, tokens)
			var out strings.Builder
			out.WriteString(u.Feed(string(runes[:cut])))
			out.WriteString(u.Feed(string(runes[cut:])))
			out.WriteString(u.Pending())
			if out.String() != want {
				t.Fatalf("got %q, want %q", out.String(), want)
			}
		})
	}
}

func TestUntokenizerRuneByRune(t *testing.T) {
	tokens := map[string]string{"§abcd": "Alice"}
	input := "x§abcdy"

	u := NewChunkedUntokenizer("§", 5, tokens)
	var out strings.Builder
	for _, r := range input {
		out.WriteString(u.Feed(string(r)))
	}
	out.WriteString(u.Pending())

	if out.String() != "xAlicey" {
		t.Fatalf("got %q", out.String())
	}
}

func TestUntokenizerNestedTagFlushesPartialRun(t *testing.T) {
	tokens := map[string]string{"§abcd": "Alice"}
	u := NewChunkedUntokenizer("§", 5, tokens)

	// The first tag never completes a token; the nested tag does.
	got := u.Feed("§ab§abcd") + u.Pending()
	if got != "§abAlice" {
		t.Fatalf("got %q", got)
	}
}

func TestUntokenizerPendingFlushesTruncatedToken(t *testing.T) {
	u := NewChunkedUntokenizer("§", 5, map[string]string{"§abcd": "Alice"})

	got := u.Feed("end §ab")
	if got != "end " {
		t.Fatalf("premature emit: %q", got)
	}
	if rest := u.Pending(); rest != "§ab" {
		t.Fatalf("pending = %q", rest)
	}
}
