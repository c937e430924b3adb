package policy

import (
	"errors"
	"strings"

	"github.com/trussedhq/trussed-gateway/internal/pipeline"
)

// splitSentences breaks text into sentences on terminal punctuation and
// newlines. The terminator stays attached to its sentence; empty fragments
// are dropped.
func splitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, r := range text {
		switch r {
		case '\n':
			flush()
		case '.', '!', '?':
			cur.WriteRune(r)
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

// asInstant reports whether err carries an instant response.
func asInstant(err error, target **pipeline.InstantResponse) bool {
	return errors.As(err, target)
}
