package pipeline

import "strings"

// ChunkedUntokenizer restores tokenized spans in streamed text. Tokens are a
// tag rune followed by a fixed number of token characters; chunk boundaries
// can split a token anywhere, so input buffers from the first tag sighting
// until a full token is in hand. A second tag inside the window flushes the
// partial run untouched and restarts at the nested tag.
type ChunkedUntokenizer struct {
	tag       string
	length    int // token length in runes, tag included
	tokenized map[string]string

	buf      []rune
	restored bool
}

func NewChunkedUntokenizer(tag string, length int, tokenized map[string]string) *ChunkedUntokenizer {
	return &ChunkedUntokenizer{tag: tag, length: length, tokenized: tokenized}
}

// Feed consumes one chunk of text and returns everything that can be
// emitted so far.
func (u *ChunkedUntokenizer) Feed(text string) string {
	u.buf = append(u.buf, []rune(text)...)

	var out strings.Builder
	for {
		idx := indexRunes(u.buf, u.tag)
		if idx == -1 {
			out.WriteString(string(u.buf))
			u.buf = u.buf[:0]
			return out.String()
		}

		out.WriteString(string(u.buf[:idx]))
		u.buf = u.buf[idx:]

		if len(u.buf) < u.length {
			// A token may be split across chunks; hold the partial run.
			return out.String()
		}

		token := u.buf[:u.length]
		if nested := indexRunesFrom(token, u.tag, 1); nested != -1 {
			out.WriteString(string(u.buf[:nested]))
			u.buf = u.buf[nested:]
			continue
		}

		if original, ok := u.tokenized[string(token)]; ok {
			out.WriteString(original)
			u.restored = true
		} else {
			out.WriteString(string(token))
		}
		u.buf = u.buf[u.length:]
	}
}

// Pending flushes whatever is still buffered at end of stream.
func (u *ChunkedUntokenizer) Pending() string {
	out := string(u.buf)
	u.buf = u.buf[:0]
	return out
}

// Restored reports whether any token has been replaced so far.
func (u *ChunkedUntokenizer) Restored() bool { return u.restored }

func indexRunes(haystack []rune, needle string) int {
	return indexRunesFrom(haystack, needle, 0)
}

func indexRunesFrom(haystack []rune, needle string, from int) int {
	n := []rune(needle)
	if len(n) == 0 {
		return -1
	}
	for i := from; i+len(n) <= len(haystack); i++ {
		match := true
		for j := range n {
			if haystack[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
