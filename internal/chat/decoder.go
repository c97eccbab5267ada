package chat

import (
	"strings"
	"unicode/utf8"
)

// Decoder turns transport chunks into text without splitting a rune across
// two results. Bytes of an incomplete trailing sequence are held back and
// prefixed to the next chunk.
type Decoder struct {
	pending []byte
}

// Decode returns the text of chunk that can be decoded so far.
func (d *Decoder) Decode(chunk []byte) string {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
		d.pending = nil
	}
	cut := len(buf) - incompleteSuffix(buf)
	if cut < len(buf) {
		d.pending = append([]byte(nil), buf[cut:]...)
	}
	return strings.ToValidUTF8(string(buf[:cut]), string(utf8.RuneError))
}

// Flush releases any held-back bytes at end of input. A dangling partial
// sequence decodes to U+FFFD.
func (d *Decoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	rest := d.pending
	d.pending = nil
	return strings.ToValidUTF8(string(rest), string(utf8.RuneError))
}

// incompleteSuffix reports how many trailing bytes of b form the start of a
// multi-byte rune that has not been fully received yet.
func incompleteSuffix(b []byte) int {
	// A UTF-8 sequence is at most 4 bytes, so only the last 3 can be pending.
	for i := 1; i <= 3 && i <= len(b); i++ {
		c := b[len(b)-i]
		if utf8.RuneStart(c) {
			if c < utf8.RuneSelf {
				return 0
			}
			if need := sequenceLength(c); need > i {
				return i
			}
			return 0
		}
	}
	return 0
}

func sequenceLength(lead byte) int {
	switch {
	case lead&0xE0 == 0xC0:
		return 2
	case lead&0xF0 == 0xE0:
		return 3
	case lead&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}
