// Package segment splits a streamed LLM reply into sentences that are long
// enough to synthesize on their own.
package segment

import (
	"strings"
	"unicode/utf8"
)

// Defaults used when the configuration leaves them unset.
const (
	DefaultDelimiters = ",.!?;:，。！？：；"
	DefaultMinLength  = 10
)

// Segmenter accumulates text deltas and emits sentences that end in a
// delimiter and are at least minLength runes long. It is not safe for
// concurrent use; each reply stream owns one.
type Segmenter struct {
	delims    string
	minLength int
	buf       strings.Builder
}

// New returns a Segmenter. An empty delimiter set falls back to
// [DefaultDelimiters]; a negative minLength is treated as 0.
func New(delimiters string, minLength int) *Segmenter {
	if delimiters == "" {
		delimiters = DefaultDelimiters
	}
	return &Segmenter{delims: delimiters, minLength: max(minLength, 0)}
}

// Feed scans delta for delimiters. At each delimiter the pending text up to
// and including it forms a candidate sentence; candidates shorter than the
// minimum length keep accumulating into the next one.
func (s *Segmenter) Feed(delta string, emit func(string)) {
	last := 0
	for i, r := range delta {
		if !strings.ContainsRune(s.delims, r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		s.buf.WriteString(delta[last:end])
		last = end
		if utf8.RuneCountInString(s.buf.String()) >= s.minLength {
			emit(s.buf.String())
			s.buf.Reset()
		}
	}
	s.buf.WriteString(delta[last:])
}

// Flush emits whatever text is pending, if any, and resets the Segmenter.
func (s *Segmenter) Flush(emit func(string)) {
	if s.buf.Len() > 0 {
		emit(s.buf.String())
	}
	s.buf.Reset()
}

// Pending returns the buffered text not yet emitted.
func (s *Segmenter) Pending() string { return s.buf.String() }
