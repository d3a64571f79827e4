// Package thinkfilter strips provider reasoning spans from a streamed response.
//
// A reasoning span is delimited by an open/close marker pair that may be split
// across any number of chunks. The Filter is a two-state automaton (outside a
// span, inside a span) with a pending buffer; bytes are never reordered and no
// byte of a span, nor any part of a marker, is ever returned.
package thinkfilter

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	// OpenMarker starts a reasoning span (matched case-insensitively)
	OpenMarker = "<think>"
	// CloseMarker ends a reasoning span (matched case-insensitively)
	CloseMarker = "</think>"
)

var newlineRun = regexp.MustCompile(`\n{3,}`)

// Filter holds the scanning state for one response. It is not safe for
// concurrent use; one Filter belongs to one relay loop.
type Filter struct {
	buffer              string
	inBlock             bool
	firstContentEmitted bool
	blocks              int
}

// New creates a filter in the outside state
func New() *Filter {
	return &Filter{}
}

// Push feeds one upstream chunk and returns the text that may be shown.
func (f *Filter) Push(chunk string) string {
	f.buffer += chunk

	var out strings.Builder
	for {
		if !f.inBlock {
			idx := indexFold(f.buffer, OpenMarker)
			if idx < 0 {
				// Hold back anything that could still become a marker.
				keep := max(partialSuffix(f.buffer, OpenMarker), partialSuffix(f.buffer, CloseMarker))
				out.WriteString(f.buffer[:len(f.buffer)-keep])
				f.buffer = f.buffer[len(f.buffer)-keep:]
				break
			}
			out.WriteString(f.buffer[:idx])
			f.buffer = f.buffer[idx+len(OpenMarker):]
			f.inBlock = true
			continue
		}

		idx := indexFold(f.buffer, CloseMarker)
		if idx < 0 {
			keep := partialSuffix(f.buffer, CloseMarker)
			f.buffer = f.buffer[len(f.buffer)-keep:]
			break
		}
		f.buffer = f.buffer[idx+len(CloseMarker):]
		f.inBlock = false
		f.blocks++
	}

	return f.finish(out.String())
}

// Flush ends the response. A held-back tail outside a span is released;
// an unterminated span is dropped.
func (f *Filter) Flush() string {
	rest := f.buffer
	f.buffer = ""
	if f.inBlock {
		return ""
	}
	return f.finish(rest)
}

// InBlock reports whether the filter is currently inside a reasoning span
func (f *Filter) InBlock() bool {
	return f.inBlock
}

// Blocks returns how many complete reasoning spans were removed
func (f *Filter) Blocks() int {
	return f.blocks
}

// finish post-processes emitted text only
func (f *Filter) finish(text string) string {
	if text == "" {
		return ""
	}
	text = removeFold(text, OpenMarker)
	text = removeFold(text, CloseMarker)
	text = newlineRun.ReplaceAllString(text, "\n\n")

	if !f.firstContentEmitted {
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
		if text != "" {
			f.firstContentEmitted = true
		}
	}
	return text
}

func lowerASCII(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// hasPrefixFold compares ASCII case-insensitively; markers are ASCII so byte
// offsets in s stay valid.
func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if lowerASCII(s[i]) != lowerASCII(prefix[i]) {
			return false
		}
	}
	return true
}

func indexFold(s, marker string) int {
	for i := 0; i+len(marker) <= len(s); i++ {
		if hasPrefixFold(s[i:], marker) {
			return i
		}
	}
	return -1
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialSuffix(s, marker string) int {
	n := min(len(marker)-1, len(s))
	for k := n; k > 0; k-- {
		if hasPrefixFold(s[len(s)-k:], marker[:k]) {
			return k
		}
	}
	return 0
}

func removeFold(s, marker string) string {
	idx := indexFold(s, marker)
	if idx < 0 {
		return s
	}
	var sb strings.Builder
	for idx >= 0 {
		sb.WriteString(s[:idx])
		s = s[idx+len(marker):]
		idx = indexFold(s, marker)
	}
	sb.WriteString(s)
	return sb.String()
}
