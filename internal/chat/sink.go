package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrSinkInvalid is returned once a sink's target has gone away.
var ErrSinkInvalid = errors.New("transcript sink is no longer valid")

// Sink is the transcript being written to. Implementations wrap whatever
// holds the text; all positions are zero-based line indexes.
type Sink interface {
	Lines() []string
	// Append writes text at the insertion point. The first segment
	// continues the current line; each newline opens a new line below it.
	Append(text string) error
	// ReplaceRange replaces lines [start, end) with lines.
	ReplaceRange(start, end int, lines []string) error
	// MoveTo sets the insertion point to the end of line.
	MoveTo(line int) error
	Valid() bool
}

// MemorySink is a Sink over an in-memory line slice.
type MemorySink struct {
	mu      sync.Mutex
	lines   []string
	cursor  int
	invalid bool
}

func NewMemorySink(text string) *MemorySink {
	lines := strings.Split(text, "\n")
	return &MemorySink{lines: lines, cursor: len(lines) - 1}
}

func (s *MemorySink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *MemorySink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

func (s *MemorySink) Append(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid {
		return ErrSinkInvalid
	}
	if len(s.lines) == 0 {
		s.lines = []string{""}
		s.cursor = 0
	}
	parts := strings.Split(text, "\n")
	s.lines[s.cursor] += parts[0]
	for _, p := range parts[1:] {
		s.cursor++
		s.lines = insertLines(s.lines, s.cursor, []string{p})
	}
	return nil
}

func (s *MemorySink) ReplaceRange(start, end int, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid {
		return ErrSinkInvalid
	}
	if start < 0 || end < start || end > len(s.lines) {
		return fmt.Errorf("replace range [%d, %d) out of bounds (%d lines)", start, end, len(s.lines))
	}
	rest := append([]string(nil), s.lines[end:]...)
	s.lines = append(append(s.lines[:start], lines...), rest...)

	// keep the insertion point on the same text when lines above it move
	if s.cursor >= end {
		s.cursor += len(lines) - (end - start)
	} else if s.cursor >= start {
		s.cursor = start + max(len(lines)-1, 0)
	}
	s.cursor = min(max(s.cursor, 0), max(len(s.lines)-1, 0))
	return nil
}

func (s *MemorySink) MoveTo(line int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid {
		return ErrSinkInvalid
	}
	if line < 0 || line >= len(s.lines) {
		return fmt.Errorf("line %d out of bounds (%d lines)", line, len(s.lines))
	}
	s.cursor = line
	return nil
}

func (s *MemorySink) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.invalid
}

// Invalidate marks the sink as gone, as when its buffer is closed.
func (s *MemorySink) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = true
}

func insertLines(lines []string, at int, add []string) []string {
	out := make([]string, 0, len(lines)+len(add))
	out = append(out, lines[:at]...)
	out = append(out, add...)
	return append(out, lines[at:]...)
}
