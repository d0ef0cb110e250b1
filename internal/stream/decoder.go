package stream

import (
	"bytes"
	"strings"
	"sync"

	"parley/internal/providers"
)

// Result is the finalized state of one decoded query.
type Result struct {
	QueryID string
	Text    string
	Raw     string
	// Usage is nil when the provider never reported token counts.
	Usage *providers.Usage
}

// Decoder reassembles line-delimited frames from raw output chunks and
// forwards content deltas as they are decoded. Lines are only decoded once
// their terminating newline has arrived; Finish decodes the remainder.
type Decoder struct {
	queryID string
	dialect providers.Dialect
	onDelta func(queryID, delta string)

	mu       sync.Mutex
	pending  []byte
	raw      strings.Builder
	text     strings.Builder
	usage    providers.Usage
	finished bool
	result   Result
}

func New(queryID string, dialect providers.Dialect, onDelta func(queryID, delta string)) *Decoder {
	return &Decoder{queryID: queryID, dialect: dialect, onDelta: onDelta}
}

// Feed consumes one chunk. Deltas are delivered after the internal lock is
// released, in stream order.
func (d *Decoder) Feed(chunk []byte) {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return
	}
	d.raw.Write(chunk)
	d.pending = append(d.pending, chunk...)

	idx := bytes.LastIndexByte(d.pending, '\n')
	if idx < 0 {
		d.mu.Unlock()
		return
	}
	complete := string(d.pending[:idx])
	d.pending = append([]byte(nil), d.pending[idx+1:]...)
	deltas := d.decodeLocked(complete)
	d.mu.Unlock()

	d.emit(deltas)
}

// Finish decodes any trailing partial line, then falls back to whole-output
// extraction for usage and content that no single line yielded.
func (d *Decoder) Finish() Result {
	d.mu.Lock()
	if d.finished {
		res := d.result
		d.mu.Unlock()
		return res
	}
	d.finished = true

	deltas := d.decodeLocked(string(d.pending))
	d.pending = nil

	raw := d.raw.String()
	if !d.usage.IsSet() {
		if u, ok := d.dialect.ExtractUsage(raw); ok {
			d.usage = u
		}
	}
	if d.text.Len() == 0 {
		if fb := d.dialect.FallbackContent(raw); fb != "" {
			d.text.WriteString(fb)
			deltas = append(deltas, fb)
		}
	}

	d.result = Result{QueryID: d.queryID, Text: d.text.String(), Raw: raw}
	if d.usage.IsSet() {
		u := d.usage
		d.result.Usage = &u
	}
	res := d.result
	d.mu.Unlock()

	d.emit(deltas)
	return res
}

// Text returns the content decoded so far.
func (d *Decoder) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.String()
}

func (d *Decoder) decodeLocked(block string) []string {
	var deltas []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		frame := d.dialect.DecodeLine(line)
		if frame.Content != "" {
			d.text.WriteString(frame.Content)
			deltas = append(deltas, frame.Content)
		}
		if frame.Usage != nil {
			d.usage.Merge(*frame.Usage)
		}
	}
	return deltas
}

func (d *Decoder) emit(deltas []string) {
	if d.onDelta == nil {
		return
	}
	for _, delta := range deltas {
		d.onDelta(d.queryID, delta)
	}
}
