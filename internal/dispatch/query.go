package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"parley/internal/providers"
)

// Query is one request/response cycle. Text and Raw grow while the answer
// streams and are replaced by the decoder's final result on exit; the other
// result fields are written once, when the process exits.
type Query struct {
	ID       string
	Owner    string
	Provider string
	Model    string
	Payload  map[string]any
	Created  time.Time

	mu        sync.Mutex
	raw       strings.Builder
	text      strings.Builder
	usage     *providers.Usage
	exitCode  int
	finished  time.Time
	startMark any
	endMark   any
	done      chan struct{}
}

func newQuery(id string, req Request, now time.Time) *Query {
	return &Query{
		ID:       id,
		Owner:    req.Owner,
		Provider: req.Provider,
		Model:    req.Model,
		Payload:  req.Payload,
		Created:  now,
		done:     make(chan struct{}),
	}
}

func (q *Query) Done() <-chan struct{} { return q.done }

// Wait blocks until the query finishes or ctx ends.
func (q *Query) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Query) Text() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.text.String()
}

func (q *Query) Raw() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.raw.String()
}

// Usage is nil until the query finished with reported token counts.
func (q *Query) Usage() *providers.Usage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usage
}

func (q *Query) ExitCode() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exitCode
}

func (q *Query) Finished() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

// SetMarks stores the caller's response position markers. They are opaque
// to the dispatcher.
func (q *Query) SetMarks(start, end any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startMark, q.endMark = start, end
}

func (q *Query) Marks() (start, end any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.startMark, q.endMark
}

func (q *Query) appendRaw(chunk []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.raw.Write(chunk)
}

func (q *Query) appendText(delta string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.text.WriteString(delta)
}

func (q *Query) complete(text, raw string, usage *providers.Usage, code int, at time.Time) {
	q.mu.Lock()
	q.text.Reset()
	q.text.WriteString(text)
	q.raw.Reset()
	q.raw.WriteString(raw)
	q.usage, q.exitCode, q.finished = usage, code, at
	q.mu.Unlock()
	close(q.done)
}
