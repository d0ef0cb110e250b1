package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"parley/internal/dispatch"
)

const (
	EventStarted   = "started"
	EventFinished  = "finished"
	EventRejected  = "rejected"
	EventCompleted = "completed"
)

// Event is one query lifecycle entry on the redis stream.
type Event struct {
	ID           string    `json:"id,omitempty"`
	Kind         string    `json:"kind"`
	Owner        string    `json:"owner"`
	QueryID      string    `json:"query_id,omitempty"`
	PID          int       `json:"pid,omitempty"`
	ExitCode     int       `json:"exit_code,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	Empty        bool      `json:"empty,omitempty"`
	InputTokens  *int      `json:"input_tokens,omitempty"`
	OutputTokens *int      `json:"output_tokens,omitempty"`
	CachedTokens *int      `json:"cached_tokens,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	At           time.Time `json:"at"`
}

// EventStream publishes query lifecycle events with XADD and reads them
// back. It observes both the supervisor and the dispatch service.
type EventStream struct {
	redis   *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

func NewEventStream(rdb *redis.Client, stream string, maxLen int64, logger zerolog.Logger) *EventStream {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &EventStream{redis: rdb, stream: stream, maxLen: maxLen, timeout: 2 * time.Second, logger: logger, now: time.Now}
}

func (s *EventStream) Publish(ctx context.Context, ev Event) (string, error) {
	ev.ID = ""
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	id, err := s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"kind": ev.Kind, "payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Recent returns up to count events, newest first.
func (s *EventStream) Recent(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := s.redis.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange: %w", err)
	}
	return decodeEvents(msgs), nil
}

// Read returns events after lastID, waiting up to block for new ones. A
// negative block does not wait.
func (s *EventStream) Read(ctx context.Context, lastID string, count int64, block time.Duration) ([]Event, error) {
	res, err := s.redis.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xread: %w", err)
	}
	var out []Event
	for _, st := range res {
		out = append(out, decodeEvents(st.Messages)...)
	}
	return out, nil
}

func decodeEvents(msgs []redis.XMessage) []Event {
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["payload"]
		if !ok {
			continue
		}
		var b []byte
		switch v := raw.(type) {
		case string:
			b = []byte(v)
		case []byte:
			b = v
		default:
			continue
		}
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			continue
		}
		ev.ID = m.ID
		out = append(out, ev)
	}
	return out
}

func (s *EventStream) publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("kind", ev.Kind).Str("owner", ev.Owner).Msg("failed to publish query event")
	}
}

func (s *EventStream) QueryStarted(owner, queryID string, pid int) {
	s.publish(Event{Kind: EventStarted, Owner: owner, QueryID: queryID, PID: pid})
}

func (s *EventStream) QueryFinished(owner, queryID string, code int) {
	s.publish(Event{Kind: EventFinished, Owner: owner, QueryID: queryID, ExitCode: code})
}

func (s *EventStream) QueryRejected(owner, reason string) {
	s.publish(Event{Kind: EventRejected, Owner: owner, Reason: reason})
}

func (s *EventStream) QueryCompleted(c dispatch.Completion) {
	ev := Event{
		Kind:       EventCompleted,
		Owner:      c.Owner,
		QueryID:    c.QueryID,
		ExitCode:   c.ExitCode,
		Provider:   c.Provider,
		Model:      c.Model,
		Empty:      c.Empty,
		DurationMS: c.Duration.Milliseconds(),
	}
	if c.Usage != nil {
		ev.InputTokens = c.Usage.InputTokens
		ev.OutputTokens = c.Usage.OutputTokens
		ev.CachedTokens = c.Usage.CachedTokens
	}
	s.publish(ev)
}
