package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"parley/internal/dispatch"
	"parley/internal/params"
	"parley/internal/providers"
)

var ErrNoQuestion = errors.New("no question to answer")

const DefaultTopicPrompt = "Summarize the topic of our recent conversation above in two or three words. Respond only with those words."

const maxTopicLen = 80

// Agent is a named provider, model and persona.
type Agent struct {
	Name         string              `toml:"name"`
	Provider     string              `toml:"provider"`
	Model        providers.ModelSpec `toml:"model"`
	SystemPrompt string              `toml:"system_prompt"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Query, error)
	IsBusy(owner string) bool
}

type PayloadBuilder interface {
	Validate(provider string, model providers.ModelSpec) (params.Report, error)
	PreparePayload(messages []providers.Message, model providers.ModelSpec, provider string) (map[string]any, error)
}

type Config struct {
	Dispatcher       Dispatcher
	Payloads         PayloadBuilder
	Files            *FileResolver
	Markers          Markers
	MemoryEnabled    bool
	MaxFullExchanges int
	// TopicAgent generates titles; the answering agent is used when nil.
	TopicAgent  *Agent
	TopicPrompt string
	Logger      zerolog.Logger
}

// Responder answers the exchange under the cursor of a transcript and
// streams the reply back into it.
type Responder struct {
	dispatcher  Dispatcher
	payloads    PayloadBuilder
	files       *FileResolver
	markers     Markers
	memory      bool
	maxFull     int
	topicAgent  *Agent
	topicPrompt string
	logger      zerolog.Logger
}

func NewResponder(cfg Config) *Responder {
	if cfg.TopicPrompt == "" {
		cfg.TopicPrompt = DefaultTopicPrompt
	}
	return &Responder{
		dispatcher:  cfg.Dispatcher,
		payloads:    cfg.Payloads,
		files:       cfg.Files,
		markers:     cfg.Markers.withDefaults(),
		memory:      cfg.MemoryEnabled,
		maxFull:     cfg.MaxFullExchanges,
		topicAgent:  cfg.TopicAgent,
		topicPrompt: cfg.TopicPrompt,
		logger:      cfg.Logger,
	}
}

type RespondRequest struct {
	Owner string
	Sink  Sink
	// CursorLine picks the exchange to answer; -1 answers the last one.
	CursorLine int
	Agent      Agent
	Force      bool
	// BeforeDispatch runs once the answer marker is written and before the
	// query starts, so it precedes every streamed token.
	BeforeDispatch func(agent Agent)
}

// Turn tracks one answer until its bookkeeping, topic included, is done.
type Turn struct {
	done chan struct{}

	mu      sync.Mutex
	query   *dispatch.Query
	text    strings.Builder
	topic   string
	err     error
	aborted bool
}

func (t *Turn) Done() <-chan struct{} { return t.done }

func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Text is the answer streamed so far.
func (t *Turn) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// Topic is the generated title, if one was generated.
func (t *Turn) Topic() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topic
}

func (t *Turn) Query() *dispatch.Query {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.query
}

// Aborted reports whether the sink went away mid-stream.
func (t *Turn) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *Turn) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// write appends delta unless the sink has gone; after that the turn stops
// touching it.
func (t *Turn) write(sink Sink, delta string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text.WriteString(delta)
	if t.aborted {
		return false
	}
	if !sink.Valid() || sink.Append(delta) != nil {
		t.aborted = true
		return false
	}
	return true
}

// Prepared is a validated request for one exchange, ready to dispatch.
type Prepared struct {
	Chat     *ParsedChat
	Target   int
	Agent    Agent
	Messages []providers.Message
	Payload  map[string]any
	Warnings []string
}

// Prepare parses lines, picks the exchange to answer, applies header
// overrides and builds the provider payload. Parameter validation errors
// are returned; warnings are reported on the result.
func (r *Responder) Prepare(lines []string, cursorLine int, base Agent) (*Prepared, error) {
	chat := Parse(lines, r.markers)
	target := chat.ExchangeAt(cursorLine)
	if cursorLine < 0 || target < 0 {
		target = lastQuestion(chat)
	}
	if target < 0 || chat.Exchanges[target].Question.Synthetic || chat.Exchanges[target].Question.Content == "" {
		return nil, ErrNoQuestion
	}

	agent := r.effectiveAgent(base, chat.Header)
	report, err := r.payloads.Validate(agent.Provider, agent.Model)
	if err != nil {
		return nil, err
	}
	if err := report.Err(); err != nil {
		return nil, err
	}

	msgs := BuildMessages(chat, WindowOptions{
		SystemPrompt:     agent.SystemPrompt,
		MaxFullExchanges: r.windowSize(chat.Header),
		Target:           target,
		Files:            r.files,
	})
	body, err := r.payloads.PreparePayload(msgs, agent.Model, agent.Provider)
	if err != nil {
		return nil, err
	}
	return &Prepared{Chat: chat, Target: target, Agent: agent, Messages: msgs, Payload: body, Warnings: report.Warnings}, nil
}

// Respond validates and dispatches the answer for the target exchange.
// Configuration errors return before the sink is touched.
func (r *Responder) Respond(ctx context.Context, req RespondRequest) (*Turn, error) {
	if req.Sink == nil || !req.Sink.Valid() {
		return nil, ErrSinkInvalid
	}
	original := req.Sink.Lines()
	p, err := r.Prepare(original, req.CursorLine, req.Agent)
	if err != nil {
		return nil, err
	}
	agent := p.Agent
	log := r.logger.With().Str("owner", req.Owner).Str("provider", agent.Provider).Str("model", agent.Model.Name).Logger()
	for _, w := range p.Warnings {
		log.Warn().Str("warning", w).Msg("agent parameter warning")
	}

	if !req.Force && r.dispatcher.IsBusy(req.Owner) {
		return nil, dispatch.ErrBusy
	}

	if err := r.openAnswer(req.Sink, p.Chat, p.Target, agent.Name); err != nil {
		return nil, fmt.Errorf("open answer: %w", err)
	}

	turn := &Turn{done: make(chan struct{})}
	last := p.Target == len(p.Chat.Exchanges)-1
	if req.BeforeDispatch != nil {
		req.BeforeDispatch(agent)
	}
	q, err := r.dispatcher.Dispatch(ctx, dispatch.Request{
		Owner:    req.Owner,
		Provider: agent.Provider,
		Model:    agent.Model.Name,
		Payload:  p.Payload,
		Force:    req.Force,
		OnToken: func(_, delta string) {
			turn.write(req.Sink, delta)
		},
		OnExit: func(q *dispatch.Query) {
			r.complete(ctx, turn, req.Sink, p.Chat, p.Messages, agent, q, last, log)
		},
	})
	if err != nil {
		if req.Sink.Valid() {
			_ = req.Sink.ReplaceRange(0, len(req.Sink.Lines()), original)
		}
		return nil, err
	}
	turn.mu.Lock()
	if turn.query == nil {
		turn.query = q
	}
	turn.mu.Unlock()
	return turn, nil
}

func (r *Responder) complete(ctx context.Context, turn *Turn, sink Sink, chat *ParsedChat, msgs []providers.Message, agent Agent, q *dispatch.Query, last bool, log zerolog.Logger) {
	turn.mu.Lock()
	turn.query = q
	turn.mu.Unlock()

	text := turn.Text()
	if last && !turn.Aborted() && sink.Valid() {
		if err := sink.Append("\n\n" + r.markers.User + " "); err != nil {
			log.Warn().Err(err).Msg("failed to open the next question")
		}
	}

	if turn.Aborted() || strings.TrimSpace(text) == "" || chat.Header.Get("topic") != TopicPlaceholder {
		turn.finish(nil)
		return
	}

	topicLine, ok := chat.Header.Lines["topic"]
	if !ok {
		turn.finish(nil)
		return
	}
	prefix := chat.Header.Prefixes["topic"]
	if err := r.generateTopic(context.WithoutCancel(ctx), msgs, text, agent, func(title string) {
		if title == "" || turn.Aborted() || !sink.Valid() {
			return
		}
		if err := sink.ReplaceRange(topicLine, topicLine+1, []string{prefix + " topic: " + title}); err != nil {
			log.Warn().Err(err).Msg("failed to write topic")
			return
		}
		turn.mu.Lock()
		turn.topic = title
		turn.mu.Unlock()
	}, func(err error) { turn.finish(err) }); err != nil {
		log.Warn().Err(err).Msg("topic generation failed")
		turn.finish(err)
	}
}

// generateTopic dispatches a headless query asking for a short title.
// done runs once the query has exited.
func (r *Responder) generateTopic(ctx context.Context, history []providers.Message, answer string, agent Agent, onTitle func(string), done func(error)) error {
	topicAgent := agent
	if r.topicAgent != nil {
		topicAgent = *r.topicAgent
	}
	msgs := append(append([]providers.Message(nil), history...),
		providers.Message{Role: providers.RoleAssistant, Content: answer},
		providers.Message{Role: providers.RoleUser, Content: r.topicPrompt},
	)
	body, err := r.payloads.PreparePayload(msgs, topicAgent.Model, topicAgent.Provider)
	if err != nil {
		return fmt.Errorf("prepare topic payload: %w", err)
	}
	_, err = r.dispatcher.Dispatch(ctx, dispatch.Request{
		Provider:   topicAgent.Provider,
		Model:      topicAgent.Model.Name,
		Payload:    body,
		OnHeadless: func(text string) { onTitle(CleanTopic(text)) },
		OnExit:     func(*dispatch.Query) { done(nil) },
	})
	if err != nil {
		return fmt.Errorf("dispatch topic query: %w", err)
	}
	return nil
}

// openAnswer removes any previous answer of the target and writes a fresh
// assistant marker line, leaving the insertion point at its end.
func (r *Responder) openAnswer(sink Sink, chat *ParsedChat, target int, agentName string) error {
	ex := chat.Exchanges[target]
	if ex.Answer != nil {
		if err := sink.ReplaceRange(ex.Answer.LineStart, ex.Answer.LineEnd+1, nil); err != nil {
			return err
		}
	}

	lines := sink.Lines()
	at := ex.Question.LineEnd + 1
	head := r.markers.Assistant + " "
	if agentName != "" {
		head = r.markers.Assistant + "[" + agentName + "] "
	}

	var insert []string
	if ex.Question.LineEnd < len(lines) && strings.TrimSpace(lines[ex.Question.LineEnd]) != "" {
		insert = append(insert, "")
	}
	insert = append(insert, head)
	headLine := at + len(insert) - 1
	if target < len(chat.Exchanges)-1 {
		insert = append(insert, "")
	}
	if err := sink.ReplaceRange(at, at, insert); err != nil {
		return err
	}
	return sink.MoveTo(headLine)
}

// lastQuestion skips the empty prompt a finished answer leaves behind.
func lastQuestion(chat *ParsedChat) int {
	for i := len(chat.Exchanges) - 1; i >= 0; i-- {
		q := chat.Exchanges[i].Question
		if !q.Synthetic && q.Content != "" {
			return i
		}
	}
	return -1
}

func (r *Responder) effectiveAgent(base Agent, h Header) Agent {
	a := base
	a.Model = base.Model.Clone()
	if p := h.Get("provider"); p != "" {
		a.Provider = p
	}
	if m := h.Get("model"); m != "" {
		a.Model.Name = m
	}
	for k, v := range h.Config() {
		if k == "max_full_exchanges" {
			continue
		}
		if a.Model.Params == nil {
			a.Model.Params = map[string]any{}
		}
		a.Model.Params[k] = parseValue(v)
		a.Model.Bare = false
	}
	return a
}

// windowSize is the header override when set, else the configured limit.
// Disabled memory sends the whole history.
func (r *Responder) windowSize(h Header) int {
	if v, ok := h.Config()["max_full_exchanges"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			if n < 0 {
				return Unbounded
			}
			return n
		}
	}
	if !r.memory {
		return Unbounded
	}
	return r.maxFull
}

func parseValue(v string) any {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

// CleanTopic turns a model reply into a single-line title.
func CleanTopic(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(strings.Trim(strings.TrimSpace(text), "\"'`"))
	text = strings.TrimRight(text, ".")
	if r := []rune(text); len(r) > maxTopicLen {
		text = string(r[:maxTopicLen-3]) + "..."
	}
	return text
}
