package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"parley/internal/chat"
	"parley/internal/dispatch"
	"parley/internal/params"
	"parley/internal/worker"
)

const maxRequestLine = 16 * 1024 * 1024

func (c *cli) newServeCommand() *cobra.Command {
	var noHTTP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer requests from an editor as JSON lines on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, c.cfg, log.Logger, appOptions{store: true, redis: true})
			if err != nil {
				return err
			}
			defer a.Close()

			errCh := make(chan error, 1)
			var httpServer *http.Server
			if !noHTTP && c.cfg.HTTP.ListenAddr != "" {
				mux := http.NewServeMux()
				mux.HandleFunc(c.cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte("ok"))
				})
				mux.Handle(c.cfg.HTTP.MetricsPath, promhttp.Handler())
				httpServer = &http.Server{
					Addr:              c.cfg.HTTP.ListenAddr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					log.Info().Str("addr", c.cfg.HTTP.ListenAddr).Msg("http server started")
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- fmt.Errorf("http server: %w", err)
					}
				}()
			}

			if a.store != nil && c.cfg.DB.Retention > 0 {
				j := worker.NewJanitor(worker.Config{
					Store:     a.store,
					Retention: c.cfg.DB.Retention,
					Logger:    log.Logger.With().Str("component", "janitor").Logger(),
				})
				go j.Start(ctx, time.Hour)
			}

			srv := newServer(a.responder, a.dispatch, a.file.Agent, a.file.DefaultAgent, a.file.AgentNames(), cmd.OutOrStdout(), log.Logger)
			go func() {
				errCh <- srv.Run(ctx, cmd.InOrStdin())
			}()

			select {
			case <-ctx.Done():
				log.Info().Msg("shutdown signal received")
			case err = <-errCh:
				if err != nil {
					log.Error().Err(err).Msg("runtime error")
				}
			}
			srv.Shutdown()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if httpServer != nil {
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("failed to stop http server")
				}
			}
			log.Info().Msg("stopped")
			return err
		},
	}
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not serve health and metrics endpoints")
	return cmd
}

type serveRequest struct {
	ID     string `json:"request_id"`
	Action string `json:"action"`
	Owner  string `json:"owner,omitempty"`
	Text   string `json:"text,omitempty"`
	Line   *int   `json:"line,omitempty"`
	Agent  string `json:"agent,omitempty"`
	Force  bool   `json:"force,omitempty"`
	// Target names the respond request a detach applies to.
	Target string `json:"target,omitempty"`
}

type engine interface {
	IsBusy(owner string) bool
	Stop() int
}

// server speaks the editor protocol: one JSON request per stdin line, any
// number of JSON replies per request on stdout, matched by request_id.
type server struct {
	responder    *chat.Responder
	engine       engine
	agent        func(name string) (chat.Agent, error)
	defaultAgent string
	agentNames   []string
	logger       zerolog.Logger

	outMu sync.Mutex
	out   io.Writer

	mu    sync.Mutex
	sinks map[string]*eventSink
	turns sync.WaitGroup
}

func newServer(r *chat.Responder, e engine, agent func(string) (chat.Agent, error), defaultAgent string, names []string, out io.Writer, logger zerolog.Logger) *server {
	return &server{
		responder:    r,
		engine:       e,
		agent:        agent,
		defaultAgent: defaultAgent,
		agentNames:   names,
		logger:       logger,
		out:          out,
		sinks:        make(map[string]*eventSink),
	}
}

// Run reads requests until in is exhausted or ctx is done.
func (s *server) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxRequestLine)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req serveRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.respond(map[string]any{"type": "error", "error": "invalid request: " + err.Error()})
			continue
		}
		s.handle(ctx, req)
	}
	return scanner.Err()
}

// Shutdown stops running queries and waits for their turns to settle.
func (s *server) Shutdown() {
	if n := s.engine.Stop(); n > 0 {
		s.logger.Info().Int("stopped", n).Msg("stopped running queries")
	}
	s.turns.Wait()
}

func (s *server) handle(ctx context.Context, req serveRequest) {
	switch req.Action {
	case "ping":
		s.respond(map[string]any{"request_id": req.ID, "type": "pong"})
	case "agents":
		s.respond(map[string]any{"request_id": req.ID, "type": "agents", "agents": s.agentNames, "default": s.defaultAgent})
	case "busy":
		s.respond(map[string]any{"request_id": req.ID, "type": "busy", "busy": s.engine.IsBusy(req.Owner)})
	case "stop":
		s.respond(map[string]any{"request_id": req.ID, "type": "stopped", "count": s.engine.Stop()})
	case "detach":
		s.mu.Lock()
		sink, ok := s.sinks[req.Target]
		s.mu.Unlock()
		if ok {
			sink.Invalidate()
		}
		s.respond(map[string]any{"request_id": req.ID, "type": "detached", "found": ok})
	case "respond":
		s.respondTo(ctx, req)
	default:
		s.fail(req.ID, "bad_request", fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *server) respondTo(ctx context.Context, req serveRequest) {
	if req.ID == "" {
		s.fail("", "bad_request", errors.New("request_id is required"))
		return
	}
	agent, err := s.agent(firstNonEmpty(req.Agent, s.defaultAgent))
	if err != nil {
		s.fail(req.ID, "bad_request", err)
		return
	}
	line := -1
	if req.Line != nil {
		line = *req.Line
	}
	owner := firstNonEmpty(req.Owner, "request:"+req.ID)

	sink := &eventSink{MemorySink: chat.NewMemorySink(req.Text), id: req.ID, emit: s.respond}
	s.mu.Lock()
	s.sinks[req.ID] = sink
	s.mu.Unlock()

	turn, err := s.responder.Respond(ctx, chat.RespondRequest{
		Owner:      owner,
		Sink:       sink,
		CursorLine: line,
		Agent:      agent,
		Force:      req.Force,
		BeforeDispatch: func(a chat.Agent) {
			s.respond(map[string]any{"request_id": req.ID, "type": "accepted", "agent": a.Name, "provider": a.Provider, "model": a.Model.Name})
		},
	})
	if err != nil {
		s.dropSink(req.ID)
		s.fail(req.ID, errorCode(err), err)
		return
	}

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		<-turn.Done()
		s.dropSink(req.ID)
		msg := map[string]any{
			"request_id": req.ID,
			"type":       "done",
			"text":       turn.Text(),
			"aborted":    turn.Aborted(),
		}
		if t := turn.Topic(); t != "" {
			msg["topic"] = t
		}
		if q := turn.Query(); q != nil {
			msg["query_id"] = q.ID
			msg["exit_code"] = q.ExitCode()
			if u := q.Usage(); u != nil {
				msg["usage"] = u
			}
		}
		if err := turn.Err(); err != nil {
			msg["error"] = err.Error()
		}
		s.respond(msg)
	}()
}

func (s *server) dropSink(id string) {
	s.mu.Lock()
	delete(s.sinks, id)
	s.mu.Unlock()
}

func (s *server) fail(id, code string, err error) {
	s.respond(map[string]any{"request_id": id, "type": "error", "code": code, "error": err.Error()})
}

func (s *server) respond(msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode reply")
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to write reply")
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrBusy):
		return "busy"
	case errors.Is(err, chat.ErrNoQuestion):
		return "no_question"
	case errors.Is(err, params.ErrValidation):
		return "invalid_params"
	case errors.Is(err, dispatch.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, chat.ErrSinkInvalid):
		return "detached"
	default:
		return "failed"
	}
}

// eventSink mirrors every edit to the editor as a reply so its buffer
// follows the in-memory copy.
type eventSink struct {
	*chat.MemorySink
	id   string
	emit func(map[string]any)
}

func (e *eventSink) Append(text string) error {
	if err := e.MemorySink.Append(text); err != nil {
		return err
	}
	e.emit(map[string]any{"request_id": e.id, "type": "append", "text": text})
	return nil
}

func (e *eventSink) ReplaceRange(start, end int, lines []string) error {
	if err := e.MemorySink.ReplaceRange(start, end, lines); err != nil {
		return err
	}
	if lines == nil {
		lines = []string{}
	}
	e.emit(map[string]any{"request_id": e.id, "type": "replace", "start": start, "end": end, "lines": lines})
	return nil
}

func (e *eventSink) MoveTo(line int) error {
	if err := e.MemorySink.MoveTo(line); err != nil {
		return err
	}
	e.emit(map[string]any{"request_id": e.id, "type": "move", "line": line})
	return nil
}
