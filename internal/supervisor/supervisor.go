package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// ExitSpawnFailed is reported to OnExit when the process could not start.
const ExitSpawnFailed = -127

// ErrBusy is returned when the owner already has a live process and the
// run was not forced. No callback fires in that case.
var ErrBusy = errors.New("owner has a running query")

const readBufferSize = 4096

type Spec struct {
	Owner    string
	QueryID  string
	Command  string
	Args     []string
	Force    bool
	OnStdout func(chunk []byte)
	OnStderr func(chunk []byte)
	OnExit   func(code, signal int)
}

// Observer receives process lifecycle notifications.
type Observer interface {
	QueryStarted(owner, queryID string, pid int)
	QueryFinished(owner, queryID string, code int)
}

// Observers fans notifications out to every member.
type Observers []Observer

func (o Observers) QueryStarted(owner, queryID string, pid int) {
	for _, obs := range o {
		obs.QueryStarted(owner, queryID, pid)
	}
}

func (o Observers) QueryFinished(owner, queryID string, code int) {
	for _, obs := range o {
		obs.QueryFinished(owner, queryID, code)
	}
}

type Config struct {
	Logger   zerolog.Logger
	Observer Observer
	// Probe reports whether pid still exists. Defaults to a signal 0 check.
	Probe func(pid int) bool
}

type handle struct {
	pid     int
	owner   string
	queryID string
	proc    *os.Process
	done    chan struct{}
}

type Supervisor struct {
	logger   zerolog.Logger
	observer Observer
	probe    func(pid int) bool

	mu      sync.Mutex
	handles map[int]*handle
}

func New(cfg Config) *Supervisor {
	if cfg.Probe == nil {
		cfg.Probe = alive
	}
	if cfg.Observer == nil {
		cfg.Observer = Observers(nil)
	}
	return &Supervisor{
		logger:   cfg.Logger,
		observer: cfg.Observer,
		probe:    cfg.Probe,
		handles:  make(map[int]*handle),
	}
}

// Run starts spec.Command and streams its output to the callbacks from
// background goroutines. OnExit fires once both pipes are drained and the
// process has been reaped; the handle is already released by then.
func (s *Supervisor) Run(spec Spec) (int, error) {
	cmd, stdout, stderr, h, err := s.start(spec)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return 0, err
		}
		s.logger.Error().Err(err).Str("owner", spec.Owner).Str("query_id", spec.QueryID).Msg("failed to spawn query process")
		if spec.OnExit != nil {
			spec.OnExit(ExitSpawnFailed, 0)
		}
		return 0, err
	}

	s.logger.Debug().Str("owner", spec.Owner).Str("query_id", spec.QueryID).Int("pid", h.pid).Msg("query started")
	s.observer.QueryStarted(spec.Owner, spec.QueryID, h.pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, stdout, spec.OnStdout)
	go pump(&wg, stderr, spec.OnStderr)
	go func() {
		wg.Wait()
		code, sig := exitStatus(cmd.Wait(), cmd.ProcessState)
		close(h.done)
		s.release(h)

		s.logger.Debug().Str("owner", spec.Owner).Str("query_id", spec.QueryID).Int("pid", h.pid).Int("code", code).Int("signal", sig).Msg("query finished")
		s.observer.QueryFinished(spec.Owner, spec.QueryID, code)
		if spec.OnExit != nil {
			spec.OnExit(code, sig)
		}
	}()

	return h.pid, nil
}

// start checks the busy guard and spawns the process under one lock so two
// concurrent runs for the same owner cannot both pass.
func (s *Supervisor) start(spec Spec) (*exec.Cmd, io.Reader, io.Reader, *handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !spec.Force && s.busyLocked(spec.Owner) {
		return nil, nil, nil, nil, ErrBusy
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	h := &handle{
		pid:     cmd.Process.Pid,
		owner:   spec.Owner,
		queryID: spec.QueryID,
		proc:    cmd.Process,
		done:    make(chan struct{}),
	}
	s.handles[h.pid] = h
	return cmd, stdout, stderr, h, nil
}

// IsBusy reports whether owner has a live process. Handles whose process
// is gone are purged on the way.
func (s *Supervisor) IsBusy(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked(owner)
}

func (s *Supervisor) busyLocked(owner string) bool {
	busy := false
	for pid, h := range s.handles {
		if h.owner != owner {
			continue
		}
		select {
		case <-h.done:
			delete(s.handles, pid)
			continue
		default:
		}
		if !s.probe(pid) {
			s.logger.Debug().Str("owner", owner).Int("pid", pid).Msg("reaped stale handle")
			delete(s.handles, pid)
			continue
		}
		busy = true
	}
	return busy
}

// Stop signals every tracked process and forgets them without waiting for
// them to exit. It returns how many processes were signalled.
func (s *Supervisor) Stop(sig os.Signal) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for pid, h := range s.handles {
		if err := h.proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn().Err(err).Int("pid", pid).Msg("failed to signal query process")
		}
		delete(s.handles, pid)
		n++
	}
	return n
}

// Running returns the number of tracked processes.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Supervisor) release(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.handles[h.pid]; ok && cur == h {
		delete(s.handles, h.pid)
	}
}

func pump(wg *sync.WaitGroup, r io.Reader, fn func([]byte)) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && fn != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fn(chunk)
		}
		if err != nil {
			return
		}
	}
}

func exitStatus(err error, state *os.ProcessState) (code, sig int) {
	if state == nil {
		if err != nil {
			return 1, 0
		}
		return 0, 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return state.ExitCode(), int(ws.Signal())
	}
	return state.ExitCode(), 0
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
