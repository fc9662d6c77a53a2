// Package launcher starts the application process in the foreground and
// decides when it counts as running: the process is alive and its port
// accepts connections.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/example/sbctl/internal/recipe"
)

// State is the lifecycle position of a Launcher. Running is terminal.
type State string

const (
	NotStarted State = "NOT_STARTED"
	Running    State = "RUNNING"
)

const (
	defaultStopGrace = 10 * time.Second
	pollInterval     = 100 * time.Millisecond
	dialTimeout      = 250 * time.Millisecond
)

var (
	// ErrNotRunning is returned by Wait before a successful Start.
	ErrNotRunning = errors.New("process is not running")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("launcher already started")
)

// Spec describes the foreground process.
type Spec struct {
	Command []string
	Env     []string
	Dir     string
	// EntryFile, relative to Dir, must exist before the process starts.
	EntryFile      string
	Host           string
	Port           int
	StartupTimeout time.Duration
	// ReadyPattern, when set, must also appear in the output before the
	// process counts as running.
	ReadyPattern string
	// StopGrace bounds how long a forwarded signal may take before the
	// process is killed.
	StopGrace time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
	Logger    logr.Logger
}

// FromRecipe derives the launch spec of r for an application checked out
// at dir. The recipe environment is layered over the current one.
func FromRecipe(r recipe.Recipe, dir string) Spec {
	env := os.Environ()
	env = append(env, r.EnvList()...)
	return Spec{
		Command:        r.LaunchCommand(),
		Env:            env,
		Dir:            dir,
		EntryFile:      r.Launch.EntryFile,
		Host:           r.Launch.Host,
		Port:           r.Launch.Port,
		StartupTimeout: r.StartupTimeout(),
	}
}

// StartupError reports a process that never reached Running.
type StartupError struct {
	Reason   string
	ExitCode int
	Err      error
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("startup failed: %s (exit code %d)", e.Reason, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StartupError) Unwrap() error { return e.Err }

// Launcher runs one process. It is not restartable.
type Launcher struct {
	spec Spec
	log  logr.Logger

	mu      sync.Mutex
	state   State
	started bool
	cmd     *exec.Cmd
	done    chan struct{}
	code    int
	waitErr error
	ready   atomic.Bool
}

// New returns a launcher in the NotStarted state.
func New(spec Spec) *Launcher {
	if spec.StartupTimeout <= 0 {
		spec.StartupTimeout = recipe.DefaultStartupTimeout
	}
	if spec.StopGrace <= 0 {
		spec.StopGrace = defaultStopGrace
	}
	if spec.Host == "" {
		spec.Host = recipe.DefaultHost
	}
	return &Launcher{spec: spec, log: spec.Logger, state: NotStarted}
}

// State reports the current lifecycle state.
func (l *Launcher) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Addr is the address dialled to decide readiness.
func (l *Launcher) Addr() string {
	return net.JoinHostPort(dialHost(l.spec.Host), strconv.Itoa(l.spec.Port))
}

// Start launches the process and blocks until it is running or has failed
// to start. Cancelling ctx after Start returns forwards SIGTERM to the
// process.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	l.mu.Unlock()

	if len(l.spec.Command) == 0 {
		return &StartupError{Reason: "no launch command", ExitCode: 1}
	}
	if l.spec.Port < 1 || l.spec.Port > 65535 {
		return &StartupError{Reason: fmt.Sprintf("invalid port %d", l.spec.Port), ExitCode: 1}
	}
	if l.spec.EntryFile != "" {
		entry := l.spec.EntryFile
		if !filepath.IsAbs(entry) {
			entry = filepath.Join(l.spec.Dir, entry)
		}
		if _, err := os.Stat(entry); err != nil {
			return &StartupError{Reason: "entry point " + l.spec.EntryFile + " not found", ExitCode: 2, Err: err}
		}
	}
	bin, err := exec.LookPath(l.spec.Command[0])
	if err != nil {
		return &StartupError{Reason: "command " + l.spec.Command[0] + " not found", ExitCode: 127, Err: err}
	}
	// A listener that is already there would pass the readiness check for
	// a process that never binds.
	if dial(l.Addr()) {
		return &StartupError{Reason: fmt.Sprintf("port %d already bound on %s", l.spec.Port, l.Addr()), ExitCode: 1}
	}

	cmd := exec.Command(bin, l.spec.Command[1:]...)
	cmd.Dir = l.spec.Dir
	cmd.Env = l.spec.Env
	cmd.Stdout, cmd.Stderr = l.outputs()
	if err := cmd.Start(); err != nil {
		return &StartupError{Reason: "start process", ExitCode: 126, Err: err}
	}
	l.cmd = cmd
	l.done = make(chan struct{})
	go l.reap()
	l.log.V(1).Info("process started", "pid", cmd.Process.Pid, "command", l.spec.Command)

	if err := l.awaitReady(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.state = Running
	l.mu.Unlock()
	l.log.Info("process running", "addr", l.Addr(), "pid", cmd.Process.Pid)
	go l.forward(ctx)
	return nil
}

// Wait blocks until the process exits and returns its exit code.
func (l *Launcher) Wait() (int, error) {
	if l.State() != Running {
		return 0, ErrNotRunning
	}
	<-l.done
	return l.code, l.waitErr
}

func (l *Launcher) outputs() (io.Writer, io.Writer) {
	stdout, stderr := l.spec.Stdout, l.spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if l.spec.ReadyPattern == "" {
		l.ready.Store(true)
		return stdout, stderr
	}
	re := regexp.MustCompile(regexp.QuoteMeta(l.spec.ReadyPattern))
	return &lineMatcher{w: stdout, re: re, hit: &l.ready}, &lineMatcher{w: stderr, re: re, hit: &l.ready}
}

func (l *Launcher) reap() {
	err := l.cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
		if code < 0 {
			code = 1
		}
	default:
		code = 1
		l.waitErr = err
	}
	l.code = code
	close(l.done)
}

func (l *Launcher) awaitReady(ctx context.Context) error {
	deadline := time.NewTimer(l.spec.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	addr := l.Addr()
	for {
		if l.ready.Load() && dial(addr) {
			return nil
		}
		select {
		case <-l.done:
			code := l.code
			if code == 0 {
				code = 1
			}
			return &StartupError{Reason: "process exited before " + addr + " accepted connections", ExitCode: code, Err: l.waitErr}
		case <-ctx.Done():
			l.stop()
			return &StartupError{Reason: "interrupted during startup", ExitCode: 1, Err: ctx.Err()}
		case <-deadline.C:
			l.stop()
			reason := fmt.Sprintf("%s not accepting connections after %s", addr, l.spec.StartupTimeout)
			if !l.ready.Load() {
				reason = fmt.Sprintf("no %q in output after %s", l.spec.ReadyPattern, l.spec.StartupTimeout)
			}
			return &StartupError{Reason: reason, ExitCode: 1}
		case <-tick.C:
		}
	}
}

// forward relays cancellation of ctx to the process as SIGTERM.
func (l *Launcher) forward(ctx context.Context) {
	select {
	case <-l.done:
	case <-ctx.Done():
		l.log.Info("forwarding termination", "pid", l.cmd.Process.Pid)
		l.stop()
	}
}

func (l *Launcher) stop() {
	if err := l.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = l.cmd.Process.Kill()
	}
	select {
	case <-l.done:
	case <-time.After(l.spec.StopGrace):
		l.log.Info("process ignored SIGTERM, killing", "grace", l.spec.StopGrace.String())
		_ = l.cmd.Process.Kill()
		<-l.done
	}
}

func dial(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// dialHost maps wildcard bind addresses to loopback.
func dialHost(host string) string {
	switch host {
	case "", "0.0.0.0":
		return "127.0.0.1"
	case "::":
		return "::1"
	}
	return host
}

// lineMatcher forwards output and flags the first line that matches re.
type lineMatcher struct {
	w       io.Writer
	re      *regexp.Regexp
	hit     *atomic.Bool
	partial []byte
}

func (m *lineMatcher) Write(p []byte) (int, error) {
	if !m.hit.Load() {
		m.partial = append(m.partial, p...)
		for {
			i := bytes.IndexByte(m.partial, '\n')
			if i < 0 {
				break
			}
			if m.re.Match(m.partial[:i]) {
				m.hit.Store(true)
			}
			m.partial = m.partial[i+1:]
		}
		if m.hit.Load() {
			m.partial = nil
		}
	}
	return m.w.Write(p)
}
