package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/example/sbctl/internal/recipe"
)

// TestHelperProcess stands in for the application. It is only active when
// re-executed by helperSpec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("SBCTL_WANT_HELPER_PROCESS") != "1" {
		return
	}
	mode := os.Getenv("HELPER_MODE")
	switch mode {
	case "exit":
		code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT"))
		fmt.Fprintln(os.Stderr, "ModuleNotFoundError: No module named 'streamlit'")
		os.Exit(code)
	case "silent":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "serve":
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", os.Getenv("HELPER_PORT")))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(3)
		}
		fmt.Println("ready")
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				_ = conn.Close()
			}
		}()
		<-ctx.Done()
		_ = ln.Close()
		os.Exit(0)
	}
	os.Exit(1)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func helperSpec(t *testing.T, mode string, port int, extra ...string) Spec {
	t.Helper()
	env := append(os.Environ(),
		"SBCTL_WANT_HELPER_PROCESS=1",
		"HELPER_MODE="+mode,
		"HELPER_PORT="+strconv.Itoa(port),
	)
	env = append(env, extra...)
	return Spec{
		Command:        []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:            env,
		Host:           "0.0.0.0",
		Port:           port,
		StartupTimeout: 10 * time.Second,
		StopGrace:      2 * time.Second,
	}
}

func TestStartReachesRunningAndForwardsCancellation(t *testing.T) {
	port := freePort(t)
	var out syncBuffer
	spec := helperSpec(t, "serve", port)
	spec.ReadyPattern = "ready"
	spec.Stdout = &out
	l := New(spec)
	if l.State() != NotStarted {
		t.Fatalf("expected NOT_STARTED, got %s", l.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if l.State() != Running {
		t.Fatalf("expected RUNNING, got %s", l.State())
	}
	if !strings.Contains(out.String(), "ready") {
		t.Fatalf("expected ready in output, got %q", out.String())
	}
	if !dial(l.Addr()) {
		t.Fatalf("expected %s to accept connections", l.Addr())
	}

	cancel()
	code, err := l.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected clean exit after SIGTERM, got %d", code)
	}
	if l.State() != Running {
		t.Fatalf("RUNNING is terminal, got %s", l.State())
	}
}

func TestStartFailsWhenProcessExitsEarly(t *testing.T) {
	var stderr syncBuffer
	spec := helperSpec(t, "exit", freePort(t), "HELPER_EXIT=3")
	spec.Stderr = &stderr
	l := New(spec)
	err := l.Start(context.Background())
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got %v", err)
	}
	if se.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", se.ExitCode)
	}
	if l.State() != NotStarted {
		t.Fatalf("expected NOT_STARTED after failure, got %s", l.State())
	}
	if !strings.Contains(stderr.String(), "No module named") {
		t.Fatalf("expected stderr to be forwarded, got %q", stderr.String())
	}
}

func TestStartCleanExitBeforeReadyIsStillAFailure(t *testing.T) {
	l := New(helperSpec(t, "exit", freePort(t), "HELPER_EXIT=0"))
	var se *StartupError
	if err := l.Start(context.Background()); !errors.As(err, &se) || se.ExitCode == 0 {
		t.Fatalf("expected non-zero StartupError, got %v", err)
	}
}

func TestStartTimesOutWhenPortNeverOpens(t *testing.T) {
	spec := helperSpec(t, "silent", freePort(t))
	spec.StartupTimeout = 500 * time.Millisecond
	l := New(spec)
	start := time.Now()
	err := l.Start(context.Background())
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got %v", err)
	}
	if se.ExitCode == 0 {
		t.Fatalf("timeout must report a non-zero exit code")
	}
	if !strings.Contains(se.Reason, "not accepting connections") {
		t.Fatalf("unexpected reason %q", se.Reason)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout took too long: %s", time.Since(start))
	}
}

func TestStartReportsMissingEntryPoint(t *testing.T) {
	spec := helperSpec(t, "serve", freePort(t))
	spec.Dir = t.TempDir()
	spec.EntryFile = "app.py"
	err := New(spec).Start(context.Background())
	var se *StartupError
	if !errors.As(err, &se) || se.ExitCode == 0 || !strings.Contains(se.Reason, "app.py") {
		t.Fatalf("expected missing entry point error, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}
}

func TestStartRefusesPortAlreadyBound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	spec := helperSpec(t, "silent", port)
	spec.Host = "127.0.0.1"
	l := New(spec)
	err = l.Start(context.Background())
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got %v", err)
	}
	if se.ExitCode != 1 || !strings.Contains(se.Reason, "already bound") {
		t.Fatalf("unexpected startup error %+v", se)
	}
	if l.State() != NotStarted {
		t.Fatalf("expected NOT_STARTED, got %s", l.State())
	}
	if _, err := l.Wait(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartReportsMissingCommand(t *testing.T) {
	l := New(Spec{Command: []string{"definitely-not-a-real-binary-sbctl"}, Port: 8501})
	var se *StartupError
	if err := l.Start(context.Background()); !errors.As(err, &se) || se.ExitCode != 127 {
		t.Fatalf("expected exit code 127, got %v", err)
	}
}

func TestWaitBeforeStartAndDoubleStart(t *testing.T) {
	l := New(Spec{Command: []string{"definitely-not-a-real-binary-sbctl"}, Port: 8501})
	if _, err := l.Wait(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	_ = l.Start(context.Background())
	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestFromRecipe(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('ready')\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	spec := FromRecipe(recipe.Default(), dir)
	if got := strings.Join(spec.Command, " "); got != "streamlit run app.py --server.address=0.0.0.0" {
		t.Fatalf("unexpected command %q", got)
	}
	if spec.Port != 8501 || spec.Host != "0.0.0.0" || spec.StartupTimeout != recipe.DefaultStartupTimeout {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	env := strings.Join(spec.Env, "\n")
	for _, want := range []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"} {
		if !strings.Contains(env, want) {
			t.Fatalf("expected %s in env", want)
		}
	}
	if New(spec).Addr() != "127.0.0.1:8501" {
		t.Fatalf("unexpected readiness address %s", New(spec).Addr())
	}
}

func TestLineMatcherHandlesSplitWrites(t *testing.T) {
	l := New(Spec{ReadyPattern: "ready"})
	stdout, _ := l.outputs()
	_, _ = stdout.Write([]byte("boot\nrea"))
	if l.ready.Load() {
		t.Fatalf("partial line must not match")
	}
	_, _ = stdout.Write([]byte("dy\n"))
	if !l.ready.Load() {
		t.Fatalf("expected match across writes")
	}
}
