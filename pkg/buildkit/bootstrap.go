package buildkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/moby/buildkit/client"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// builderDialer connects to buildkitd. When the socket does not answer and
// fallback is allowed, it provisions a Docker Buildx builder and dials that
// instead.
type builderDialer struct {
	allowFallback bool
	log           io.Writer
	provisioner   *buildxProvisioner
}

func newBuilderDialer(allowFallback bool, log io.Writer) builderDialer {
	return builderDialer{allowFallback: allowFallback, log: log, provisioner: defaultProvisioner}
}

// dial returns a client that has answered a worker listing, and the address
// it was reached at.
func (d builderDialer) dial(ctx context.Context, addr string) (*client.Client, string, error) {
	c, err := connectBuilder(ctx, addr)
	if err == nil {
		return c, addr, nil
	}
	if !d.allowFallback || d.provisioner == nil || !isDialError(err) {
		return nil, addr, fmt.Errorf("connect to buildkitd at %s: %w", addr, err)
	}
	fallback, perr := d.provisioner.ensure(ctx, d.log)
	if perr != nil {
		return nil, addr, fmt.Errorf("connect to buildkitd at %s and provision buildx builder: %w", addr, errors.Join(err, perr))
	}
	c, err = connectBuilder(ctx, fallback)
	if err != nil {
		return nil, fallback, fmt.Errorf("connect to buildx builder at %s: %w", fallback, err)
	}
	return c, fallback, nil
}

func connectBuilder(ctx context.Context, addr string) (*client.Client, error) {
	c, err := client.New(ctx, addr)
	if err != nil {
		return nil, err
	}
	if _, err := c.ListWorkers(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// buildxProvisioner creates and boots one docker-container Buildx builder per
// process. A successful or permanently failed attempt is remembered; an
// attempt cut short by its context is retried on the next call.
type buildxProvisioner struct {
	name     string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, log io.Writer, args ...string) error

	mu   sync.Mutex
	done bool
	addr string
	err  error
}

var defaultProvisioner = &buildxProvisioner{name: "sbctl-buildkit", lookPath: exec.LookPath, run: runBuildx}

func (p *buildxProvisioner) ensure(ctx context.Context, log io.Writer) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return p.addr, p.err
	}
	addr, err := p.provision(ctx, log)
	if err != nil && ctx.Err() != nil {
		return "", err
	}
	p.done, p.addr, p.err = true, addr, err
	return addr, err
}

func (p *buildxProvisioner) provision(ctx context.Context, log io.Writer) (string, error) {
	if _, err := p.lookPath("docker"); err != nil {
		return "", fmt.Errorf("docker CLI not found: %w", err)
	}
	logf(log, "buildkitd unreachable; provisioning Docker Buildx builder %s\n", p.name)
	if err := p.run(ctx, log, "inspect", p.name); err != nil {
		if err := p.run(ctx, log, "create", "--name", p.name, "--driver", "docker-container"); err != nil {
			return "", err
		}
	}
	if err := p.run(ctx, log, "inspect", "--bootstrap", p.name); err != nil {
		return "", err
	}
	logf(log, "using Docker Buildx builder %s\n", p.name)
	// Buildx names the first node container buildx_buildkit_<builder>0.
	return "docker-container://buildx_buildkit_" + p.name + "0", nil
}

func runBuildx(ctx context.Context, log io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", append([]string{"buildx"}, args...)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if log != nil && out.Len() > 0 {
			_, _ = log.Write(out.Bytes())
		}
		return fmt.Errorf("docker buildx %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func logf(w io.Writer, format string, args ...any) {
	if w != nil {
		fmt.Fprintf(w, format, args...)
	}
}

var dialErrnos = []syscall.Errno{syscall.ENOENT, syscall.ECONNREFUSED, syscall.EACCES}

var dialErrMarkers = []string{
	"no such file or directory",
	"connection refused",
	"error while dialing",
	"connect: permission denied",
}

// isDialError reports whether err means nothing is listening at the builder
// address, as opposed to a builder that answered and failed.
func isDialError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	for _, errno := range dialErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	if s, ok := status.FromError(err); ok && s.Code() == codes.Unavailable {
		msg = strings.ToLower(s.Message())
	}
	for _, marker := range dialErrMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
