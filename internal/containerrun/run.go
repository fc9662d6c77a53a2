// Package containerrun starts a built image in the local container daemon
// and waits until the application port is published and listening.
package containerrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/sbctl/internal/launcher"
	"github.com/example/sbctl/internal/recipe"
	"github.com/example/sbctl/pkg/registry"
)

const pollInterval = 500 * time.Millisecond

// Options describe one container run.
type Options struct {
	LayoutPath string
	// Tag selects the image in the layout and names it in the daemon.
	Tag            string
	Port           int
	StartupTimeout time.Duration
	// WaitLog, when set, must appear in the container log before the
	// container counts as running.
	WaitLog string
	Env     map[string]string
	// Cmd overrides the image command.
	Cmd    []string
	Output io.Writer
}

// Runner loads images and starts containers.
type Runner struct {
	Loader ImageLoader
	Logger logr.Logger
}

// Handle is a running container.
type Handle struct {
	container testcontainers.Container
	port      nat.Port
	log       logr.Logger
}

// Run loads the image and starts it. A container that exits or never
// listens within the startup timeout is removed and reported as a
// *launcher.StartupError.
func (r *Runner) Run(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Port == 0 {
		opts.Port = recipe.DefaultPort
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = recipe.DefaultStartupTimeout
	}
	tag, err := name.NewTag(opts.Tag)
	if err != nil {
		return nil, fmt.Errorf("image tag: %w", err)
	}
	img, err := registry.ImageFromLayout(opts.LayoutPath, opts.Tag)
	if err != nil {
		return nil, err
	}
	loader := r.Loader
	if loader == nil {
		loader = DockerLoader{}
	}
	if err := loader.Load(ctx, img, tag); err != nil {
		return nil, err
	}
	r.Logger.V(1).Info("image loaded", "tag", tag.String())

	req, port, err := containerRequest(tag.String(), opts)
	if err != nil {
		return nil, err
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		Logger:           logrPrintf{r.Logger},
	})
	if err != nil {
		serr := &launcher.StartupError{Reason: "container did not become ready", ExitCode: 1, Err: err}
		if c != nil {
			if st, stErr := c.State(context.WithoutCancel(ctx)); stErr == nil && !st.Running && st.ExitCode != 0 {
				serr.ExitCode = st.ExitCode
			}
			_ = c.Terminate(context.WithoutCancel(ctx))
		}
		return nil, serr
	}
	h := &Handle{container: c, port: port, log: r.Logger}
	if endpoint, err := h.Endpoint(ctx); err == nil {
		r.Logger.Info("container running", "id", shortID(c.GetContainerID()), "endpoint", endpoint)
	}
	return h, nil
}

func containerRequest(image string, opts Options) (testcontainers.ContainerRequest, nat.Port, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(opts.Port))
	if err != nil {
		return testcontainers.ContainerRequest{}, "", err
	}
	var strategy wait.Strategy = wait.ForListeningPort(port).WithStartupTimeout(opts.StartupTimeout)
	if opts.WaitLog != "" {
		strategy = wait.ForAll(
			wait.ForListeningPort(port),
			wait.ForLog(opts.WaitLog),
		).WithDeadline(opts.StartupTimeout)
	}
	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{string(port)},
		Env:          opts.Env,
		Cmd:          opts.Cmd,
		WaitingFor:   strategy,
	}
	if opts.Output != nil {
		req.LogConsumerCfg = &testcontainers.LogConsumerConfig{
			Consumers: []testcontainers.LogConsumer{&logWriter{w: opts.Output}},
		}
	}
	return req, port, nil
}

// Endpoint is the host address mapped to the application port.
func (h *Handle) Endpoint(ctx context.Context) (string, error) {
	return h.container.PortEndpoint(ctx, h.port, "")
}

// ID is the container id.
func (h *Handle) ID() string {
	return h.container.GetContainerID()
}

// Wait polls the container until it exits and returns its exit code.
// Cancelling ctx stops the container first.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		st, err := h.container.State(context.WithoutCancel(ctx))
		if err != nil {
			return 1, fmt.Errorf("container state: %w", err)
		}
		if !st.Running {
			return st.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			grace := 10 * time.Second
			h.log.Info("stopping container", "id", shortID(h.ID()))
			if err := h.container.Stop(context.WithoutCancel(ctx), &grace); err != nil {
				return 1, fmt.Errorf("stop container: %w", err)
			}
		case <-tick.C:
		}
	}
}

// Terminate removes the container.
func (h *Handle) Terminate(ctx context.Context) error {
	err := h.container.Terminate(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// EnvMap turns KEY=VALUE pairs into the map form the daemon API takes.
func EnvMap(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

// EnvList is the sorted inverse of EnvMap.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type logWriter struct {
	w io.Writer
}

func (l *logWriter) Accept(entry testcontainers.Log) {
	_, _ = l.w.Write(entry.Content)
}

// logrPrintf routes testcontainers' own chatter to debug logs.
type logrPrintf struct {
	log logr.Logger
}

func (p logrPrintf) Printf(format string, v ...any) {
	p.log.V(1).Info(fmt.Sprintf(format, v...))
}
