package buildkit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/docker/cli/cli/config/configfile"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/moby/buildkit/client"
	"github.com/moby/buildkit/client/llb"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/example/sbctl/internal/pipeline"
	"github.com/example/sbctl/internal/recipe"
)

const contextLocalName = "context"

// LLBExecutor runs RUN steps on buildkitd. The state below the step is
// rebuilt from the recipe in LLB so buildkitd's own cache serves it, and only
// the diff the step produces is exported.
type LLBExecutor struct {
	BuilderAddr          string
	AllowBuilderFallback bool
	DockerConfig         *configfile.ConfigFile
	// Log receives builder fallback messages.
	Log io.Writer

	mu     sync.Mutex
	client *client.Client
}

var _ pipeline.Executor = (*LLBExecutor)(nil)

// Run implements pipeline.Executor.
func (x *LLBExecutor) Run(ctx context.Context, req pipeline.RunRequest) (v1.Layer, error) {
	if req.Step.Kind != recipe.KindRun {
		return nil, fmt.Errorf("step %s is %s, not RUN", req.Step.Name, req.Step.Kind)
	}
	c, err := x.connect(ctx)
	if err != nil {
		return nil, err
	}

	before := replay(req)
	cwd := req.WorkDir
	after := applyStep(before, req.Step, &cwd, localContext(req))
	def, err := llb.Diff(before, after).Marshal(ctx, platformConstraint(req.Platform)...)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", req.Step.Name, err)
	}

	var layer bytes.Buffer
	solveOpt := client.SolveOpt{
		LocalDirs: map[string]string{contextLocalName: req.ContextDir},
		Session:   buildSessionAttachables(x.DockerConfig),
		Exports: []client.ExportEntry{{
			Type: client.ExporterTar,
			Output: func(map[string]string) (io.WriteCloser, error) {
				return nopWriteCloser{&layer}, nil
			},
		}},
	}

	ch := make(chan *client.SolveStatus)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		_, err := c.Solve(egCtx, def, solveOpt, ch)
		return err
	})
	eg.Go(func() error {
		streamLogs(ch, req.Output)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return static.NewLayer(layer.Bytes(), types.OCIUncompressedLayer), nil
}

// Close releases the buildkitd connection.
func (x *LLBExecutor) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.client == nil {
		return nil
	}
	err := x.client.Close()
	x.client = nil
	return err
}

func (x *LLBExecutor) connect(ctx context.Context) (*client.Client, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.client != nil {
		return x.client, nil
	}
	addr := x.BuilderAddr
	if addr == "" {
		addr = DefaultBuilderAddress()
	}
	c, _, err := newBuilderDialer(x.AllowBuilderFallback, x.Log).dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	x.client = c
	return c, nil
}

// replay rebuilds the filesystem below req.Step.
func replay(req pipeline.RunRequest) llb.State {
	st := llb.Image(req.BaseRef, platformOpt(req.Platform)...)
	for _, kv := range req.Env {
		name, value, _ := strings.Cut(kv, "=")
		st = st.AddEnv(name, value)
	}
	local := localContext(req)
	cwd := "/"
	for _, step := range filesystemSteps(req.Prior) {
		st = applyStep(st, step, &cwd, local)
	}
	return st
}

// filesystemSteps drops the steps that only touch the image config.
func filesystemSteps(steps []recipe.Step) []recipe.Step {
	out := make([]recipe.Step, 0, len(steps))
	for _, step := range steps {
		switch step.Kind {
		case recipe.KindFrom, recipe.KindEnv, recipe.KindExpose, recipe.KindCmd:
			continue
		}
		out = append(out, step)
	}
	return out
}

// applyStep adds one filesystem step to st. cwd tracks WORKDIR across calls.
func applyStep(st llb.State, step recipe.Step, cwd *string, local llb.State) llb.State {
	switch step.Kind {
	case recipe.KindWorkdir:
		*cwd = resolveDir(*cwd, step.Dest)
		return st.File(llb.Mkdir(*cwd, 0o755, llb.WithParents(true))).Dir(*cwd)
	case recipe.KindCopy:
		dest := resolveDir(*cwd, step.Dest)
		return st.File(llb.Copy(local, path.Join("/", step.Src), dest, &llb.CopyInfo{
			CopyDirContentsOnly: true,
			CreateDestPath:      true,
			AllowWildcard:       true,
			AllowEmptyWildcard:  true,
		}), llb.WithCustomName("COPY "+step.Src+" "+step.Dest))
	case recipe.KindRun:
		return st.Run(llb.Args(step.Args), llb.WithCustomName("RUN "+step.Shell())).Root()
	}
	return st
}

func localContext(req pipeline.RunRequest) llb.State {
	return llb.Local(contextLocalName,
		llb.ExcludePatterns(req.Ignore),
		llb.SharedKeyHint(req.ContextDir),
	)
}

func resolveDir(cwd, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	if cwd == "" {
		cwd = "/"
	}
	return path.Join(cwd, p)
}

func platformOpt(p *v1.Platform) []llb.ImageOption {
	if p == nil {
		return nil
	}
	return []llb.ImageOption{llb.Platform(ocispecs.Platform{OS: p.OS, Architecture: p.Architecture, Variant: p.Variant})}
}

func platformConstraint(p *v1.Platform) []llb.ConstraintsOpt {
	if p == nil {
		return nil
	}
	return []llb.ConstraintsOpt{llb.Platform(ocispecs.Platform{OS: p.OS, Architecture: p.Architecture, Variant: p.Variant})}
}

func streamLogs(ch chan *client.SolveStatus, w io.Writer) {
	for status := range ch {
		if status == nil || w == nil {
			continue
		}
		for _, l := range status.Logs {
			_, _ = w.Write(l.Data)
		}
		for _, v := range status.Vertexes {
			if v != nil && v.Error != "" {
				fmt.Fprintf(w, "error: %s\n", v.Error)
			}
		}
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
