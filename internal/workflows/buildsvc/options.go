// File: internal/workflows/buildsvc/options.go
// Brief: Build workflow options and IO streams.

// Package buildsvc runs an image build end to end: recipe loading, Dockerfile
// rendering, backend selection, history and tag records.
package buildsvc

import (
	"io"
	"os"

	"golang.org/x/term"
)

// Streams defines the IO handles a workflow should use.
type Streams struct {
	In        io.Reader
	Out       io.Writer
	Err       io.Writer
	Terminals []any
}

func (s Streams) InReader() io.Reader {
	if s.In != nil {
		return s.In
	}
	return os.Stdin
}

func (s Streams) OutWriter() io.Writer {
	if s.Out != nil {
		return s.Out
	}
	return os.Stdout
}

func (s Streams) ErrWriter() io.Writer {
	if s.Err != nil {
		return s.Err
	}
	if s.Out != nil {
		return s.Out
	}
	return os.Stderr
}

func (s Streams) terminalCandidates() []any {
	if len(s.Terminals) > 0 {
		return s.Terminals
	}
	return []any{s.Err, s.Out}
}

func (s Streams) IsTerminal(w io.Writer) bool {
	type fdProvider interface {
		Fd() uintptr
	}
	if v, ok := w.(fdProvider); ok {
		return term.IsTerminal(int(v.Fd()))
	}
	return false
}

// Backend selects how the image is produced.
type Backend string

const (
	// BackendLayered assembles the image in-process from cached layers.
	BackendLayered Backend = "layered"
	// BackendDockerfile solves the rendered Dockerfile with BuildKit.
	BackendDockerfile Backend = "dockerfile"
)

// Options contains everything needed to execute an sbctl build.
type Options struct {
	ContextDir string
	// RecipePath overrides sbctl.yaml discovery in the context.
	RecipePath string
	Backend    Backend
	Tags       []string
	CacheDir   string
	Builder    string
	// AllowBuilderFallback provisions a Docker Buildx builder when the
	// BuildKit socket is unreachable.
	AllowBuilderFallback bool
	NoCache              bool
	// Pull, CacheFrom and CacheTo apply to the dockerfile backend only.
	// Cache specs use the docker buildx key=value form.
	Pull         bool
	CacheFrom    []string
	CacheTo      []string
	OCIOutput    string
	Platform     string
	DockerConfig string
	Output       string
	LogLevel     string
	Streams      Streams
}

// Result summarizes the outcome of a build.
type Result struct {
	Recipe       string
	Backend      Backend
	Tags         []string
	Digest       string
	OCIOutputDir string
	Dockerfile   string
	Steps        []StepOutcome
}

// StepOutcome is the cache verdict for one layer step.
type StepOutcome struct {
	Step    string
	Stage   string
	Outcome string
	Reason  string
}
