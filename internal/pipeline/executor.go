package pipeline

import (
	"context"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/example/sbctl/internal/recipe"
)

// Executor produces the filesystem change of a RUN step.
type Executor interface {
	Run(ctx context.Context, req RunRequest) (v1.Layer, error)
}

// RunRequest carries everything an executor needs to reproduce the state
// below Step and run it.
type RunRequest struct {
	Step recipe.Step
	// Prior lists every step before Step in recipe order.
	Prior []recipe.Step
	// BaseRef is the base image pinned by digest.
	BaseRef    string
	Env        []string
	WorkDir    string
	ContextDir string
	Ignore     []string
	Platform   *v1.Platform
	Output     io.Writer
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req RunRequest) (v1.Layer, error)

func (f ExecutorFunc) Run(ctx context.Context, req RunRequest) (v1.Layer, error) {
	return f(ctx, req)
}
