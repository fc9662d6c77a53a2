package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/sbctl/internal/recipe"
)

// Build-time failure classes. All of them abort the build without writing an
// image.
var (
	ErrSystemPackage     = errors.New("system package could not be installed")
	ErrDependency        = errors.New("dependency could not be installed")
	ErrMalformedManifest = errors.New("malformed dependency manifest")
	ErrSourceCopy        = errors.New("source could not be copied")
)

// StepError reports the step that failed. Tail holds the last lines of the
// step output.
type StepError struct {
	Step  string
	Stage recipe.Stage
	Kind  error
	Err   error
	Tail  []string
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %s (%s) failed: %v", e.Step, e.Stage, e.Err)
	if e.Kind != nil {
		msg = fmt.Sprintf("step %s (%s): %v: %v", e.Step, e.Stage, e.Kind, e.Err)
	}
	if len(e.Tail) > 0 {
		msg += "\n" + strings.Join(e.Tail, "\n")
	}
	return msg
}

func (e *StepError) Unwrap() []error {
	out := []error{e.Err}
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	return out
}

func failureKind(step recipe.Step) error {
	switch step.Name {
	case recipe.StepSystem:
		return ErrSystemPackage
	case recipe.StepInstall:
		return ErrDependency
	case recipe.StepManifest, recipe.StepSource:
		return ErrSourceCopy
	}
	return nil
}
