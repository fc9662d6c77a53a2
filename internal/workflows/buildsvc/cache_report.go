package buildsvc

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	digest "github.com/opencontainers/go-digest"

	"github.com/example/sbctl/internal/layerstore"
	"github.com/example/sbctl/internal/pipeline"
	"github.com/example/sbctl/internal/recipe"
	"github.com/example/sbctl/internal/requirements"
	"github.com/example/sbctl/internal/sourcetree"
	"github.com/example/sbctl/pkg/buildkit"
)

// dockerfileInputs snapshots what each layer step of the rendered Dockerfile
// depends on. The dockerfile backend has no layer keys of its own, so these
// snapshots are what history compares to explain a BuildKit cache miss.
type dockerfileInputs struct {
	manifest requirements.Manifest
	steps    map[string]map[string]string
}

func snapshotInputs(ctx context.Context, contextDir string, r recipe.Recipe) (*dockerfileInputs, error) {
	f, err := os.Open(filepath.Join(contextDir, filepath.FromSlash(r.Manifest.Path)))
	if err != nil {
		return nil, &pipeline.StepError{Step: recipe.StepManifest, Stage: recipe.StageDependencies, Kind: pipeline.ErrSourceCopy, Err: err}
	}
	manifest, err := requirements.Parse(f)
	f.Close()
	if err != nil {
		return nil, &pipeline.StepError{Step: recipe.StepManifest, Stage: recipe.StageDependencies, Kind: pipeline.ErrMalformedManifest, Err: err}
	}
	tree, err := sourcetree.Walk(ctx, contextDir, r.Ignore)
	if err != nil {
		return nil, fmt.Errorf("snapshot context: %w", err)
	}

	out := &dockerfileInputs{manifest: manifest, steps: map[string]map[string]string{}}
	parent := digest.FromString(r.Base.Reference())
	for _, step := range r.Steps() {
		if !step.Layer() {
			continue
		}
		in := map[string]string{}
		switch step.Kind {
		case recipe.KindRun:
			in[pipeline.InputBase] = r.Base.Reference()
			in[pipeline.InputParent] = parent.String()
			in[pipeline.InputCommand] = step.Shell()
			in[pipeline.InputEnv] = strings.Join(r.EnvList(), " ")
			if step.Name == recipe.StepInstall {
				in[pipeline.InputManifest] = manifest.Digest().String()
			}
		case recipe.KindCopy:
			sel, err := tree.Select(step.Src)
			if err != nil {
				return nil, &pipeline.StepError{Step: step.Name, Stage: step.Stage, Kind: pipeline.ErrSourceCopy, Err: err}
			}
			in[pipeline.InputContent] = sel.Digest().String()
			in[pipeline.InputDest] = step.Dest
		}
		out.steps[step.Name] = in
		parent = digest.FromString(parent.String() + "\x00" + inputsKey(in).String())
	}
	return out, nil
}

func inputsKey(in map[string]string) digest.Digest {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + "=" + in[k] + "\x00")
	}
	return digest.FromString(b.String())
}

// stepCollector folds vertex diagnostics into one verdict per recipe step: a
// step is cached only when none of its vertices executed.
type stepCollector struct {
	mu     sync.Mutex
	hits   map[string]int
	misses map[string]int
}

func newStepCollector() *stepCollector {
	return &stepCollector{hits: map[string]int{}, misses: map[string]int{}}
}

func (c *stepCollector) HandleDiagnostic(diag buildkit.BuildDiagnostic) {
	if diag.Step == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if diag.Type == buildkit.DiagnosticCacheMiss {
		c.misses[diag.Step]++
		return
	}
	c.hits[diag.Step]++
}

func (c *stepCollector) outcome(step string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.misses[step] > 0:
		return layerstore.OutcomeBuilt
	case c.hits[step] > 0:
		return layerstore.OutcomeCached
	}
	return layerstore.OutcomeSkipped
}

// dockerfileHistory turns the collected verdicts into history steps. When the
// solve failed, the first step without a verdict is the one that failed.
func dockerfileHistory(r recipe.Recipe, in *dockerfileInputs, c *stepCollector, failed bool) []layerstore.BuildStep {
	var out []layerstore.BuildStep
	for _, step := range r.Steps() {
		if !step.Layer() {
			continue
		}
		inputs := in.steps[step.Name]
		outcome := c.outcome(step.Name)
		if failed && outcome == layerstore.OutcomeSkipped {
			outcome = layerstore.OutcomeFailed
			failed = false
		}
		out = append(out, layerstore.BuildStep{
			Step:    step.Name,
			Stage:   string(step.Stage),
			Key:     inputsKey(inputs).String(),
			Outcome: outcome,
			Inputs:  inputs,
		})
	}
	return out
}

func lastSteps(ctx context.Context, store *layerstore.Store, name string, backend Backend) (map[string]layerstore.BuildStep, error) {
	if store == nil {
		return nil, nil
	}
	prev, ok, err := store.LastSuccessful(ctx, name, string(backend))
	if err != nil || !ok {
		return nil, err
	}
	last := map[string]layerstore.BuildStep{}
	for _, st := range prev.Steps {
		last[st.Step] = st
	}
	return last, nil
}

func outcomesFromHistory(steps []layerstore.BuildStep, last map[string]layerstore.BuildStep) []StepOutcome {
	out := make([]StepOutcome, 0, len(steps))
	for _, st := range steps {
		so := StepOutcome{Step: st.Step, Stage: st.Stage, Outcome: st.Outcome}
		switch st.Outcome {
		case layerstore.OutcomeCached:
			so.Reason = "inputs unchanged"
		case layerstore.OutcomeBuilt:
			so.Reason = pipeline.ExplainMiss(st.Inputs, last, st.Step)
		}
		out = append(out, so)
	}
	return out
}

func outcomesFromEngine(steps []pipeline.StepResult) []StepOutcome {
	out := make([]StepOutcome, 0, len(steps))
	for _, sr := range steps {
		out = append(out, StepOutcome{
			Step:    sr.Step.Name,
			Stage:   string(sr.Step.Stage),
			Outcome: sr.Outcome,
			Reason:  sr.Reason,
		})
	}
	return out
}

// writeStageSummary prints one line per stage with its step verdicts.
func writeStageSummary(w io.Writer, steps []StepOutcome, elapsed time.Duration) {
	if w == nil || len(steps) == 0 {
		return
	}
	var order []string
	counts := map[string]map[string]int{}
	for _, st := range steps {
		if _, ok := counts[st.Stage]; !ok {
			order = append(order, st.Stage)
			counts[st.Stage] = map[string]int{}
		}
		counts[st.Stage][st.Outcome]++
	}
	fmt.Fprintf(w, "Cache summary (%s):\n", elapsed.Round(time.Millisecond))
	for _, stage := range order {
		var parts []string
		for _, outcome := range []string{layerstore.OutcomeCached, layerstore.OutcomeBuilt, layerstore.OutcomeFailed, layerstore.OutcomeSkipped} {
			if n := counts[stage][outcome]; n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, outcome))
			}
		}
		fmt.Fprintf(w, "  %s %s\n", runewidth.FillRight(stage, 13), strings.Join(parts, ", "))
	}
}
