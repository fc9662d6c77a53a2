// File: internal/pipeline/engine.go
// Brief: Internal pipeline package implementation for 'engine'.

// Package pipeline is the daemonless build backend. It assembles the image
// layer by layer on top of the base image, reusing cached layers by key and
// delegating RUN steps to an Executor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	digest "github.com/opencontainers/go-digest"

	"github.com/example/sbctl/internal/layerstore"
	"github.com/example/sbctl/internal/recipe"
	"github.com/example/sbctl/internal/sourcetree"
)

// BackendName identifies this backend in build history.
const BackendName = "layered"

// StepEvent is emitted when a layer step changes state.
type StepEvent struct {
	Step     recipe.Step
	State    string
	Key      digest.Digest
	Digest   digest.Digest
	Reason   string
	Duration time.Duration
	Err      error
}

// Step states reported to observers.
const (
	StateStarted = "started"
	StateCached  = layerstore.OutcomeCached
	StateBuilt   = layerstore.OutcomeBuilt
	StateFailed  = layerstore.OutcomeFailed
	StateSkipped = layerstore.OutcomeSkipped
)

// Observer consumes step events. Implementations should be fast and
// non-blocking.
type Observer interface {
	HandleStep(StepEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(StepEvent)

func (f ObserverFunc) HandleStep(ev StepEvent) {
	if f != nil {
		f(ev)
	}
}

// Engine runs layered builds.
type Engine struct {
	Store     *layerstore.Store
	Executor  Executor
	Bases     BaseResolver
	Logger    logr.Logger
	Output    io.Writer
	Observers []Observer
	Platform  *v1.Platform
	// TailLines bounds the step output kept for error reports.
	TailLines int
}

// BuildOptions selects where the image goes.
type BuildOptions struct {
	Inputs
	Tag        string
	LayoutPath string
}

// StepResult is the outcome of one layer step.
type StepResult struct {
	Step     recipe.Step
	Key      digest.Digest
	Outcome  string
	Digest   digest.Digest
	Size     int64
	Reason   string
	Duration time.Duration
	Inputs   map[string]string
}

// Result describes a finished build.
type Result struct {
	ImageDigest v1.Hash
	Image       v1.Image
	LayoutPath  string
	Tag         string
	Steps       []StepResult
	BuildID     int64
}

// Build executes the plan strictly in order. A cached step never reaches the
// executor. The first failure stops the build: the remaining steps are
// reported as skipped and no image is written.
func (e *Engine) Build(ctx context.Context, r recipe.Recipe, opts BuildOptions) (*Result, error) {
	started := time.Now()
	log := e.Logger.WithValues("recipe", r.Name)
	plan, err := e.Plan(ctx, r, opts.Inputs)
	if err != nil {
		e.record(ctx, r, started, nil, "", err)
		return nil, err
	}
	log.V(1).Info("plan ready", "base", plan.BaseRef, "steps", len(plan.Steps), "misses", plan.Misses())

	res := &Result{LayoutPath: opts.LayoutPath, Tag: opts.Tag}
	layers := make([]v1.Layer, 0, len(plan.Steps))
	var buildErr error
	for _, ps := range plan.Steps {
		if buildErr != nil {
			res.Steps = append(res.Steps, StepResult{Step: ps.Step, Key: ps.Key, Outcome: StateSkipped})
			e.emit(StepEvent{Step: ps.Step, State: StateSkipped, Key: ps.Key})
			continue
		}
		if err := ctx.Err(); err != nil {
			buildErr = err
			res.Steps = append(res.Steps, StepResult{Step: ps.Step, Key: ps.Key, Outcome: StateSkipped})
			continue
		}
		layer, sr, err := e.runStep(ctx, plan, ps)
		res.Steps = append(res.Steps, sr)
		if err != nil {
			buildErr = err
			log.Error(err, "step failed", "step", ps.Step.Name, "stage", ps.Step.Stage)
			continue
		}
		layers = append(layers, layer)
	}
	if buildErr != nil {
		e.record(ctx, r, started, res.Steps, "", buildErr)
		return res, buildErr
	}

	img, err := assemble(plan, layers)
	if err != nil {
		e.record(ctx, r, started, res.Steps, "", err)
		return res, err
	}
	dgst, err := img.Digest()
	if err != nil {
		return res, err
	}
	res.Image = img
	res.ImageDigest = dgst
	if opts.LayoutPath != "" {
		if err := writeLayout(opts.LayoutPath, opts.Tag, img); err != nil {
			e.record(ctx, r, started, res.Steps, "", err)
			return res, err
		}
	}
	res.BuildID = e.record(ctx, r, started, res.Steps, dgst.String(), nil)
	log.Info("image assembled", "digest", dgst.String(), "layout", opts.LayoutPath, "tag", opts.Tag)
	return res, nil
}

func (e *Engine) runStep(ctx context.Context, plan *Plan, ps PlannedStep) (v1.Layer, StepResult, error) {
	sr := StepResult{Step: ps.Step, Key: ps.Key, Reason: ps.Reason, Inputs: ps.Inputs}
	start := time.Now()
	e.emit(StepEvent{Step: ps.Step, State: StateStarted, Key: ps.Key, Reason: ps.Reason})

	if ps.Cached {
		layer, err := e.Store.Layer(ps.Record)
		if err == nil {
			if terr := e.Store.Touch(ctx, ps.Key); terr != nil {
				e.Logger.Error(terr, "touch cached layer", "key", ps.Key.String())
			}
			sr.Outcome = StateCached
			sr.Digest = ps.Record.Digest
			sr.Size = ps.Record.Size
			sr.Duration = time.Since(start)
			e.emit(StepEvent{Step: ps.Step, State: StateCached, Key: ps.Key, Digest: sr.Digest, Duration: sr.Duration})
			return layer, sr, nil
		}
		e.Logger.Info("cached layer unreadable, rebuilding", "step", ps.Step.Name, "err", err.Error())
		sr.Reason = "cached layer unreadable"
	}

	layer, err := e.produce(ctx, plan, ps)
	if err == nil && e.Store != nil {
		var rec layerstore.Record
		rec, err = e.Store.Put(ctx, ps.Key, ps.Step.Name, string(ps.Step.Stage), layer)
		if err == nil {
			sr.Digest = rec.Digest
			sr.Size = rec.Size
		}
	} else if err == nil {
		if d, derr := layer.Digest(); derr == nil {
			sr.Digest = digest.Digest(d.String())
		}
		if n, serr := layer.Size(); serr == nil {
			sr.Size = n
		}
	}
	sr.Duration = time.Since(start)
	if err != nil {
		sr.Outcome = StateFailed
		e.emit(StepEvent{Step: ps.Step, State: StateFailed, Key: ps.Key, Duration: sr.Duration, Err: err})
		return nil, sr, err
	}
	sr.Outcome = StateBuilt
	e.emit(StepEvent{Step: ps.Step, State: StateBuilt, Key: ps.Key, Digest: sr.Digest, Duration: sr.Duration, Reason: sr.Reason})
	return layer, sr, nil
}

func (e *Engine) produce(ctx context.Context, plan *Plan, ps PlannedStep) (v1.Layer, error) {
	switch ps.Step.Kind {
	case recipe.KindCopy:
		raw, err := sourcetree.Tarball(ps.tree, ps.dest)
		if err != nil {
			return nil, &StepError{Step: ps.Step.Name, Stage: ps.Step.Stage, Kind: failureKind(ps.Step), Err: err}
		}
		return uncompressedLayer(raw), nil
	case recipe.KindRun:
		if e.Executor == nil {
			return nil, &StepError{Step: ps.Step.Name, Stage: ps.Step.Stage, Err: errors.New("no executor configured for RUN steps")}
		}
		tail := newTailWriter(e.TailLines)
		var out io.Writer = tail
		if e.Output != nil {
			out = io.MultiWriter(e.Output, tail)
		}
		layer, err := e.Executor.Run(ctx, RunRequest{
			Step:       ps.Step,
			Prior:      ps.prior,
			BaseRef:    plan.BaseRef,
			Env:        ps.env,
			WorkDir:    ps.wdir,
			ContextDir: plan.ContextDir,
			Ignore:     plan.Recipe.Ignore,
			Platform:   e.Platform,
			Output:     out,
		})
		if err != nil {
			return nil, &StepError{Step: ps.Step.Name, Stage: ps.Step.Stage, Kind: failureKind(ps.Step), Err: err, Tail: tail.Lines()}
		}
		normalized, err := normalizeLayer(layer)
		if err != nil {
			return nil, &StepError{Step: ps.Step.Name, Stage: ps.Step.Stage, Err: fmt.Errorf("normalize layer: %w", err)}
		}
		return normalized, nil
	}
	return nil, fmt.Errorf("step %s: %s does not produce a layer", ps.Step.Name, ps.Step.Kind)
}

func (e *Engine) emit(ev StepEvent) {
	for _, o := range e.Observers {
		if o != nil {
			o.HandleStep(ev)
		}
	}
}

func (e *Engine) record(ctx context.Context, r recipe.Recipe, started time.Time, steps []StepResult, imageDigest string, buildErr error) int64 {
	if e.Store == nil {
		return 0
	}
	b := layerstore.Build{
		Recipe:      r.Name,
		Backend:     BackendName,
		StartedAt:   started,
		FinishedAt:  time.Now(),
		Outcome:     layerstore.BuildSucceeded,
		ImageDigest: imageDigest,
	}
	if buildErr != nil {
		b.Outcome = layerstore.BuildFailed
		b.Error = buildErr.Error()
	}
	for _, sr := range steps {
		b.Steps = append(b.Steps, layerstore.BuildStep{
			Step:     sr.Step.Name,
			Stage:    string(sr.Step.Stage),
			Key:      sr.Key.String(),
			Outcome:  sr.Outcome,
			Digest:   sr.Digest.String(),
			Inputs:   sr.Inputs,
			Duration: sr.Duration,
		})
	}
	id, err := e.Store.RecordBuild(context.WithoutCancel(ctx), b)
	if err != nil {
		e.Logger.Error(err, "record build history")
	}
	return id
}
