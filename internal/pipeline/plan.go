package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	digest "github.com/opencontainers/go-digest"

	"github.com/example/sbctl/internal/layerstore"
	"github.com/example/sbctl/internal/recipe"
	"github.com/example/sbctl/internal/requirements"
	"github.com/example/sbctl/internal/sourcetree"
)

// keyVersion is mixed into every layer key; bump it when the layer format
// changes so stale cache entries miss.
const keyVersion = "sbctl.layer.v1"

// Input names recorded per step and compared when explaining a miss.
const (
	InputBase     = "base"
	InputParent   = "parent"
	InputCommand  = "command"
	InputEnv      = "env"
	InputWorkDir  = "workdir"
	InputContent  = "content"
	InputDest     = "dest"
	InputManifest = "manifest"
)

// Inputs are the per-build parameters of Plan and Build.
type Inputs struct {
	ContextDir string
	// Tree, when set, is used instead of walking ContextDir.
	Tree    *sourcetree.Tree
	NoCache bool
}

// PlannedStep is a layer-producing step with its cache key.
type PlannedStep struct {
	Step   recipe.Step
	Key    digest.Digest
	Inputs map[string]string
	Cached bool
	Record layerstore.Record
	Reason string

	tree  sourcetree.Tree
	dest  string
	env   []string
	wdir  string
	prior []recipe.Step
}

// Plan is the resolved build: base image, context snapshot and the key of
// every layer in order.
type Plan struct {
	Recipe     recipe.Recipe
	BaseRef    string
	Base       v1.Image
	BaseDigest v1.Hash
	Tree       sourcetree.Tree
	Manifest   requirements.Manifest
	Steps      []PlannedStep
	Env        []string
	ContextDir string
}

// Misses counts steps that will execute.
func (p *Plan) Misses() int {
	n := 0
	for _, s := range p.Steps {
		if !s.Cached {
			n++
		}
	}
	return n
}

// Lookup returns the planned step by name.
func (p *Plan) Lookup(name string) (PlannedStep, bool) {
	for _, s := range p.Steps {
		if s.Step.Name == name {
			return s, true
		}
	}
	return PlannedStep{}, false
}

// Plan resolves the base image, snapshots the context, parses the manifest
// and computes every layer key. Nothing is executed.
func (e *Engine) Plan(ctx context.Context, r recipe.Recipe, in Inputs) (*Plan, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recipe: %w", err)
	}
	contextDir, err := filepath.Abs(in.ContextDir)
	if err != nil {
		return nil, err
	}

	var tree sourcetree.Tree
	if in.Tree != nil {
		tree = *in.Tree
	} else {
		ignore, err := sourcetree.ReadIgnore(contextDir)
		if err != nil {
			return nil, err
		}
		tree, err = sourcetree.Walk(ctx, contextDir, append(append([]string(nil), r.Ignore...), ignore...))
		if err != nil {
			return nil, err
		}
	}

	manifest, err := readManifest(contextDir, r.Manifest.Path)
	if err != nil {
		kind := ErrMalformedManifest
		if errors.Is(err, os.ErrNotExist) {
			kind = ErrSourceCopy
		}
		return nil, &StepError{Step: recipe.StepManifest, Stage: recipe.StageDependencies, Kind: kind, Err: err}
	}

	ref := r.Base.Reference()
	base, err := e.Bases.Resolve(ctx, ref)
	if err != nil {
		return nil, &StepError{Step: recipe.StepBase, Stage: recipe.StageProvision, Err: err}
	}
	baseDigest, err := base.Digest()
	if err != nil {
		return nil, fmt.Errorf("base digest: %w", err)
	}
	pinned := pinRef(ref, baseDigest)
	baseCfg, err := base.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("base config: %w", err)
	}

	plan := &Plan{
		Recipe:     r,
		BaseRef:    pinned,
		Base:       base,
		BaseDigest: baseDigest,
		Tree:       tree,
		Manifest:   manifest,
		ContextDir: contextDir,
	}

	var last map[string]layerstore.BuildStep
	if e.Store != nil {
		if prev, ok, err := e.Store.LastSuccessful(ctx, r.Name, BackendName); err != nil {
			return nil, fmt.Errorf("read build history: %w", err)
		} else if ok {
			last = map[string]layerstore.BuildStep{}
			for _, st := range prev.Steps {
				last[st.Step] = st
			}
		}
	}

	var (
		env       = append([]string(nil), baseCfg.Config.Env...)
		wdir      = "/"
		chain     = digest.FromString(pinned)
		steps     = r.Steps()
		delivered = map[string]digest.Digest{}
	)
	for i, step := range steps {
		switch step.Kind {
		case recipe.KindEnv:
			for _, kv := range step.Env {
				env = setEnv(env, kv.Name, kv.Value)
			}
			continue
		case recipe.KindWorkdir:
			wdir = resolvePath(wdir, step.Dest)
			continue
		}
		if !step.Layer() {
			continue
		}
		ps := PlannedStep{
			Step:  step,
			env:   append([]string(nil), env...),
			wdir:  wdir,
			prior: steps[:i],
		}
		switch step.Kind {
		case recipe.KindRun:
			ps.Inputs = map[string]string{
				InputBase:    pinned,
				InputParent:  chain.String(),
				InputCommand: strings.Join(step.Args, "\x1f"),
				InputEnv:     strings.Join(env, "\x1f"),
				InputWorkDir: wdir,
			}
			if step.Name == recipe.StepInstall {
				ps.Inputs[InputManifest] = manifest.Digest().String()
			}
		case recipe.KindCopy:
			sel, err := tree.Select(step.Src)
			if err != nil {
				return nil, &StepError{Step: step.Name, Stage: step.Stage, Kind: failureKind(step), Err: err}
			}
			ps.dest = resolvePath(wdir, step.Dest)
			// Files an earlier COPY already placed, byte for byte, stay out of
			// this layer; the manifest therefore never rides in the source layer.
			dest := ps.dest
			sel = sel.Filter(func(en sourcetree.Entry) bool {
				d, ok := delivered[path.Join(dest, en.Path)]
				return !ok || en.Digest == "" || d != en.Digest
			})
			for _, en := range sel.Entries {
				if en.Digest != "" {
					delivered[path.Join(dest, en.Path)] = en.Digest
				}
			}
			ps.tree = sel
			ps.Inputs = map[string]string{
				InputContent: sel.Digest().String(),
				InputDest:    ps.dest,
			}
		}
		ps.Key = layerKey(step, ps.Inputs)
		chain = digest.FromString(chain.String() + "\x00" + ps.Key.String())

		switch {
		case in.NoCache || e.Store == nil:
			ps.Reason = "cache disabled"
		default:
			rec, err := e.Store.Lookup(ctx, ps.Key)
			switch {
			case err == nil:
				ps.Cached = true
				ps.Record = rec
				ps.Reason = "inputs unchanged"
			case errors.Is(err, layerstore.ErrCacheMiss):
				ps.Reason = ExplainMiss(ps.Inputs, last, step.Name)
			default:
				return nil, err
			}
		}
		plan.Steps = append(plan.Steps, ps)
	}
	plan.Env = env
	return plan, nil
}

// layerKey hashes the step identity and its sorted inputs. COPY layers are
// keyed by content and destination only: their bytes never depend on the
// layers below, so a manifest edit does not force the source to be copied
// again.
func layerKey(step recipe.Step, inputs map[string]string) digest.Digest {
	names := make([]string, 0, len(inputs))
	for k := range inputs {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(keyVersion)
	b.WriteByte(0)
	b.WriteString(string(step.Kind))
	for _, k := range names {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(inputs[k])
	}
	return digest.FromString(b.String())
}

// ExplainMiss names the inputs that differ from the step's last successful
// build, keyed by step name in last.
func ExplainMiss(inputs map[string]string, last map[string]layerstore.BuildStep, step string) string {
	if last == nil {
		return "no previous build"
	}
	prev, ok := last[step]
	if !ok || len(prev.Inputs) == 0 {
		return "step not in previous build"
	}
	var changed []string
	for k, v := range inputs {
		if prev.Inputs[k] != v {
			changed = append(changed, k)
		}
	}
	if len(changed) == 0 {
		return "layer missing from cache"
	}
	sort.Strings(changed)
	return strings.Join(changed, ", ") + " changed"
}

func readManifest(contextDir, rel string) (requirements.Manifest, error) {
	f, err := os.Open(filepath.Join(contextDir, filepath.FromSlash(rel)))
	if err != nil {
		return requirements.Manifest{}, err
	}
	defer f.Close()
	return requirements.Parse(f)
}

func pinRef(ref string, d v1.Hash) string {
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	return ref + "@" + d.String()
}

func resolvePath(wdir, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(wdir, p)
}

func setEnv(env []string, name, value string) []string {
	prefix := name + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
