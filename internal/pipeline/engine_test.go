package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"

	"github.com/example/sbctl/internal/layerstore"
	"github.com/example/sbctl/internal/recipe"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(RunRequest) error
}

func (f *fakeExecutor) Run(_ context.Context, req RunRequest) (v1.Layer, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[req.Step.Name]++
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			req.Output.Write([]byte("Collecting nonexistent-pkg\nERROR: No matching distribution found\n"))
			return nil, err
		}
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte(req.Step.Shell())
	hdr := &tar.Header{
		Name:     "usr/local/lib/" + req.Step.Name + ".txt",
		Mode:     0o644,
		Size:     int64(len(body)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
		Uname:    "builder",
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	tw.Write(body)
	tw.Close()
	return uncompressedLayer(buf.Bytes()), nil
}

func (f *fakeExecutor) count(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[step]
}

type harness struct {
	engine   *Engine
	exec     *fakeExecutor
	ctxDir   string
	events   []StepEvent
	eventsMu sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := layerstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	h := &harness{exec: &fakeExecutor{}, ctxDir: t.TempDir()}
	h.engine = &Engine{
		Store:    store,
		Executor: h.exec,
		Bases:    StaticBases{recipe.Default().Base.Reference(): empty.Image},
		Logger:   logr.Discard(),
		Observers: []Observer{ObserverFunc(func(ev StepEvent) {
			h.eventsMu.Lock()
			h.events = append(h.events, ev)
			h.eventsMu.Unlock()
		})},
	}
	h.write(t, "requirements.txt", "requests==2.31.0\n")
	h.write(t, "app.py", "print('ready')\n")
	return h
}

func (h *harness) write(t *testing.T, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(h.ctxDir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) build(t *testing.T, opts BuildOptions) *Result {
	t.Helper()
	opts.ContextDir = h.ctxDir
	res, err := h.engine.Build(context.Background(), recipe.Default(), opts)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return res
}

func outcome(t *testing.T, res *Result, step string) StepResult {
	t.Helper()
	for _, sr := range res.Steps {
		if sr.Step.Name == step {
			return sr
		}
	}
	t.Fatalf("step %s not in result", step)
	return StepResult{}
}

func TestSourceOnlyChangeReusesDependencyLayer(t *testing.T) {
	h := newHarness(t)
	first := h.build(t, BuildOptions{})
	if h.exec.count(recipe.StepInstall) != 1 {
		t.Fatalf("installer should run on the first build")
	}
	h.write(t, "app.py", "print('ready, edited')\n")
	second := h.build(t, BuildOptions{})

	if h.exec.count(recipe.StepInstall) != 1 {
		t.Fatalf("installer re-invoked after a source-only change")
	}
	if got := outcome(t, second, recipe.StepInstall); got.Outcome != StateCached {
		t.Fatalf("install outcome %s, want cached", got.Outcome)
	}
	if outcome(t, second, recipe.StepInstall).Digest != outcome(t, first, recipe.StepInstall).Digest {
		t.Fatalf("dependency layer digest changed")
	}
	if got := outcome(t, second, recipe.StepSource); got.Outcome != StateBuilt {
		t.Fatalf("source outcome %s, want built", got.Outcome)
	}
	if first.ImageDigest == second.ImageDigest {
		t.Fatalf("image digest must change with the source")
	}
}

func TestManifestChangeReinvokesInstaller(t *testing.T) {
	h := newHarness(t)
	h.build(t, BuildOptions{})
	h.write(t, "requirements.txt", "requests==2.32.0\n")
	res := h.build(t, BuildOptions{})

	if h.exec.count(recipe.StepInstall) != 2 {
		t.Fatalf("installer must run again after a manifest change, ran %d times", h.exec.count(recipe.StepInstall))
	}
	if h.exec.count(recipe.StepSystem) != 1 {
		t.Fatalf("toolchain layer must stay cached")
	}
	if got := outcome(t, res, recipe.StepManifest); got.Outcome != StateBuilt {
		t.Fatalf("manifest outcome %s, want built", got.Outcome)
	}
	if got := outcome(t, res, recipe.StepSource); got.Outcome != StateCached {
		t.Fatalf("unchanged source should not be copied again, got %s", got.Outcome)
	}
	install := outcome(t, res, recipe.StepInstall)
	if install.Reason != "manifest, parent changed" {
		t.Fatalf("install reason %q, want manifest named", install.Reason)
	}
	m, err := readManifest(h.ctxDir, "requirements.txt")
	if err != nil {
		t.Fatal(err)
	}
	if install.Inputs[InputManifest] != m.Digest().String() {
		t.Fatalf("install key must record the manifest digest, got %q", install.Inputs[InputManifest])
	}
}

func TestIdenticalInputsGiveIdenticalDigests(t *testing.T) {
	h := newHarness(t)
	first := h.build(t, BuildOptions{})
	second := h.build(t, BuildOptions{Inputs: Inputs{NoCache: true}})
	for _, step := range []string{recipe.StepSystem, recipe.StepManifest, recipe.StepInstall, recipe.StepSource} {
		a, b := outcome(t, first, step), outcome(t, second, step)
		if b.Outcome != StateBuilt {
			t.Fatalf("%s outcome %s with cache disabled", step, b.Outcome)
		}
		if a.Digest != b.Digest {
			t.Fatalf("%s digest differs: %s vs %s", step, a.Digest, b.Digest)
		}
	}
	if first.ImageDigest != second.ImageDigest {
		t.Fatalf("image digests differ: %s vs %s", first.ImageDigest, second.ImageDigest)
	}
}

func TestMissingPackageFailsBeforeSourceCopy(t *testing.T) {
	h := newHarness(t)
	h.write(t, "requirements.txt", "nonexistent-pkg==0.0.1\n")
	h.exec.fail = func(req RunRequest) error {
		if req.Step.Name == recipe.StepInstall {
			return errors.New("process exited with code 1")
		}
		return nil
	}
	layoutDir := filepath.Join(t.TempDir(), "oci")
	res, err := h.engine.Build(context.Background(), recipe.Default(), BuildOptions{
		Inputs:     Inputs{ContextDir: h.ctxDir},
		Tag:        "studio-brain:dev",
		LayoutPath: layoutDir,
	})
	if err == nil {
		t.Fatalf("expected build failure")
	}
	if !errors.Is(err, ErrDependency) {
		t.Fatalf("expected ErrDependency, got %v", err)
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != recipe.StepInstall {
		t.Fatalf("expected StepError for install, got %v", err)
	}
	if len(stepErr.Tail) == 0 || !strings.Contains(strings.Join(stepErr.Tail, "\n"), "No matching distribution") {
		t.Fatalf("expected log tail, got %q", stepErr.Tail)
	}
	if got := outcome(t, res, recipe.StepSource); got.Outcome != StateSkipped {
		t.Fatalf("source copy must not run, got %s", got.Outcome)
	}
	for _, ev := range h.events {
		if ev.Step.Name == recipe.StepSource && ev.State == StateStarted {
			t.Fatalf("source copy started after install failure")
		}
	}
	if _, err := os.Stat(layoutDir); !os.IsNotExist(err) {
		t.Fatalf("no image may be written after a failure")
	}
}

func TestMalformedManifestFailsBeforeAnyStep(t *testing.T) {
	h := newHarness(t)
	h.write(t, "requirements.txt", "requests=>2.0\n")
	_, err := h.engine.Build(context.Background(), recipe.Default(), BuildOptions{Inputs: Inputs{ContextDir: h.ctxDir}})
	if !errors.Is(err, ErrMalformedManifest) {
		t.Fatalf("expected ErrMalformedManifest, got %v", err)
	}
	if len(h.exec.calls) != 0 {
		t.Fatalf("executor invoked for a malformed manifest: %v", h.exec.calls)
	}
}

func TestPlanExplainsMisses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan, err := h.engine.Plan(ctx, recipe.Default(), Inputs{ContextDir: h.ctxDir})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Misses() != 4 {
		t.Fatalf("expected 4 misses on a cold cache, got %d", plan.Misses())
	}
	if st, _ := plan.Lookup(recipe.StepInstall); st.Reason != "no previous build" {
		t.Fatalf("unexpected cold reason %q", st.Reason)
	}

	h.build(t, BuildOptions{})
	h.write(t, "app.py", "print('changed')\n")
	plan, err = h.engine.Plan(ctx, recipe.Default(), Inputs{ContextDir: h.ctxDir})
	if err != nil {
		t.Fatal(err)
	}
	install, _ := plan.Lookup(recipe.StepInstall)
	if !install.Cached {
		t.Fatalf("install should be cached: %s", install.Reason)
	}
	source, _ := plan.Lookup(recipe.StepSource)
	if source.Cached || source.Reason != "content changed" {
		t.Fatalf("unexpected source plan: cached=%v reason=%q", source.Cached, source.Reason)
	}
	if h.exec.count(recipe.StepInstall) != 1 {
		t.Fatalf("plan must not execute anything")
	}
}

func TestBuildWritesTaggedLayoutWithRuntimeConfig(t *testing.T) {
	h := newHarness(t)
	layoutDir := filepath.Join(t.TempDir(), "oci")
	res := h.build(t, BuildOptions{Tag: "studio-brain:dev", LayoutPath: layoutDir})

	p, err := layout.FromPath(layoutDir)
	if err != nil {
		t.Fatalf("open layout: %v", err)
	}
	idx, err := p.ImageIndex()
	if err != nil {
		t.Fatal(err)
	}
	manifest, err := idx.IndexManifest()
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Manifests) != 1 || manifest.Manifests[0].Digest != res.ImageDigest {
		t.Fatalf("unexpected index %#v", manifest.Manifests)
	}
	if manifest.Manifests[0].Annotations["org.opencontainers.image.ref.name"] != "studio-brain:dev" {
		t.Fatalf("tag annotation missing: %#v", manifest.Manifests[0].Annotations)
	}

	// Rebuilding with the same tag replaces the entry instead of appending.
	h.write(t, "app.py", "print('again')\n")
	h.build(t, BuildOptions{Tag: "studio-brain:dev", LayoutPath: layoutDir})
	if manifest, _ = mustIndex(t, layoutDir); len(manifest.Manifests) != 1 {
		t.Fatalf("expected tag replacement, got %d manifests", len(manifest.Manifests))
	}

	cf, err := res.Image.ConfigFile()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cf.Config.ExposedPorts["8501/tcp"]; !ok {
		t.Fatalf("port 8501 not exposed: %#v", cf.Config.ExposedPorts)
	}
	if strings.Join(cf.Config.Cmd, " ") != "streamlit run app.py --server.address=0.0.0.0" {
		t.Fatalf("unexpected cmd %v", cf.Config.Cmd)
	}
	if cf.Config.WorkingDir != "/app" {
		t.Fatalf("unexpected workdir %q", cf.Config.WorkingDir)
	}
	env := strings.Join(cf.Config.Env, " ")
	if !strings.Contains(env, "PYTHONDONTWRITEBYTECODE=1") || !strings.Contains(env, "PYTHONUNBUFFERED=1") {
		t.Fatalf("interpreter flags missing: %v", cf.Config.Env)
	}
	if !cf.Created.Time.Equal(epoch) {
		t.Fatalf("created timestamp not normalized: %v", cf.Created)
	}
	layers, err := res.Image.Layers()
	if err != nil || len(layers) != 4 {
		t.Fatalf("expected 4 layers, got %d (%v)", len(layers), err)
	}
}

func mustIndex(t *testing.T, dir string) (*v1.IndexManifest, error) {
	t.Helper()
	p, err := layout.FromPath(dir)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := p.ImageIndex()
	if err != nil {
		t.Fatal(err)
	}
	return idx.IndexManifest()
}

func TestTagLayoutReplacesOnlyMatchingTag(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(t.TempDir(), "oci")
	res := h.build(t, BuildOptions{Tag: "studio-brain:dev", LayoutPath: dir})
	for _, tag := range []string{"studio-brain:1.0", "studio-brain:1.0"} {
		if err := TagLayout(dir, tag, res.Image); err != nil {
			t.Fatalf("tag %s: %v", tag, err)
		}
	}
	manifest, err := mustIndex(t, dir)
	if err != nil {
		t.Fatal(err)
	}
	var refs []string
	for _, m := range manifest.Manifests {
		refs = append(refs, m.Annotations["org.opencontainers.image.ref.name"])
	}
	if strings.Join(refs, ",") != "studio-brain:dev,studio-brain:1.0" {
		t.Fatalf("unexpected layout refs %v", refs)
	}
	if err := TagLayout(dir, "", res.Image); err == nil {
		t.Fatalf("expected an empty tag to be rejected")
	}
}

func TestSourceLayerHoldsContextUnderWorkdir(t *testing.T) {
	h := newHarness(t)
	if err := os.MkdirAll(filepath.Join(h.ctxDir, "chroma_db"), 0o755); err != nil {
		t.Fatal(err)
	}
	h.write(t, "chroma_db/store.bin", "vectors")
	res := h.build(t, BuildOptions{})
	layers, _ := res.Image.Layers()
	rc, err := layers[3].Uncompressed()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	tr := tar.NewReader(rc)
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "app/app.py") {
		t.Fatalf("source layer missing files: %v", names)
	}
	if strings.Contains(joined, "app/requirements.txt") {
		t.Fatalf("manifest belongs to the dependency layer only: %v", names)
	}
	if strings.Contains(joined, "chroma_db") {
		t.Fatalf("vector store leaked into the source layer: %v", names)
	}
}

func TestTailWriterKeepsLastLines(t *testing.T) {
	w := newTailWriter(2)
	w.Write([]byte("one\ntwo\nthr"))
	w.Write([]byte("ee\nfour"))
	if got := strings.Join(w.Lines(), "|"); got != "three|four" {
		t.Fatalf("unexpected tail %q", got)
	}
}
