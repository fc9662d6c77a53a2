package recipe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultRecipeIsValid(t *testing.T) {
	r := Default()
	if err := r.Validate(); err != nil {
		t.Fatalf("default recipe invalid: %v", err)
	}
	if got := r.Base.Reference(); got != "python:3.11-slim" {
		t.Fatalf("unexpected base reference %q", got)
	}
	if got := strings.Join(r.EnvList(), " "); got != "PYTHONDONTWRITEBYTECODE=1 PYTHONUNBUFFERED=1" {
		t.Fatalf("unexpected env %q", got)
	}
	if got := strings.Join(r.LaunchCommand(), " "); got != "streamlit run app.py --server.address=0.0.0.0" {
		t.Fatalf("unexpected launch command %q", got)
	}
	if r.PortSpec() != "8501/tcp" {
		t.Fatalf("unexpected port spec %q", r.PortSpec())
	}
}

func TestStepsKeepManifestInstallSourceOrder(t *testing.T) {
	steps := Default().Steps()
	index := map[string]int{}
	for i, s := range steps {
		if s.Index != i {
			t.Fatalf("step %s has index %d, want %d", s.Name, s.Index, i)
		}
		index[s.Name] = i
	}
	for _, name := range []string{StepBase, StepSystem, StepManifest, StepInstall, StepSource, StepExpose, StepCmd} {
		if _, ok := index[name]; !ok {
			t.Fatalf("missing step %s", name)
		}
	}
	if !(index[StepSystem] < index[StepInstall]) {
		t.Fatalf("toolchain must precede dependency install")
	}
	if !(index[StepManifest] < index[StepInstall] && index[StepInstall] < index[StepSource]) {
		t.Fatalf("unexpected order: %v", index)
	}
	manifest, _ := Find(steps, StepManifest)
	if manifest.Src != "requirements.txt" || manifest.Stage != StageDependencies {
		t.Fatalf("unexpected manifest step %#v", manifest)
	}
	source, _ := Find(steps, StepSource)
	if source.Src != "." || source.Stage != StageSource {
		t.Fatalf("unexpected source step %#v", source)
	}
	system, _ := Find(steps, StepSystem)
	if !strings.Contains(system.Shell(), "rm -rf /var/lib/apt/lists/*") {
		t.Fatalf("toolchain step must drop the package index: %q", system.Shell())
	}
}

func TestRenderDockerfile(t *testing.T) {
	out, err := Default().Dockerfile()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := []string{
		"FROM python:3.11-slim",
		"ENV PYTHONDONTWRITEBYTECODE=1 \\\n    PYTHONUNBUFFERED=1",
		"RUN apt-get update \\\n    && apt-get install -y --no-install-recommends build-essential gcc g++ \\\n    && rm -rf /var/lib/apt/lists/*",
		"WORKDIR /app",
		"COPY requirements.txt .",
		"RUN pip install --no-cache-dir -r requirements.txt",
		"COPY . .",
		"EXPOSE 8501/tcp",
		`CMD ["streamlit", "run", "app.py", "--server.address=0.0.0.0"]`,
	}
	last := -1
	for _, w := range want {
		idx := strings.Index(out, w)
		if idx < 0 {
			t.Fatalf("rendered Dockerfile missing %q:\n%s", w, out)
		}
		if idx < last {
			t.Fatalf("%q out of order:\n%s", w, out)
		}
		last = idx
	}
	lines := strings.Count(out, "\n")
	if lines < 15 || lines > 60 {
		t.Fatalf("unexpected Dockerfile size %d lines", lines)
	}
}

func TestRenderDockerignoreExcludesVectorStore(t *testing.T) {
	var b strings.Builder
	if err := Default().RenderDockerignore(&b); err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, p := range []string{"chroma_db", ".git", "__pycache__", ".sbctl"} {
		if !strings.Contains(b.String(), p+"\n") {
			t.Fatalf("ignore file missing %q:\n%s", p, b.String())
		}
	}
}

func TestDecodeOverlaysDefaults(t *testing.T) {
	r, err := Decode([]byte(`
name: custom
base:
  version: "3.12"
launch:
  port: 9000
  startupTimeout: 15s
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Name != "custom" || r.Base.Reference() != "python:3.12-slim" {
		t.Fatalf("unexpected overlay: %#v", r.Base)
	}
	if r.Launch.Host != DefaultHost || r.Manifest.Path != DefaultManifest {
		t.Fatalf("defaults lost: %#v", r.Launch)
	}
	if r.StartupTimeout() != 15*time.Second {
		t.Fatalf("unexpected timeout %s", r.StartupTimeout())
	}
	if got := strings.Join(r.LaunchCommand(), " "); !strings.HasSuffix(got, "--server.port=9000") {
		t.Fatalf("non-default port must be passed: %q", got)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode([]byte("nmae: typo\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipe.yaml")
	if err := os.WriteFile(path, []byte("launch:\n  startupTimeout: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.StartupTimeout() != 5*time.Second {
		t.Fatalf("numeric seconds not honored: %s", r.StartupTimeout())
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	r := Default()
	r.Launch.Port = 70000
	r.Launch.Host = ""
	r.System.Packages = []string{"gcc", "Bad_Name"}
	r.Manifest.Path = "/abs/requirements.txt"
	r.Env = append(r.Env, EnvVar{Name: "PYTHONUNBUFFERED", Value: "0"})
	err := r.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"launch.port", "launch.host", "Bad_Name", "manifest.path", "declared twice"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error missing %q: %v", want, err)
		}
	}
}

func TestBasePinned(t *testing.T) {
	cases := []struct {
		base BaseImage
		want bool
	}{
		{BaseImage{Interpreter: "python", Version: "3.11"}, true},
		{BaseImage{Interpreter: "python", Version: "3"}, false},
		{BaseImage{Interpreter: "python", Version: "latest"}, false},
		{BaseImage{Interpreter: "python", Version: "3", Digest: "sha256:" + strings.Repeat("a", 64)}, true},
	}
	for _, tc := range cases {
		if got := tc.base.Pinned(); got != tc.want {
			t.Fatalf("%s pinned=%v want %v", tc.base.Reference(), got, tc.want)
		}
	}
}
