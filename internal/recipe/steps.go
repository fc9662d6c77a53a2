package recipe

import (
	"strings"
)

// Stage groups steps by the pipeline component that owns them.
type Stage string

const (
	StageProvision    Stage = "provision"
	StageDependencies Stage = "dependencies"
	StageSource       Stage = "source"
	StageLaunch       Stage = "launch"
)

// Kind is the Dockerfile instruction a step renders to.
type Kind string

const (
	KindFrom    Kind = "FROM"
	KindEnv     Kind = "ENV"
	KindRun     Kind = "RUN"
	KindWorkdir Kind = "WORKDIR"
	KindCopy    Kind = "COPY"
	KindExpose  Kind = "EXPOSE"
	KindCmd     Kind = "CMD"
)

// Well-known step names.
const (
	StepBase     = "base"
	StepEnv      = "env"
	StepSystem   = "system-toolchain"
	StepWorkdir  = "workdir"
	StepManifest = "copy-manifest"
	StepInstall  = "install-dependencies"
	StepSource   = "copy-source"
	StepExpose   = "expose"
	StepCmd      = "cmd"
)

// Step is one instruction of the pipeline.
type Step struct {
	Index int
	Name  string
	Kind  Kind
	Stage Stage
	// Args is the argv for RUN steps and CMD, the ports for EXPOSE.
	Args []string
	// Src and Dest are set for COPY and WORKDIR.
	Src  string
	Dest string
	Env  []EnvVar
}

// Layer reports whether the step changes the filesystem.
func (s Step) Layer() bool {
	return s.Kind == KindRun || s.Kind == KindCopy
}

// Shell returns the RUN command as one shell string.
func (s Step) Shell() string {
	if len(s.Args) == 3 && s.Args[0] == "/bin/sh" && s.Args[1] == "-c" {
		return s.Args[2]
	}
	return strings.Join(s.Args, " ")
}

// Steps returns the ordered instruction list. The manifest copy, the install
// and the source copy always appear in that order and as separate steps.
func (r Recipe) Steps() []Step {
	steps := []Step{
		{Name: StepBase, Kind: KindFrom, Stage: StageProvision, Src: r.Base.Reference()},
	}
	if len(r.Env) > 0 {
		steps = append(steps, Step{Name: StepEnv, Kind: KindEnv, Stage: StageProvision, Env: append([]EnvVar(nil), r.Env...)})
	}
	if len(r.System.Packages) > 0 {
		steps = append(steps, Step{Name: StepSystem, Kind: KindRun, Stage: StageProvision, Args: r.SystemCommand()})
	}
	steps = append(steps,
		Step{Name: StepWorkdir, Kind: KindWorkdir, Stage: StageDependencies, Dest: r.WorkDir},
		Step{Name: StepManifest, Kind: KindCopy, Stage: StageDependencies, Src: r.Manifest.Path, Dest: "."},
		Step{Name: StepInstall, Kind: KindRun, Stage: StageDependencies, Args: r.Manifest.InstallCommand()},
		Step{Name: StepSource, Kind: KindCopy, Stage: StageSource, Src: r.Source.Path, Dest: r.Source.Dest},
		Step{Name: StepExpose, Kind: KindExpose, Stage: StageLaunch, Args: []string{r.PortSpec()}},
		Step{Name: StepCmd, Kind: KindCmd, Stage: StageLaunch, Args: r.LaunchCommand()},
	)
	for i := range steps {
		steps[i].Index = i
	}
	return steps
}

// SystemCommand is the toolchain install as a single shell line so the
// package index never survives into the layer.
func (r Recipe) SystemCommand() []string {
	parts := []string{
		"apt-get update",
		"apt-get install -y --no-install-recommends " + strings.Join(r.System.Packages, " "),
	}
	if r.System.CleanCache {
		parts = append(parts, "rm -rf /var/lib/apt/lists/*")
	}
	return []string{"/bin/sh", "-c", strings.Join(parts, " && ")}
}

// Find returns the named step.
func Find(steps []Step, name string) (Step, bool) {
	for _, s := range steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}
