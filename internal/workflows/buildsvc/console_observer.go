// File: internal/workflows/buildsvc/console_observer.go
// Brief: Stage-colored step printer for both build backends.

package buildsvc

import (
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/example/sbctl/internal/pipeline"
	"github.com/example/sbctl/pkg/buildkit"
)

const (
	logLevelError = 1
	logLevelWarn  = 2
	logLevelInfo  = 3
	logLevelDebug = 4
)

func parseLogLevel(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logLevelDebug
	case "warn", "warning":
		return logLevelWarn
	case "error":
		return logLevelError
	default:
		return logLevelInfo
	}
}

// consoleObserver prints one line per step transition. It serves the layered
// engine as a pipeline.Observer and the dockerfile backend as a diagnostic
// observer and phase emitter.
type consoleObserver struct {
	writer         io.Writer
	mu             sync.Mutex
	palette        []*color.Color
	timestampColor *color.Color
	failColor      *color.Color
	level          int
	now            func() time.Time
}

var (
	_ pipeline.Observer                = (*consoleObserver)(nil)
	_ buildkit.BuildDiagnosticObserver = (*consoleObserver)(nil)
	_ buildkit.PhaseEmitter            = (*consoleObserver)(nil)
)

func newConsoleObserver(w io.Writer, level string) *consoleObserver {
	if w == nil {
		return nil
	}
	return &consoleObserver{
		writer:         w,
		palette:        defaultPalette(),
		timestampColor: color.New(color.FgHiBlack),
		failColor:      color.New(color.FgRed, color.Bold),
		level:          parseLogLevel(level),
		now:            time.Now,
	}
}

func defaultPalette() []*color.Color {
	return []*color.Color{
		color.New(color.FgCyan),
		color.New(color.FgGreen),
		color.New(color.FgMagenta),
		color.New(color.FgYellow),
		color.New(color.FgBlue),
		color.New(color.FgHiCyan),
	}
}

func (o *consoleObserver) HandleStep(ev pipeline.StepEvent) {
	if o == nil {
		return
	}
	var min int
	var detail string
	switch ev.State {
	case pipeline.StateStarted:
		min = logLevelDebug
		detail = "started"
		if ev.Reason != "" {
			detail += " (" + ev.Reason + ")"
		}
	case pipeline.StateCached:
		min = logLevelInfo
		detail = "cached " + shortDigest(ev.Digest.String())
	case pipeline.StateBuilt:
		min = logLevelWarn
		detail = fmt.Sprintf("built %s in %s", shortDigest(ev.Digest.String()), ev.Duration.Round(time.Millisecond))
		if ev.Reason != "" {
			detail += " (" + ev.Reason + ")"
		}
	case pipeline.StateFailed:
		min = logLevelError
		detail = "failed"
		if ev.Err != nil {
			detail += ": " + firstLine(ev.Err.Error())
		}
		if !color.NoColor {
			detail = o.failColor.Sprint(detail)
		}
	case pipeline.StateSkipped:
		min = logLevelInfo
		detail = "skipped"
	default:
		return
	}
	if o.level < min {
		return
	}
	o.println(string(ev.Step.Stage), ev.Step.Name, detail)
}

func (o *consoleObserver) HandleDiagnostic(diag buildkit.BuildDiagnostic) {
	if o == nil {
		return
	}
	if diag.Step == "" {
		if o.level < logLevelDebug {
			return
		}
		o.println("buildkit", "", formatDiagnostic(diag))
		return
	}
	min := logLevelInfo
	if diag.Type == buildkit.DiagnosticCacheMiss {
		min = logLevelWarn
	}
	if o.level < min {
		return
	}
	o.println(string(diag.Stage), diag.Step, formatDiagnostic(diag))
}

func (o *consoleObserver) EmitPhase(name, state, message string) {
	if o == nil {
		return
	}
	min := logLevelDebug
	if state == "failed" {
		min = logLevelError
	}
	if o.level < min {
		return
	}
	detail := state
	if message != "" {
		detail += " " + firstLine(message)
	}
	o.println("phase", name, detail)
}

func (o *consoleObserver) println(stage, step, detail string) {
	ts := fmt.Sprintf("[%s]", o.now().Local().Format("15:04:05"))
	stageToken := stage
	stepTag := ""
	if step != "" {
		stepTag = "[" + step + "]"
	}
	if !color.NoColor {
		ts = o.timestampColor.Sprint(ts)
		stageToken = o.colorizeBySeed(stage, stage)
		if stepTag != "" {
			stepTag = o.colorizeBySeed(stepTag, stage+"/"+step)
		}
	}
	line := strings.Join(filterEmpty([]string{ts, stageToken, stepTag, detail}), " ")
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintln(o.writer, line)
}

func (o *consoleObserver) colorizeBySeed(token, seed string) string {
	if token == "" || len(o.palette) == 0 {
		return token
	}
	return o.palette[paletteIndex(seed, len(o.palette))].Sprint(token)
}

func formatDiagnostic(diag buildkit.BuildDiagnostic) string {
	label := "cache miss"
	if diag.Type == buildkit.DiagnosticCacheHit {
		label = "cache hit"
	}
	if diag.Step == "" && diag.Name != "" {
		label += " " + diag.Name
	}
	if diag.Reason != "" {
		label += " (" + diag.Reason + ")"
	}
	return label
}

func filterEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func paletteIndex(seed string, length int) int {
	if length == 0 {
		return 0
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(seed))
	return int(hasher.Sum32() % uint32(length))
}

func shortDigest(d string) string {
	if _, hex, ok := strings.Cut(d, ":"); ok && len(hex) > 12 {
		return hex[:12]
	}
	return d
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
