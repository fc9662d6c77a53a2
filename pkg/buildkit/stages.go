package buildkit

import (
	"strings"

	"github.com/example/sbctl/internal/recipe"
)

// StageClassifier maps dockerfile.v0 vertex names back to recipe steps so
// cache diagnostics can be reported per pipeline stage.
type StageClassifier struct {
	byName  map[string]recipe.Step
	base    recipe.Step
	hasFrom bool
}

// NewStageClassifier indexes the instruction text of every step.
func NewStageClassifier(steps []recipe.Step) *StageClassifier {
	c := &StageClassifier{byName: make(map[string]recipe.Step, len(steps))}
	for _, s := range steps {
		switch s.Kind {
		case recipe.KindFrom:
			c.base = s
			c.hasFrom = true
		case recipe.KindRun:
			c.byName[normalizeInstruction("RUN "+s.Shell())] = s
		case recipe.KindCopy:
			c.byName[normalizeInstruction("COPY "+s.Src+" "+s.Dest)] = s
		case recipe.KindWorkdir:
			c.byName[normalizeInstruction("WORKDIR "+s.Dest)] = s
		}
	}
	return c
}

// Classify returns the step a vertex executes. Internal vertices such as
// context transfers are not steps.
func (c *StageClassifier) Classify(vertexName string) (recipe.Step, bool) {
	if c == nil {
		return recipe.Step{}, false
	}
	name := strings.TrimSpace(vertexName)
	if strings.HasPrefix(name, "[internal]") {
		return recipe.Step{}, false
	}
	if strings.HasPrefix(name, "[") {
		if idx := strings.Index(name, "] "); idx >= 0 {
			name = name[idx+2:]
		}
	}
	name = normalizeInstruction(name)
	if c.hasFrom && strings.HasPrefix(name, "FROM ") {
		return c.base, true
	}
	s, ok := c.byName[name]
	return s, ok
}

func normalizeInstruction(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
