// File: internal/dockerlint/lint.go
// Brief: Internal dockerlint package implementation for 'lint'.

// Package dockerlint checks a Dockerfile for the instruction ordering that
// keeps the dependency layer cacheable across source edits.
package dockerlint

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/distribution/reference"
	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

const (
	RuleCopyOrder     = "copy-order"
	RuleMergedCopy    = "merged-copy"
	RuleToolchain     = "toolchain-order"
	RuleAptCache      = "apt-cache"
	RuleUnpinnedBase  = "unpinned-base"
	RuleMissingExpose = "missing-expose"
	RuleShellCmd      = "shell-cmd"
	RuleMissingCmd    = "missing-cmd"
)

type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Line     int      `json:"line"`
	Message  string   `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%d: %s [%s] %s", f.Line, f.Severity, f.Rule, f.Message)
}

var (
	installerRE  = regexp.MustCompile(`\b(pip3?|uv|poetry|pipenv|npm|yarn|pnpm|bundle)\b[^&|;]*\b(install|sync|ci)\b`)
	aptInstallRE = regexp.MustCompile(`\b(apt-get|apt)\s+(-\S+\s+)*install\b`)
	aptCleanRE   = regexp.MustCompile(`rm\s+-(rf|fr)\s+/var/lib/apt/lists`)
)

// Lint parses a Dockerfile and reports findings for its final stage, sorted
// by line.
func Lint(r io.Reader) ([]Finding, error) {
	res, err := parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse dockerfile: %w", err)
	}
	stage := finalStage(res.AST.Children)
	if len(stage) == 0 {
		return nil, fmt.Errorf("parse dockerfile: no FROM instruction")
	}

	var (
		out          []Finding
		manifestCopy *parser.Node
		treeCopy     *parser.Node
		install      *parser.Node
		exposed      bool
		cmd          *parser.Node
	)
	add := func(n *parser.Node, rule string, sev Severity, msg string) {
		out = append(out, Finding{Rule: rule, Severity: sev, Line: n.StartLine, Message: msg})
	}

	from := stage[0]
	if base := firstArg(from); base != "" && !strings.EqualFold(base, "scratch") && !strings.Contains(base, "$") {
		if msg := unpinnedBase(base); msg != "" {
			add(from, RuleUnpinnedBase, SeverityWarning, msg)
		}
	}

	for _, n := range stage[1:] {
		switch strings.ToLower(n.Value) {
		case "copy", "add":
			if copyFrom(n) {
				continue
			}
			if copiesWholeTree(n) {
				if treeCopy == nil {
					treeCopy = n
				}
			} else if treeCopy == nil && manifestCopy == nil {
				manifestCopy = n
			}
		case "run":
			line := runLine(n)
			if aptInstallRE.MatchString(line) {
				if !aptCleanRE.MatchString(line) {
					add(n, RuleAptCache, SeverityWarning, "apt install keeps /var/lib/apt/lists in the layer; remove it in the same RUN")
				}
				if install != nil {
					add(n, RuleToolchain, SeverityError, fmt.Sprintf("system packages installed after the dependency install on line %d", install.StartLine))
				}
				continue
			}
			if install == nil && installerRE.MatchString(line) {
				install = n
				if treeCopy != nil {
					add(treeCopy, RuleCopyOrder, SeverityError, fmt.Sprintf("source tree copied before the dependency install on line %d; every source edit reinstalls dependencies", n.StartLine))
				}
				if manifestCopy == nil {
					add(n, RuleMergedCopy, SeverityError, "dependency install has no preceding manifest-only COPY; copy the manifest on its own first")
				}
			}
		case "expose":
			exposed = true
		case "cmd", "entrypoint":
			cmd = n
		}
	}
	if !exposed {
		add(stage[len(stage)-1], RuleMissingExpose, SeverityWarning, "no EXPOSE instruction documents the listening port")
	}
	if cmd == nil {
		add(stage[len(stage)-1], RuleMissingCmd, SeverityWarning, "no CMD or ENTRYPOINT; the image has no foreground process")
	} else if !cmd.Attributes["json"] {
		add(cmd, RuleShellCmd, SeverityWarning, "shell-form command runs under /bin/sh, which does not forward signals to the server")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out, nil
}

// HasErrors reports whether any finding is an error.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

func finalStage(nodes []*parser.Node) []*parser.Node {
	start := -1
	for i, n := range nodes {
		if strings.EqualFold(n.Value, "from") {
			start = i
		}
	}
	if start < 0 {
		return nil
	}
	return nodes[start:]
}

func args(n *parser.Node) []string {
	var out []string
	for next := n.Next; next != nil; next = next.Next {
		out = append(out, next.Value)
	}
	return out
}

func firstArg(n *parser.Node) string {
	if n.Next == nil {
		return ""
	}
	return n.Next.Value
}

func runLine(n *parser.Node) string {
	return strings.Join(args(n), " ")
}

func copyFrom(n *parser.Node) bool {
	for _, f := range n.Flags {
		if strings.HasPrefix(f, "--from") {
			return true
		}
	}
	return false
}

func copiesWholeTree(n *parser.Node) bool {
	a := args(n)
	if len(a) < 2 {
		return false
	}
	for _, src := range a[:len(a)-1] {
		switch strings.TrimSuffix(src, "/") {
		case ".", "./", "*", "":
			return true
		}
	}
	return false
}

func unpinnedBase(base string) string {
	named, err := reference.ParseNormalizedNamed(base)
	if err != nil {
		return fmt.Sprintf("base image %q is not a valid reference", base)
	}
	if _, ok := named.(reference.Digested); ok {
		return ""
	}
	tagged, ok := named.(reference.Tagged)
	if !ok {
		return fmt.Sprintf("base image %q has no tag; pin the interpreter version", base)
	}
	tag := tagged.Tag()
	if tag == "latest" || !strings.ContainsAny(strings.SplitN(tag, "-", 2)[0], ".") {
		return fmt.Sprintf("base image tag %q floats; pin at least the minor interpreter version", tag)
	}
	return ""
}
