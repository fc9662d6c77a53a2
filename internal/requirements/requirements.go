// File: internal/requirements/requirements.go
// Brief: Internal requirements package implementation for 'requirements'.

// Package requirements parses pip-style dependency manifests (requirements.txt)
// into an ordered list of named, versioned constraints. The parser is strict
// enough to reject malformed lines before an installer ever runs, which keeps
// "malformed manifest" a build-time failure rather than an installer crash.
package requirements

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

var (
	nameRE     = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)
	extrasRE   = regexp.MustCompile(`^\[([A-Za-z0-9._,\s-]*)\]`)
	operatorRE = regexp.MustCompile(`^(===|==|>=|<=|~=|!=|>|<)\s*([^\s,;]+)$`)
	hashRE     = regexp.MustCompile(`^(sha256|sha384|sha512):[0-9a-fA-F]+$`)
)

// Requirement is one package of a manifest. Lines naming the same package
// under the same marker are merged into one Requirement.
type Requirement struct {
	Name       string
	Extras     []string
	Specifiers []Specifier
	// URL is set for direct references (name @ url).
	URL    string
	Marker string
	// Hashes are the --hash values pip checks the download against.
	Hashes []string
	// Options holds other per-requirement options verbatim.
	Options []string
	Line    int
}

// Specifier is a single version comparison such as "==2.31.0".
type Specifier struct {
	Operator string
	Version  string
}

func (s Specifier) String() string {
	return s.Operator + s.Version
}

// Pinned reports whether the requirement resolves to exactly one artifact.
func (r Requirement) Pinned() bool {
	if r.URL != "" {
		return true
	}
	v := r.pin()
	return v != "" && !strings.Contains(v, "*")
}

func (r Requirement) pin() string {
	for _, s := range r.Specifiers {
		if s.Operator == "==" || s.Operator == "===" {
			return s.Version
		}
	}
	return ""
}

// merge folds a later line for the same package into r. Two different exact
// pins, or a direct reference declared twice, cannot be merged.
func (r *Requirement) merge(other Requirement) error {
	if r.URL != "" || other.URL != "" {
		return &DuplicateError{Name: other.Name, First: r.Line, Again: other.Line}
	}
	if a, b := r.pin(), other.pin(); a != "" && b != "" && a != b {
		return &DuplicateError{Name: other.Name, First: r.Line, Again: other.Line}
	}
	r.Specifiers = append(r.Specifiers, other.Specifiers...)
	for _, e := range other.Extras {
		if !slices.Contains(r.Extras, e) {
			r.Extras = append(r.Extras, e)
		}
	}
	r.Hashes = append(r.Hashes, other.Hashes...)
	r.Options = append(r.Options, other.Options...)
	return nil
}

// NormalizedName folds the name the way package indexes compare names.
func (r Requirement) NormalizedName() string {
	return normalizeName(r.Name)
}

func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	specs := make([]string, 0, len(r.Specifiers))
	for _, s := range r.Specifiers {
		specs = append(specs, s.String())
	}
	b.WriteString(strings.Join(specs, ","))
	if r.URL != "" {
		b.WriteString(" @ " + r.URL)
	}
	if r.Marker != "" {
		b.WriteString("; " + r.Marker)
	}
	return b.String()
}

// Manifest is the parsed dependency manifest. Raw holds the exact bytes so the
// digest tracks what the installer will actually read.
type Manifest struct {
	Requirements []Requirement
	Options      []string
	Raw          []byte
}

// SyntaxError reports a malformed manifest line.
type SyntaxError struct {
	Line   int
	Text   string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("requirements line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// DuplicateError reports a package declared twice in ways that contradict
// each other.
type DuplicateError struct {
	Name  string
	First int
	Again int
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("requirements: %s declared on line %d and again on line %d", e.Name, e.First, e.Again)
}

// Parse reads a manifest. Comments, blank lines and backslash continuations
// are handled; option lines (-r, --index-url, ...) are kept verbatim.
func Parse(r io.Reader) (Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	out := Manifest{Raw: raw}
	seen := map[string]int{}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	var pending strings.Builder
	pendingStart := 0
	for sc.Scan() {
		lineNo++
		text := sc.Text()
		if pending.Len() == 0 {
			pendingStart = lineNo
		}
		if strings.HasSuffix(text, `\`) {
			pending.WriteString(strings.TrimSuffix(text, `\`))
			pending.WriteString(" ")
			continue
		}
		pending.WriteString(text)
		logical := pending.String()
		pending.Reset()

		line := stripComment(logical)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "-") {
			out.Options = append(out.Options, line)
			continue
		}
		req, err := parseLine(line)
		if err != nil {
			return Manifest{}, &SyntaxError{Line: pendingStart, Text: strings.TrimSpace(logical), Reason: err.Error()}
		}
		req.Line = pendingStart
		key := req.NormalizedName() + "\x00" + req.Marker
		if i, ok := seen[key]; ok {
			if err := out.Requirements[i].merge(req); err != nil {
				return Manifest{}, err
			}
			continue
		}
		seen[key] = len(out.Requirements)
		out.Requirements = append(out.Requirements, req)
	}
	if err := sc.Err(); err != nil {
		return Manifest{}, fmt.Errorf("scan manifest: %w", err)
	}
	if pending.Len() > 0 {
		return Manifest{}, &SyntaxError{Line: pendingStart, Text: pending.String(), Reason: "dangling line continuation"}
	}
	return out, nil
}

// ParseString is a convenience wrapper used by tests and the CLI.
func ParseString(s string) (Manifest, error) {
	return Parse(strings.NewReader(s))
}

// Digest identifies the manifest content; it is the cache key input of the
// dependency installation layer.
func (m Manifest) Digest() digest.Digest {
	return digest.FromBytes(m.Raw)
}

// Names returns the normalized package names in declaration order.
func (m Manifest) Names() []string {
	out := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		out = append(out, r.NormalizedName())
	}
	return out
}

// Unpinned lists requirements that do not resolve to a single version.
func (m Manifest) Unpinned() []Requirement {
	var out []Requirement
	for _, r := range m.Requirements {
		if !r.Pinned() {
			out = append(out, r)
		}
	}
	return out
}

func parseLine(line string) (Requirement, error) {
	var req Requirement
	line, opts := splitOptions(line)
	for _, opt := range opts {
		if h, ok := strings.CutPrefix(opt, "--hash="); ok {
			if !hashRE.MatchString(h) {
				return req, fmt.Errorf("invalid hash %q", h)
			}
			req.Hashes = append(req.Hashes, h)
			continue
		}
		req.Options = append(req.Options, opt)
	}

	end := strings.IndexAny(line, "[=<>!~@; \t,")
	name := line
	rest := ""
	if end >= 0 {
		name = line[:end]
		rest = strings.TrimSpace(line[end:])
	}
	if !nameRE.MatchString(name) {
		return req, fmt.Errorf("invalid package name")
	}
	req.Name = name

	if m := extrasRE.FindStringSubmatch(rest); m != nil {
		for _, extra := range strings.Split(m[1], ",") {
			extra = strings.TrimSpace(extra)
			if extra == "" {
				continue
			}
			if !nameRE.MatchString(extra) {
				return req, fmt.Errorf("invalid extra %q", extra)
			}
			req.Extras = append(req.Extras, extra)
		}
		rest = strings.TrimSpace(rest[len(m[0]):])
	} else if strings.HasPrefix(rest, "[") {
		return req, fmt.Errorf("unterminated extras")
	}

	if ref, ok := strings.CutPrefix(rest, "@"); ok {
		// A marker after a URL must be separated by whitespace.
		url, tail, _ := strings.Cut(strings.TrimSpace(ref), " ")
		if !strings.Contains(url, "://") {
			return req, fmt.Errorf("invalid direct reference %q", url)
		}
		req.URL = url
		rest = strings.TrimSpace(tail)
		if rest != "" && !strings.HasPrefix(rest, ";") {
			return req, fmt.Errorf("unexpected %q after direct reference", rest)
		}
	}
	if idx := strings.Index(rest, ";"); idx >= 0 {
		req.Marker = strings.TrimSpace(rest[idx+1:])
		rest = strings.TrimSpace(rest[:idx])
		if req.Marker == "" {
			return req, fmt.Errorf("empty environment marker")
		}
	}

	if rest == "" {
		return req, nil
	}
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		m := operatorRE.FindStringSubmatch(part)
		if m == nil {
			return req, fmt.Errorf("invalid version specifier %q", part)
		}
		req.Specifiers = append(req.Specifiers, Specifier{Operator: m[1], Version: m[2]})
	}
	return req, nil
}

// splitOptions separates trailing per-requirement options such as
// --hash=sha256:... from the requirement. "--hash sha256:..." is folded into
// the = form.
func splitOptions(line string) (string, []string) {
	fields := strings.Fields(line)
	i := slices.IndexFunc(fields, func(f string) bool { return strings.HasPrefix(f, "--") })
	if i < 0 {
		return line, nil
	}
	var opts []string
	for j := i; j < len(fields); j++ {
		f := fields[j]
		if f == "--hash" && j+1 < len(fields) {
			f = "--hash=" + fields[j+1]
			j++
		}
		opts = append(opts, f)
	}
	return strings.Join(fields[:i], " "), opts
}

func stripComment(line string) string {
	if idx := strings.Index(line, "#"); idx >= 0 {
		// pip only treats '#' as a comment at line start or after whitespace.
		if idx == 0 || line[idx-1] == ' ' || line[idx-1] == '\t' {
			line = line[:idx]
		}
	}
	return strings.TrimSpace(line)
}

func normalizeName(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	prevSep := false
	for _, r := range name {
		if r == '-' || r == '_' || r == '.' {
			if !prevSep {
				b.WriteRune('-')
			}
			prevSep = true
			continue
		}
		prevSep = false
		b.WriteRune(r)
	}
	return b.String()
}
