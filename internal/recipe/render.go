package recipe

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"
)

const dockerfileTemplate = `# Generated by sbctl from recipe "{{ .Name }}". Edit the recipe, not this file.
{{- range .Steps }}
{{ template "step" . }}
{{- end }}
{{ define "step" -}}
{{- if eq .Kind "FROM" }}
FROM {{ .Src }}
{{- else if eq .Kind "ENV" }}
ENV {{ envBlock .Env }}
{{- else if and (eq .Kind "RUN") (eq .Name "system-toolchain") }}
# Compiler toolchain for native extensions; the package index is not kept.
RUN {{ shellBlock .Shell }}
{{- else if eq .Kind "RUN" }}
RUN {{ .Shell }}
{{- else if eq .Kind "WORKDIR" }}
WORKDIR {{ .Dest }}
{{- else if and (eq .Kind "COPY") (eq .Name "copy-manifest") }}
# Dependencies first: a source-only edit reuses the install layer.
COPY {{ .Src }} {{ .Dest }}
{{- else if eq .Kind "COPY" }}
COPY {{ .Src }} {{ .Dest }}
{{- else if eq .Kind "EXPOSE" }}
EXPOSE {{ join .Args " " }}
{{- else if eq .Kind "CMD" }}
CMD {{ execForm .Args }}
{{- end }}
{{- end }}`

var dockerfileTmpl = template.Must(template.New("dockerfile").Funcs(template.FuncMap{
	"envBlock":   envBlock,
	"shellBlock": shellBlock,
	"execForm":   execForm,
	"join":       strings.Join,
}).Parse(dockerfileTemplate))

// RenderDockerfile writes the Dockerfile equivalent of Steps.
func (r Recipe) RenderDockerfile(w io.Writer) error {
	data := struct {
		Name  string
		Steps []Step
	}{Name: r.Name, Steps: r.Steps()}
	var b strings.Builder
	if err := dockerfileTmpl.Execute(&b, data); err != nil {
		return fmt.Errorf("render dockerfile: %w", err)
	}
	out := strings.TrimSpace(b.String()) + "\n"
	_, err := io.WriteString(w, out)
	return err
}

// Dockerfile returns the rendered Dockerfile.
func (r Recipe) Dockerfile() (string, error) {
	var b strings.Builder
	if err := r.RenderDockerfile(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// RenderDockerignore writes the ignore patterns, one per line.
func (r Recipe) RenderDockerignore(w io.Writer) error {
	var b strings.Builder
	b.WriteString("# Generated by sbctl.\n")
	for _, p := range r.Ignore {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b.WriteString(p)
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func envBlock(env []EnvVar) string {
	parts := make([]string, 0, len(env))
	for _, e := range env {
		parts = append(parts, e.Name+"="+quoteEnv(e.Value))
	}
	return strings.Join(parts, " \\\n    ")
}

func quoteEnv(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\"'\\$") {
		return v
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func shellBlock(cmd string) string {
	return strings.ReplaceAll(cmd, " && ", " \\\n    && ")
}

func execForm(args []string) string {
	b, _ := json.Marshal(args)
	return strings.ReplaceAll(string(b), `","`, `", "`)
}
