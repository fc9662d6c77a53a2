package pipeline

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/match"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/example/sbctl/internal/recipe"
)

var epoch = time.Unix(0, 0).UTC()

// LabelRecipe carries the recipe name on the image config.
const LabelRecipe = "io.sbctl.recipe"

func uncompressedLayer(raw []byte) v1.Layer {
	return static.NewLayer(raw, types.OCIUncompressedLayer)
}

// assemble stacks the layers on the base image and writes the runtime config.
// Every timestamp is the Unix epoch so equal inputs give equal digests.
func assemble(plan *Plan, layers []v1.Layer) (v1.Image, error) {
	if len(layers) != len(plan.Steps) {
		return nil, fmt.Errorf("assemble: %d layers for %d steps", len(layers), len(plan.Steps))
	}
	adds := make([]mutate.Addendum, 0, len(layers))
	for i, l := range layers {
		adds = append(adds, mutate.Addendum{
			Layer:     l,
			MediaType: types.OCIUncompressedLayer,
			History: v1.History{
				Created:   v1.Time{Time: epoch},
				CreatedBy: createdBy(plan.Steps[i].Step),
				Comment:   plan.Steps[i].Step.Name,
			},
		})
	}
	img, err := mutate.Append(plan.Base, adds...)
	if err != nil {
		return nil, fmt.Errorf("append layers: %w", err)
	}

	cf, err := plan.Base.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read base config: %w", err)
	}
	r := plan.Recipe
	cfg := cf.Config
	cfg.Env = append([]string(nil), cfg.Env...)
	for _, kv := range plan.Env {
		name, value, _ := strings.Cut(kv, "=")
		cfg.Env = setEnv(cfg.Env, name, value)
	}
	cfg.WorkingDir = r.WorkDir
	cfg.ExposedPorts = map[string]struct{}{r.PortSpec(): {}}
	cfg.Entrypoint = nil
	cfg.Cmd = r.LaunchCommand()
	labels := map[string]string{}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	labels[LabelRecipe] = r.Name
	labels[specs.AnnotationTitle] = r.Name
	labels[specs.AnnotationBaseImageName] = r.Base.Reference()
	labels[specs.AnnotationBaseImageDigest] = plan.BaseDigest.String()
	cfg.Labels = labels

	img, err = mutate.Config(img, cfg)
	if err != nil {
		return nil, fmt.Errorf("set config: %w", err)
	}
	img, err = mutate.CreatedAt(img, v1.Time{Time: epoch})
	if err != nil {
		return nil, fmt.Errorf("set created: %w", err)
	}
	img = mutate.MediaType(img, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)
	return img, nil
}

func createdBy(step recipe.Step) string {
	switch step.Kind {
	case recipe.KindRun:
		return "RUN " + step.Shell()
	case recipe.KindCopy:
		return fmt.Sprintf("COPY %s %s", step.Src, step.Dest)
	}
	return string(step.Kind)
}

// writeLayout stores img in the OCI layout at dir, replacing any image
// already tagged with tag.
func writeLayout(dir, tag string, img v1.Image) error {
	p, err := layout.FromPath(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("open OCI layout %s: %w", dir, err)
		}
		if p, err = layout.Write(dir, empty.Index); err != nil {
			return fmt.Errorf("create OCI layout %s: %w", dir, err)
		}
	}
	if tag == "" {
		return p.AppendImage(img)
	}
	annotations := map[string]string{specs.AnnotationRefName: tag}
	if err := p.ReplaceImage(img, match.Annotation(specs.AnnotationRefName, tag), layout.WithAnnotations(annotations)); err != nil {
		return fmt.Errorf("write image to %s: %w", dir, err)
	}
	return nil
}

// TagLayout records img under an additional tag in the layout at dir.
func TagLayout(dir, tag string, img v1.Image) error {
	if tag == "" {
		return errors.New("tag is required")
	}
	return writeLayout(dir, tag, img)
}

// normalizeLayer rewrites the executor's tarball with epoch timestamps and
// without user and group names so rebuilds of the same files are identical.
func normalizeLayer(l v1.Layer) (v1.Layer, error) {
	rc, err := l.Uncompressed()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	tr := tar.NewReader(rc)
	tw := tar.NewWriter(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		hdr.ModTime = epoch
		hdr.AccessTime = time.Time{}
		hdr.ChangeTime = time.Time{}
		hdr.Uname = ""
		hdr.Gname = ""
		hdr.Format = tar.FormatPAX
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return uncompressedLayer(buf.Bytes()), nil
}

// tailWriter keeps the last lines written to it.
type tailWriter struct {
	limit   int
	lines   []string
	partial strings.Builder
}

func newTailWriter(limit int) *tailWriter {
	if limit <= 0 {
		limit = 20
	}
	return &tailWriter{limit: limit}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			t.push(t.partial.String())
			t.partial.Reset()
			continue
		}
		t.partial.WriteByte(b)
	}
	return len(p), nil
}

func (t *tailWriter) push(line string) {
	t.lines = append(t.lines, strings.TrimRight(line, "\r"))
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

// Lines returns the kept lines, including an unterminated last line.
func (t *tailWriter) Lines() []string {
	out := append([]string(nil), t.lines...)
	if t.partial.Len() > 0 {
		out = append(out, t.partial.String())
		if len(out) > t.limit {
			out = out[len(out)-t.limit:]
		}
	}
	return out
}
