package containerrun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// ImageLoader makes an image available to the local container daemon under tag.
type ImageLoader interface {
	Load(ctx context.Context, img v1.Image, tag name.Tag) error
}

// DockerLoader pipes a docker-archive tarball into `docker load`.
type DockerLoader struct {
	// Binary defaults to "docker".
	Binary string
}

func (d DockerLoader) Load(ctx context.Context, img v1.Image, tag name.Tag) error {
	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarball.Write(tag, img, pw))
	}()
	cmd := exec.CommandContext(ctx, bin, "load")
	cmd.Stdin = pr
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	_ = pr.Close()
	if err != nil {
		return fmt.Errorf("%s load %s: %w: %s", bin, tag, err, strings.TrimSpace(out.String()))
	}
	return nil
}
