package registry

import (
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/match"
	"github.com/google/go-containerregistry/pkg/v1/partial"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

// FindInLayout returns the descriptor annotated with ref in the OCI layout at
// dir. An empty ref selects the most recently added manifest.
func FindInLayout(dir, ref string) (v1.ImageIndex, v1.Descriptor, error) {
	idx, err := layout.ImageIndexFromPath(dir)
	if err != nil {
		return nil, v1.Descriptor{}, fmt.Errorf("open OCI layout %s: %w", dir, err)
	}
	var matcher match.Matcher = func(v1.Descriptor) bool { return true }
	if ref != "" {
		matcher = match.Annotation(ocispecs.AnnotationRefName, ref)
	}
	descs, err := partial.FindManifests(idx, matcher)
	if err != nil {
		return nil, v1.Descriptor{}, err
	}
	if len(descs) == 0 {
		if ref == "" {
			return nil, v1.Descriptor{}, fmt.Errorf("no image in OCI layout %s", dir)
		}
		return nil, v1.Descriptor{}, fmt.Errorf("no image tagged %s in OCI layout %s", ref, dir)
	}
	return idx, descs[len(descs)-1], nil
}

// ImageFromLayout is FindInLayout resolved to the image.
func ImageFromLayout(dir, ref string) (v1.Image, error) {
	idx, desc, err := FindInLayout(dir, ref)
	if err != nil {
		return nil, err
	}
	return idx.Image(desc.Digest)
}
