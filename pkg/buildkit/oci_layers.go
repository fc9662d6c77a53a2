package buildkit

import (
	"fmt"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/example/sbctl/pkg/registry"
)

// LayerInfo describes one layer of an image in an OCI layout.
type LayerInfo struct {
	Digest    string
	Size      int64
	MediaType string
	// CreatedBy is the history entry of the instruction that made the layer.
	CreatedBy string
}

// ImageSummary is the layer list of one image in an OCI layout.
type ImageSummary struct {
	Digest string
	Ref    string
	Layers []LayerInfo
}

// Size sums the layer sizes.
func (s ImageSummary) Size() int64 {
	var n int64
	for _, l := range s.Layers {
		n += l.Size
	}
	return n
}

// SummarizeLayout lists the layers of the image tagged ref in the OCI layout
// at dir. An empty ref selects the most recently added image.
func SummarizeLayout(dir, ref string) (ImageSummary, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ImageSummary{}, fmt.Errorf("oci layout dir is empty")
	}
	idx, desc, err := registry.FindInLayout(dir, ref)
	if err != nil {
		return ImageSummary{}, err
	}
	img, err := idx.Image(desc.Digest)
	if err != nil {
		return ImageSummary{}, err
	}
	return summarizeImage(img, desc)
}

func summarizeImage(img v1.Image, desc v1.Descriptor) (ImageSummary, error) {
	m, err := img.Manifest()
	if err != nil {
		return ImageSummary{}, err
	}
	cf, err := img.ConfigFile()
	if err != nil {
		return ImageSummary{}, err
	}
	var createdBy []string
	for _, h := range cf.History {
		if !h.EmptyLayer {
			createdBy = append(createdBy, h.CreatedBy)
		}
	}
	out := ImageSummary{Digest: desc.Digest.String(), Ref: desc.Annotations[ocispecs.AnnotationRefName]}
	for i, l := range m.Layers {
		info := LayerInfo{Digest: l.Digest.String(), Size: l.Size, MediaType: string(l.MediaType)}
		if i < len(createdBy) {
			info.CreatedBy = createdBy[i]
		}
		out.Layers = append(out.Layers, info)
	}
	return out, nil
}
