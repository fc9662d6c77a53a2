package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/cache"
)

// BaseResolver turns a base image reference into an image.
type BaseResolver interface {
	Resolve(ctx context.Context, ref string) (v1.Image, error)
}

// RegistryBases pulls base images from their registry. Layers are kept in
// CacheDir when set so repeated builds do not download them again.
type RegistryBases struct {
	Keychain authn.Keychain
	Platform *v1.Platform
	CacheDir string

	mu       sync.Mutex
	resolved map[string]v1.Image
}

func (b *RegistryBases) Resolve(ctx context.Context, ref string) (v1.Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if img, ok := b.resolved[ref]; ok {
		return img, nil
	}
	keychain := b.Keychain
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	opts := []crane.Option{crane.WithContext(ctx), crane.WithAuthFromKeychain(keychain)}
	if b.Platform != nil {
		opts = append(opts, crane.WithPlatform(b.Platform))
	}
	img, err := crane.Pull(ref, opts...)
	if err != nil {
		return nil, fmt.Errorf("pull base %s: %w", ref, err)
	}
	if b.CacheDir != "" {
		img = cache.Image(img, cache.NewFilesystemCache(b.CacheDir))
	}
	if b.resolved == nil {
		b.resolved = map[string]v1.Image{}
	}
	b.resolved[ref] = img
	return img, nil
}

// StaticBases serves images from memory, keyed by reference.
type StaticBases map[string]v1.Image

func (s StaticBases) Resolve(_ context.Context, ref string) (v1.Image, error) {
	img, ok := s[ref]
	if !ok {
		return nil, fmt.Errorf("base image %s not available", ref)
	}
	return img, nil
}
