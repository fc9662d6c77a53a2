package registry

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// PushOptions tunes PushReference.
type PushOptions struct {
	// Destination overrides where the image goes; by default it is pushed to
	// the reference it was built as.
	Destination string
	Keychain    authn.Keychain
	Output      io.Writer
}

// PushReference uploads the image recorded for reference and returns the
// pushed reference pinned by digest.
func PushReference(ctx context.Context, reference string, opts PushOptions) (string, error) {
	return defaultRegistryClient.PushReference(ctx, reference, opts)
}

func pushReference(ctx context.Context, reference string, opts PushOptions) (string, error) {
	rec, err := ResolveLayout(reference)
	if err != nil {
		return "", err
	}
	dest := opts.Destination
	if dest == "" {
		dest = reference
	}
	ref, err := name.ParseReference(dest)
	if err != nil {
		return "", err
	}
	img, err := ImageFromLayout(rec.LayoutPath, reference)
	if err != nil {
		return "", err
	}
	keychain := opts.Keychain
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	if opts.Output != nil {
		fmt.Fprintf(opts.Output, "Pushing %s from %s\n", dest, rec.LayoutPath)
	}
	if err := remote.Write(ref, img, remote.WithContext(ctx), remote.WithAuthFromKeychain(keychain)); err != nil {
		return "", fmt.Errorf("push %s: %w", dest, err)
	}
	d, err := img.Digest()
	if err != nil {
		return "", err
	}
	return ref.Context().Digest(d.String()).String(), nil
}
