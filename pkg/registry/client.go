package registry

import "context"

// Client records built layouts and publishes them.
type Client interface {
	RecordBuild(tags []string, layoutPath, digest string) error
	PushReference(ctx context.Context, reference string, opts PushOptions) (string, error)
}

// NewClient returns a Client backed by the default registry helpers.
func NewClient() Client {
	return defaultClient{}
}

var defaultRegistryClient = NewClient()

type defaultClient struct{}

func (defaultClient) RecordBuild(tags []string, layoutPath, digest string) error {
	return recordBuild(tags, layoutPath, digest)
}

func (defaultClient) PushReference(ctx context.Context, reference string, opts PushOptions) (string, error) {
	return pushReference(ctx, reference, opts)
}
