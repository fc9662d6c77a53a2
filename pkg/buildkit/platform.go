package buildkit

import (
	"context"
	"runtime"
	"strings"

	"github.com/containerd/platforms"
	"github.com/moby/buildkit/client"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

// NormalizePlatforms trims, canonicalizes and deduplicates platform
// specifiers, keeping the first occurrence of each. Values containerd cannot
// parse are passed through for BuildKit to reject.
func NormalizePlatforms(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if p, err := platforms.Parse(v); err == nil {
			v = platforms.Format(platforms.Normalize(p))
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// defaultPlatform formats goos/goarch, falling back to linux and the
// running architecture for missing parts.
func defaultPlatform(goos, goarch string) string {
	osPart := strings.TrimSpace(goos)
	if osPart == "" {
		osPart = "linux"
	}
	archPart := strings.TrimSpace(goarch)
	if archPart == "" {
		archPart = runtime.GOARCH
	}
	return formatOSArch(ocispecs.Platform{OS: osPart, Architecture: archPart})
}

func formatOSArch(p ocispecs.Platform) string {
	n := platforms.Normalize(ocispecs.Platform{OS: p.OS, Architecture: p.Architecture})
	return n.OS + "/" + n.Architecture
}

type workerLister interface {
	ListWorkers(ctx context.Context, opts ...client.ListWorkersOption) ([]*client.WorkerInfo, error)
}

func detectBuilderPlatforms(ctx context.Context, l workerLister) ([]string, error) {
	workers, err := l.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	return collectWorkerPlatforms(workers), nil
}

// collectWorkerPlatforms lists the os/arch pairs the workers support, in
// worker order, without variants.
func collectWorkerPlatforms(workers []*client.WorkerInfo) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, w := range workers {
		if w == nil {
			continue
		}
		for _, p := range w.Platforms {
			if strings.TrimSpace(p.OS) == "" || strings.TrimSpace(p.Architecture) == "" {
				continue
			}
			key := formatOSArch(p)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

// selectDefaultBuilderPlatform prefers the host platform among the builder's
// and otherwise takes the builder's first.
func selectDefaultBuilderPlatform(supported []string, goos, goarch string) string {
	if len(supported) == 0 {
		return ""
	}
	want := defaultPlatform(goos, goarch)
	for _, p := range supported {
		if p == want {
			return p
		}
	}
	return supported[0]
}
