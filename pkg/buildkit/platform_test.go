package buildkit

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/moby/buildkit/client"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestDefaultPlatform(t *testing.T) {
	if got := defaultPlatform("windows", "arm64"); got != "windows/arm64" {
		t.Fatalf("expected windows/arm64, got %s", got)
	}
	if got, want := defaultPlatform("", ""), "linux/"+runtime.GOARCH; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := defaultPlatform("Linux", "x86_64"); got != "linux/amd64" {
		t.Fatalf("expected normalized linux/amd64, got %s", got)
	}
}

func TestNormalizePlatformsCanonicalizesAndDedupes(t *testing.T) {
	got := NormalizePlatforms([]string{"linux/amd64", " linux/x86_64", "", "linux/arm64", "not a platform"})
	want := []string{"linux/amd64", "linux/arm64", "not a platform"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestCollectWorkerPlatformsDropsVariantsAndDuplicates(t *testing.T) {
	workers := []*client.WorkerInfo{
		{Platforms: []ocispecs.Platform{{OS: "linux", Architecture: "amd64"}, {OS: "linux", Architecture: "arm", Variant: "v7"}}},
		nil,
		{Platforms: []ocispecs.Platform{{OS: "linux", Architecture: "amd64", Variant: "v2"}, {OS: "", Architecture: "riscv64"}}},
	}
	got := collectWorkerPlatforms(workers)
	if strings.Join(got, ",") != "linux/amd64,linux/arm" {
		t.Fatalf("unexpected platforms: %v", got)
	}
}

func TestSelectDefaultBuilderPlatformPrefersHost(t *testing.T) {
	supported := []string{"linux/arm64", "linux/amd64"}
	if got := selectDefaultBuilderPlatform(supported, "linux", "amd64"); got != "linux/amd64" {
		t.Fatalf("expected host platform, got %s", got)
	}
	if got := selectDefaultBuilderPlatform(supported, "linux", "s390x"); got != "linux/arm64" {
		t.Fatalf("expected first builder platform, got %s", got)
	}
	if got := selectDefaultBuilderPlatform(nil, "linux", "amd64"); got != "" {
		t.Fatalf("expected no platform, got %s", got)
	}
}

func TestDetectBuilderPlatforms(t *testing.T) {
	workers := []*client.WorkerInfo{{Platforms: []ocispecs.Platform{{OS: "linux", Architecture: "amd64"}}}}
	got, err := detectBuilderPlatforms(context.Background(), &fakeWorkerLister{workers: workers})
	if err != nil {
		t.Fatalf("detectBuilderPlatforms returned error: %v", err)
	}
	if len(got) != 1 || got[0] != "linux/amd64" {
		t.Fatalf("unexpected platforms: %v", got)
	}
	if _, err := detectBuilderPlatforms(context.Background(), &fakeWorkerLister{err: errors.New("unavailable")}); err == nil {
		t.Fatalf("expected worker listing error")
	}
}

type fakeWorkerLister struct {
	workers []*client.WorkerInfo
	err     error
}

func (f *fakeWorkerLister) ListWorkers(context.Context, ...client.ListWorkersOption) ([]*client.WorkerInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.workers, nil
}
