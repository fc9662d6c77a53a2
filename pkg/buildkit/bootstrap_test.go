package buildkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsDialError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "missing unix socket", err: errors.New("transport: Error while dialing: dial unix /run/user/1000/buildkit/buildkitd.sock: connect: no such file or directory"), want: true},
		{name: "wrapped refused", err: fmt.Errorf("list workers: %w", &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}), want: true},
		{name: "grpc unavailable", err: status.Error(codes.Unavailable, "connection error: desc = \"transport: connection refused\""), want: true},
		{name: "builder answered", err: status.Error(codes.Internal, "failed to solve"), want: false},
		{name: "generic", err: errors.New("some other failure"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDialError(tc.err); got != tc.want {
				t.Fatalf("isDialError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func newTestProvisioner(run func(ctx context.Context, args ...string) error) *buildxProvisioner {
	return &buildxProvisioner{
		name:     "sbctl-test",
		lookPath: func(string) (string, error) { return "/usr/bin/docker", nil },
		run: func(ctx context.Context, _ io.Writer, args ...string) error {
			return run(ctx, args...)
		},
	}
}

func TestProvisionerCreatesMissingBuilderOnce(t *testing.T) {
	var calls []string
	p := newTestProvisioner(func(_ context.Context, args ...string) error {
		calls = append(calls, strings.Join(args, " "))
		if len(args) == 2 && args[0] == "inspect" {
			return errors.New("no builder")
		}
		return nil
	})

	var log bytes.Buffer
	addr, err := p.ensure(context.Background(), &log)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if addr != "docker-container://buildx_buildkit_sbctl-test0" {
		t.Fatalf("unexpected address %q", addr)
	}
	again, err := p.ensure(context.Background(), &log)
	if err != nil || again != addr {
		t.Fatalf("second ensure = %q, %v", again, err)
	}
	want := []string{"inspect sbctl-test", "create --name sbctl-test --driver docker-container", "inspect --bootstrap sbctl-test"}
	if strings.Join(calls, "|") != strings.Join(want, "|") {
		t.Fatalf("buildx calls = %v, want %v", calls, want)
	}
	if strings.Count(log.String(), "provisioning Docker Buildx builder") != 1 {
		t.Fatalf("unexpected log output:\n%s", log.String())
	}
}

func TestProvisionerRetriesAfterCancellation(t *testing.T) {
	attempts := 0
	p := newTestProvisioner(func(ctx context.Context, args ...string) error {
		attempts++
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.ensure(ctx, nil); err == nil {
		t.Fatalf("expected cancelled provisioning to fail")
	}
	if _, err := p.ensure(context.Background(), nil); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts < 3 {
		t.Fatalf("expected a fresh attempt after cancellation, got %d calls", attempts)
	}
}

func TestProvisionerRemembersMissingDocker(t *testing.T) {
	lookups := 0
	p := &buildxProvisioner{
		name: "sbctl-test",
		lookPath: func(string) (string, error) {
			lookups++
			return "", errors.New("not found")
		},
		run: func(context.Context, io.Writer, ...string) error { return nil },
	}
	for i := 0; i < 2; i++ {
		if _, err := p.ensure(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "docker CLI not found") {
			t.Fatalf("expected docker lookup failure, got %v", err)
		}
	}
	if lookups != 1 {
		t.Fatalf("expected the failure to be remembered, got %d lookups", lookups)
	}
}
