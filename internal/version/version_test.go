package version

import (
	"strings"
	"testing"
)

func TestGetPrefersLinkerValues(t *testing.T) {
	oldVersion, oldCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })
	Version, GitCommit = "v0.3.0", "0123456789abcdef0123"

	info := Get()
	if info.Version != "v0.3.0" || info.GitCommit != "0123456789abcdef0123" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if s := info.String(); !strings.Contains(s, "sbctl v0.3.0 (0123456789ab") {
		t.Fatalf("unexpected string: %q", s)
	}
}
