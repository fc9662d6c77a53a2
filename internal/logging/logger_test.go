package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewToFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewTo(&buf, "warn")
	if err != nil {
		t.Fatalf("NewTo: %v", err)
	}
	log.Info("layer cached", "step", "install-dependencies")
	if buf.Len() != 0 {
		t.Fatalf("info should be dropped at warn, got %q", buf.String())
	}
	log.Error(nil, "install failed", "step", "install-dependencies")
	if !strings.Contains(buf.String(), "install failed") {
		t.Fatalf("expected error line, got %q", buf.String())
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	for _, lvl := range append([]string{"", "WARNING"}, Levels...) {
		if _, err := ParseLevel(lvl); err != nil {
			t.Fatalf("ParseLevel(%q): %v", lvl, err)
		}
	}
}
