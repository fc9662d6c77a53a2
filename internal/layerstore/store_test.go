package layerstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	digest "github.com/opencontainers/go-digest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("Close returned error: %v", err)
		}
	})
	return s
}

func TestPutLookupLayer(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	key := digest.FromString("install-dependencies")

	if _, err := s.Lookup(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	layer := static.NewLayer([]byte("layer bytes"), types.OCIUncompressedLayer)
	rec, err := s.Put(ctx, key, "install-dependencies", "dependencies", layer)
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if rec.Digest != digest.FromString("layer bytes") || rec.Size != int64(len("layer bytes")) {
		t.Fatalf("unexpected record %#v", rec)
	}

	got, err := s.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if got.Digest != rec.Digest || got.Stage != "dependencies" || got.MediaType != types.OCIUncompressedLayer {
		t.Fatalf("unexpected lookup %#v", got)
	}
	cached, err := s.Layer(got)
	if err != nil {
		t.Fatalf("Layer returned error: %v", err)
	}
	d, err := cached.Digest()
	if err != nil || d.String() != rec.Digest.String() {
		t.Fatalf("cached layer digest %v (%v)", d, err)
	}
}

func TestLookupMissesWhenBlobRemoved(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	key := digest.FromString("k")
	rec, err := s.Put(ctx, key, "copy-source", "source", static.NewLayer([]byte("x"), types.OCIUncompressedLayer))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(s.blobPath(rec.Digest)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lookup(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after blob removal, got %v", err)
	}
}

func TestPruneDropsStaleRecordsAndBlobs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now.Add(-48 * time.Hour) }
	if _, err := s.Put(ctx, digest.FromString("old"), "copy-source", "source", static.NewLayer([]byte("old"), types.OCIUncompressedLayer)); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return now }
	if _, err := s.Put(ctx, digest.FromString("new"), "copy-source", "source", static.NewLayer([]byte("new"), types.OCIUncompressedLayer)); err != nil {
		t.Fatal(err)
	}
	res, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune returned error: %v", err)
	}
	if res.Records != 1 || res.Blobs != 1 || res.Bytes != 3 {
		t.Fatalf("unexpected prune result %#v", res)
	}
	recs, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Key != digest.FromString("new") {
		t.Fatalf("unexpected remaining records %#v", recs)
	}
}

func TestTouchKeepsLayerAlive(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now.Add(-48 * time.Hour) }
	key := digest.FromString("k")
	if _, err := s.Put(ctx, key, "copy-manifest", "dependencies", static.NewLayer([]byte("m"), types.OCIUncompressedLayer)); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return now }
	if err := s.Touch(ctx, key); err != nil {
		t.Fatal(err)
	}
	res, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res.Records != 0 {
		t.Fatalf("touched layer was pruned: %#v", res)
	}
}

func TestBuildHistory(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	start := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	first := Build{
		Recipe: "studio-brain", Backend: "layered", StartedAt: start, FinishedAt: start.Add(time.Minute),
		Outcome: BuildSucceeded, ImageDigest: "sha256:abc",
		Steps: []BuildStep{
			{Step: "copy-manifest", Stage: "dependencies", Key: "sha256:k1", Outcome: OutcomeBuilt, Inputs: map[string]string{"manifest": "sha256:m1"}, Duration: 1500 * time.Millisecond},
			{Step: "install-dependencies", Stage: "dependencies", Key: "sha256:k2", Outcome: OutcomeBuilt},
		},
	}
	if _, err := s.RecordBuild(ctx, first); err != nil {
		t.Fatalf("RecordBuild returned error: %v", err)
	}
	failed := first
	failed.Outcome = BuildFailed
	failed.Error = "install failed"
	if _, err := s.RecordBuild(ctx, failed); err != nil {
		t.Fatal(err)
	}

	hist, err := s.History(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Outcome != BuildFailed || hist[1].Outcome != BuildSucceeded {
		t.Fatalf("unexpected history %#v", hist)
	}
	last, ok, err := s.LastSuccessful(ctx, "studio-brain", "layered")
	if err != nil || !ok {
		t.Fatalf("LastSuccessful: ok=%v err=%v", ok, err)
	}
	if len(last.Steps) != 2 || last.Steps[0].Inputs["manifest"] != "sha256:m1" || last.Steps[0].Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected steps %#v", last.Steps)
	}
	if _, ok, _ := s.LastSuccessful(ctx, "other", "layered"); ok {
		t.Fatalf("unexpected build for unknown recipe")
	}
	if _, ok, _ := s.LastSuccessful(ctx, "studio-brain", "dockerfile"); ok {
		t.Fatalf("unexpected build for another backend")
	}
}
