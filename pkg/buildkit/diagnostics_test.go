package buildkit

import (
	"testing"
	"time"

	"github.com/moby/buildkit/client"

	"github.com/example/sbctl/internal/recipe"
)

type stubDiagnosticObserver struct {
	diags []BuildDiagnostic
}

func (s *stubDiagnosticObserver) HandleDiagnostic(diag BuildDiagnostic) {
	s.diags = append(s.diags, diag)
}

func TestWatchDiagnosticsEmitsCacheEventsWithStages(t *testing.T) {
	ch := make(chan *client.SolveStatus)
	observer := &stubDiagnosticObserver{}
	done := make(chan struct{})
	stages := NewStageClassifier(recipe.Default().Steps())

	go func() {
		watchDiagnostics(ch, stages, []BuildDiagnosticObserver{observer})
		close(done)
	}()

	now := time.Now()
	ch <- &client.SolveStatus{
		Vertexes: []*client.Vertex{
			{Digest: "sha256:aaaa", Name: "[5/7] RUN pip install --no-cache-dir -r requirements.txt", Cached: true},
			{Digest: "sha256:bbbb", Name: "[6/7] COPY . .", Completed: &now},
			{Digest: "sha256:cccc", Name: "[internal] load build context", Completed: &now},
		},
	}
	// Repeated status updates for a vertex are reported once.
	ch <- &client.SolveStatus{
		Vertexes: []*client.Vertex{
			{Digest: "sha256:aaaa", Name: "[5/7] RUN pip install --no-cache-dir -r requirements.txt", Cached: true},
		},
	}
	close(ch)
	<-done

	if len(observer.diags) != 3 {
		t.Fatalf("expected 3 diagnostics, got %d", len(observer.diags))
	}
	if d := observer.diags[0]; d.Type != DiagnosticCacheHit || d.Step != recipe.StepInstall || d.Stage != recipe.StageDependencies {
		t.Fatalf("unexpected install diagnostic: %#v", d)
	}
	if d := observer.diags[1]; d.Type != DiagnosticCacheMiss || d.Step != recipe.StepSource || d.Stage != recipe.StageSource {
		t.Fatalf("unexpected source diagnostic: %#v", d)
	}
	if d := observer.diags[2]; d.Step != "" {
		t.Fatalf("internal vertex should not map to a step: %#v", d)
	}
}
