package buildkit

import (
	"github.com/moby/buildkit/client"
	digest "github.com/opencontainers/go-digest"
)

type diagnosticKey struct {
	vertex digest.Digest
	kind   BuildDiagnosticType
}

// watchDiagnostics turns vertex status updates into cache diagnostics until
// statuses is closed. A vertex reports each verdict at most once.
func watchDiagnostics(statuses <-chan *client.SolveStatus, stages *StageClassifier, observers []BuildDiagnosticObserver) {
	seen := map[diagnosticKey]bool{}
	for status := range statuses {
		if status == nil {
			continue
		}
		for _, v := range status.Vertexes {
			diag, ok := vertexDiagnostic(v, stages)
			if !ok {
				continue
			}
			key := diagnosticKey{vertex: diag.Vertex, kind: diag.Type}
			if seen[key] {
				continue
			}
			seen[key] = true
			for _, o := range observers {
				if o != nil {
					o.HandleDiagnostic(diag)
				}
			}
		}
	}
}

// vertexDiagnostic classifies a finished vertex. Running and failed vertices
// yield no diagnostic.
func vertexDiagnostic(v *client.Vertex, stages *StageClassifier) (BuildDiagnostic, bool) {
	if v == nil {
		return BuildDiagnostic{}, false
	}
	diag := BuildDiagnostic{Vertex: v.Digest, Name: v.Name}
	switch {
	case v.Cached:
		diag.Type = DiagnosticCacheHit
		diag.Reason = "cache hit"
	case v.Completed != nil && v.Error == "":
		diag.Type = DiagnosticCacheMiss
		diag.Reason = "cache miss (no reusable layer found)"
	default:
		return BuildDiagnostic{}, false
	}
	if step, ok := stages.Classify(v.Name); ok {
		diag.Step = step.Name
		diag.Stage = step.Stage
	}
	return diag, true
}
