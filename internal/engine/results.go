package engine

import (
	"time"

	"github.com/wikiops/rangerecon/pkg/config"
)

// Status classifies one scope's outcome.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// ScopeResult is the structured outcome of one scope's pipeline run.
type ScopeResult struct {
	Scope      config.Scope
	Status     Status
	Candidates int
	Published  bool
	Duration   time.Duration
	Err        error
}

// BatchResult aggregates every scope of one invocation.
type BatchResult struct {
	Results []ScopeResult
}

// Failed returns the IDs of scopes that did not succeed.
func (b *BatchResult) Failed() []string {
	var out []string
	for _, r := range b.Results {
		if r.Status != StatusSuccess {
			out = append(out, r.Scope.ID())
		}
	}
	return out
}

// AllSucceeded reports whether the batch completed cleanly.
func (b *BatchResult) AllSucceeded() bool {
	return len(b.Failed()) == 0
}
