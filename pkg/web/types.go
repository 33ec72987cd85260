package web

import (
	"github.com/dukex/graphproperty/pkg/runner"
)

// AnalyzerResponse describes one registered analyzer and its runner.
type AnalyzerResponse struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	RequiresLocalFile bool          `json:"requires_local_file"`
	Runner            *runner.Stats `json:"runner,omitempty"`
}

// AnalyzersResponse is the body of GET /analyzers.
type AnalyzersResponse struct {
	Analyzers  []AnalyzerResponse `json:"analyzers"`
	TotalCount int                `json:"total_count"`
}
