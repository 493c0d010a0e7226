// Package detection implements the Detection Strategies and Detection
// Pipeline (spec §4.4, §4.5): three independent column→candidate
// evaluators (Heuristic, Regex, NER) chained with confidence-based
// short-circuit, merged by a winner-selection rule.
package detection

import (
	"context"
	"sort"

	"github.com/privsense/engine/pkg/models"
)

// Strategy evaluates one column's sample and returns zero or more
// candidates. Implementations are stateless and safe for concurrent use
// across columns.
type Strategy interface {
	Method() models.DetectionMethod
	Evaluate(ctx context.Context, column models.ColumnInfo, sample models.SampleData) ([]models.PiiCandidate, error)
}

// sortCandidatesByType gives strategies a deterministic emission order
// (§4.5's winner tie-break depends on "first emitted" among equal
// confidences), since map iteration over aggregated PII types is not.
func sortCandidatesByType(candidates []models.PiiCandidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].PiiType < candidates[j].PiiType })
}
