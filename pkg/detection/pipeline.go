package detection

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/privsense/engine/pkg/logging"
	"github.com/privsense/engine/pkg/models"
)

// methodRank orders methods for the winner tie-break (§4.5): REGEX beats
// HEURISTIC beats NER.
var methodRank = map[models.DetectionMethod]int{
	models.MethodRegex:     0,
	models.MethodHeuristic: 1,
	models.MethodNER:       2,
}

// Pipeline runs Heuristic, Regex, and (if enabled) NER sequentially per
// column, short-circuiting on confidence thresholds, then selects a single
// winning candidate per column (§4.5).
type Pipeline struct {
	heuristic Strategy
	regex     Strategy
	ner       Strategy // nil when the NER strategy is disabled or unhealthy
	logger    *zap.Logger
}

func NewPipeline(heuristic, regex, nerStrategy Strategy, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{heuristic: heuristic, regex: regex, ner: nerStrategy, logger: logger.Named("pipeline")}
}

// Detect evaluates every column in columnDataMap, bounded to
// cfg.MaxConcurrentColumns concurrent columns.
func (p *Pipeline) Detect(ctx context.Context, columnDataMap map[string]models.SampleData, cfg models.DetectionConfig) []models.DetectionResult {
	cfg = withDetectionDefaults(cfg)

	results := make([]models.DetectionResult, 0, len(columnDataMap))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrentColumns)

	for _, sample := range columnDataMap {
		sample := sample
		g.Go(func() error {
			result := p.detectColumn(gctx, sample, cfg)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].Column, results[j].Column
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.Name < b.Name
	})
	return results
}

func withDetectionDefaults(cfg models.DetectionConfig) models.DetectionConfig {
	if cfg.HeuristicThreshold == 0 {
		cfg.HeuristicThreshold = 0.7
	}
	if cfg.RegexThreshold == 0 {
		cfg.RegexThreshold = 0.8
	}
	if cfg.NERThreshold == 0 {
		cfg.NERThreshold = 0.3
	}
	if cfg.ReportingThreshold == 0 {
		cfg.ReportingThreshold = 0.5
	}
	if cfg.MaxConcurrentColumns <= 0 {
		cfg.MaxConcurrentColumns = 5
	}
	if cfg.StopPipelineOnHighConfidence == nil {
		stop := true
		cfg.StopPipelineOnHighConfidence = &stop
	}
	return cfg
}

func (p *Pipeline) detectColumn(ctx context.Context, sample models.SampleData, cfg models.DetectionConfig) models.DetectionResult {
	column := sample.Column
	if sample.Status == models.SampleStatusFailed {
		return models.DetectionResult{Column: column, HasPii: false, WinningType: models.PiiUnknown}
	}

	var all []models.PiiCandidate

	heuristicCandidates, err := p.heuristic.Evaluate(ctx, column, sample)
	if err != nil {
		p.logger.Warn("heuristic strategy failed", zap.String("column", column.Key()), zap.String("error", logging.SanitizeError(err)))
	}
	all = append(all, heuristicCandidates...)
	if *cfg.StopPipelineOnHighConfidence && maxConfidence(heuristicCandidates) >= cfg.HeuristicThreshold {
		return finalize(column, all, cfg.ReportingThreshold)
	}

	regexCandidates, err := p.regex.Evaluate(ctx, column, sample)
	if err != nil {
		p.logger.Warn("regex strategy failed", zap.String("column", column.Key()), zap.String("error", logging.SanitizeError(err)))
	}
	all = append(all, regexCandidates...)
	if *cfg.StopPipelineOnHighConfidence && maxConfidence(regexCandidates) >= cfg.RegexThreshold {
		return finalize(column, all, cfg.ReportingThreshold)
	}

	if p.ner != nil {
		nerCandidates, err := p.ner.Evaluate(ctx, column, sample)
		if err != nil {
			p.logger.Debug("ner strategy unavailable", zap.String("column", column.Key()), zap.String("error", logging.SanitizeError(err)))
		} else {
			all = append(all, nerCandidates...)
		}
		if *cfg.StopPipelineOnHighConfidence && maxConfidence(nerCandidates) >= cfg.NERThreshold {
			return finalize(column, all, cfg.ReportingThreshold)
		}
	}

	return finalize(column, all, cfg.ReportingThreshold)
}

func maxConfidence(candidates []models.PiiCandidate) float64 {
	max := 0.0
	for _, c := range candidates {
		if c.Confidence > max {
			max = c.Confidence
		}
	}
	return max
}

// finalize picks the winning candidate: highest confidence; ties broken by
// method rank (REGEX > HEURISTIC > NER), then ascending PII type name, then
// first-emitted order (§4.5).
func finalize(column models.ColumnInfo, candidates []models.PiiCandidate, reportingThreshold float64) models.DetectionResult {
	result := models.DetectionResult{Column: column, Candidates: candidates, WinningType: models.PiiUnknown}
	if len(candidates) == 0 {
		return result
	}

	winner := candidates[0]
	for _, c := range candidates[1:] {
		if isBetter(c, winner) {
			winner = c
		}
	}

	if winner.Confidence >= reportingThreshold {
		result.HasPii = true
		result.WinningType = winner.PiiType
		result.Confidence = winner.Confidence
	}
	return result
}

func isBetter(candidate, current models.PiiCandidate) bool {
	if candidate.Confidence != current.Confidence {
		return candidate.Confidence > current.Confidence
	}
	if methodRank[candidate.Method] != methodRank[current.Method] {
		return methodRank[candidate.Method] < methodRank[current.Method]
	}
	if candidate.PiiType != current.PiiType {
		return candidate.PiiType < current.PiiType
	}
	return false // first-emitted (current) wins ties that survive the above
}
