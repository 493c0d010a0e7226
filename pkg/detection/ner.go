package detection

import (
	"context"

	"github.com/privsense/engine/pkg/models"
	"github.com/privsense/engine/pkg/ner"
)

// entityTypeMap translates the recognizer's entity labels into PrivSense PII
// types. Unrecognized labels are ignored rather than surfaced as UNKNOWN —
// an UNKNOWN candidate would win no tie-break and only add noise.
var entityTypeMap = map[string]models.PiiType{
	"SSN":         models.PiiSSN,
	"EMAIL":       models.PiiEmail,
	"ADDRESS":     models.PiiAddress,
	"PHONE":       models.PiiPhone,
	"CREDIT_CARD": models.PiiCreditCard,
	"IP_ADDRESS":  models.PiiIPAddress,
	"DATE":        models.PiiDate,
	"PERSON":      models.PiiName,
	"PERSON_NAME": models.PiiName,
}

// NerClient is the subset of ner.Client the NER strategy depends on.
type NerClient interface {
	Detect(ctx context.Context, samples []string) ([][]ner.Entity, error)
}

// NerStrategy batches non-null sample values to an external entity
// recognizer (§4.4.3). It is the only strategy that can fail by design
// (circuit open, service unreachable) rather than simply finding nothing;
// callers treat a non-nil error as "no candidates, try the next strategy".
type NerStrategy struct {
	client NerClient
}

func NewNerStrategy(client NerClient) *NerStrategy { return &NerStrategy{client: client} }

func (s *NerStrategy) Method() models.DetectionMethod { return models.MethodNER }

func (s *NerStrategy) Evaluate(ctx context.Context, column models.ColumnInfo, sample models.SampleData) ([]models.PiiCandidate, error) {
	values := toStrings(sample.NonNullValues())
	if len(values) == 0 {
		return nil, nil
	}

	batches, err := s.client.Detect(ctx, values)
	if err != nil {
		return nil, err
	}

	type agg struct {
		scoreSum float64
		count    int
		hits     int
	}
	totals := make(map[models.PiiType]*agg)
	for _, entities := range batches {
		seen := make(map[models.PiiType]bool)
		for _, e := range entities {
			piiType, ok := entityTypeMap[e.Type]
			if !ok {
				continue
			}
			a, ok := totals[piiType]
			if !ok {
				a = &agg{}
				totals[piiType] = a
			}
			a.scoreSum += e.Score
			a.count++
			if !seen[piiType] {
				a.hits++
				seen[piiType] = true
			}
		}
	}

	candidates := make([]models.PiiCandidate, 0, len(totals))
	for piiType, a := range totals {
		meanScore := a.scoreSum / float64(a.count)
		coverage := float64(a.hits) / float64(len(values))
		candidates = append(candidates, models.PiiCandidate{
			Column:     column,
			PiiType:    piiType,
			Confidence: meanScore * coverage,
			Method:     models.MethodNER,
			Evidence:   "ner entity recognition",
		})
	}
	sortCandidatesByType(candidates)
	return candidates, nil
}

var _ Strategy = (*NerStrategy)(nil)
