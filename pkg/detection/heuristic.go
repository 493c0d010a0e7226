package detection

import (
	"context"
	"strings"
	"unicode"

	"github.com/privsense/engine/pkg/models"
)

// keyword is one entry in the heuristic strategy's curated table (§4.4.1).
type keyword struct {
	token          string
	piiType        models.PiiType
	baseConfidence float64
}

// keywords is intentionally non-exhaustive; it's a curated starting table,
// not an attempt at exhaustive coverage of every naming convention.
var keywords = []keyword{
	{"ssn", models.PiiSSN, 0.95},
	{"social_security", models.PiiSSN, 0.95},
	{"email", models.PiiEmail, 0.9},
	{"e_mail", models.PiiEmail, 0.9},
	{"addr", models.PiiAddress, 0.75},
	{"address", models.PiiAddress, 0.75},
	{"phone", models.PiiPhone, 0.8},
	{"mobile", models.PiiPhone, 0.8},
	{"tel", models.PiiPhone, 0.6},
	{"credit_card", models.PiiCreditCard, 0.9},
	{"card_number", models.PiiCreditCard, 0.9},
	{"cc_number", models.PiiCreditCard, 0.9},
	{"ip_address", models.PiiIPAddress, 0.7},
	{"dob", models.PiiDate, 0.7},
	{"birth_date", models.PiiDate, 0.7},
	{"first_name", models.PiiName, 0.8},
	{"last_name", models.PiiName, 0.8},
	{"full_name", models.PiiName, 0.85},
}

const (
	multiplierExactName     = 1.0
	multiplierSubstringName = 0.7
	multiplierCommentToken  = 0.6
)

// tokenize splits s into lowercase word tokens on any run of non-alphanumeric
// characters, so "email_address" and "email-address" both yield
// ["email", "address"].
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// hasTokenMatch reports whether kwToken's own tokens appear as a contiguous
// run within nameTokens, so a composite column name like "email_address"
// still exact-token-matches the keyword "email".
func hasTokenMatch(nameTokens []string, kwToken string) bool {
	kwTokens := tokenize(kwToken)
	if len(kwTokens) == 0 || len(nameTokens) < len(kwTokens) {
		return false
	}
	for i := 0; i+len(kwTokens) <= len(nameTokens); i++ {
		match := true
		for j, kt := range kwTokens {
			if nameTokens[i+j] != kt {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// HeuristicStrategy scans column name and comment against a curated keyword
// table (§4.4.1).
type HeuristicStrategy struct{}

func NewHeuristicStrategy() *HeuristicStrategy { return &HeuristicStrategy{} }

func (s *HeuristicStrategy) Method() models.DetectionMethod { return models.MethodHeuristic }

// Evaluate returns at most one candidate per matched PII type, taking the
// highest-scoring match across name/comment matches for that type.
func (s *HeuristicStrategy) Evaluate(_ context.Context, column models.ColumnInfo, _ models.SampleData) ([]models.PiiCandidate, error) {
	name := strings.ToLower(column.Name)
	comment := strings.ToLower(column.Comment)
	nameTokens := tokenize(name)

	best := make(map[models.PiiType]float64)
	for _, kw := range keywords {
		var confidence float64
		switch {
		case hasTokenMatch(nameTokens, kw.token):
			confidence = kw.baseConfidence * multiplierExactName
		case strings.Contains(name, kw.token):
			confidence = kw.baseConfidence * multiplierSubstringName
		case comment != "" && hasTokenMatch(tokenize(comment), kw.token):
			confidence = kw.baseConfidence * multiplierCommentToken
		default:
			continue
		}
		if confidence > best[kw.piiType] {
			best[kw.piiType] = confidence
		}
	}

	candidates := make([]models.PiiCandidate, 0, len(best))
	for piiType, confidence := range best {
		candidates = append(candidates, models.PiiCandidate{
			Column:     column,
			PiiType:    piiType,
			Confidence: confidence,
			Method:     models.MethodHeuristic,
			Evidence:   "keyword match on column name/comment",
		})
	}
	sortCandidatesByType(candidates)
	return candidates, nil
}

var _ Strategy = (*HeuristicStrategy)(nil)
