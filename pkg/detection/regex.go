package detection

import (
	"context"
	"fmt"
	"math"
	"regexp"

	"github.com/privsense/engine/pkg/models"
)

// pattern is one named regex in the Regex strategy's library (§4.4.2).
type pattern struct {
	name           string
	piiType        models.PiiType
	re             *regexp.Regexp
	baseConfidence float64
	// extraValidate runs an additional check beyond the regex (e.g. Luhn for
	// credit cards); a match failing this check is not counted toward m.
	extraValidate func(value string) bool
}

var patterns = []pattern{
	{
		name: "email", piiType: models.PiiEmail, baseConfidence: 0.95,
		re: regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`),
	},
	{
		name: "ssn", piiType: models.PiiSSN, baseConfidence: 0.9,
		re:            regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`),
		extraValidate: validSSN,
	},
	{
		name: "phone", piiType: models.PiiPhone, baseConfidence: 0.8,
		re: regexp.MustCompile(`^\+?1?[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}$`),
	},
	{
		name: "credit_card", piiType: models.PiiCreditCard, baseConfidence: 0.9,
		re:            regexp.MustCompile(`^[\d][\d\- ]{13,22}[\d]$`),
		extraValidate: luhnValid,
	},
	{
		name: "ipv4", piiType: models.PiiIPAddress, baseConfidence: 0.85,
		re: regexp.MustCompile(`^(25[0-5]|2[0-4]\d|1?\d{1,2})(\.(25[0-5]|2[0-4]\d|1?\d{1,2})){3}$`),
	},
	{
		name: "ipv6", piiType: models.PiiIPAddress, baseConfidence: 0.85,
		re: regexp.MustCompile(`^([0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}$`),
	},
	{
		name: "iso8601_date", piiType: models.PiiDate, baseConfidence: 0.7,
		re: regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?)?$`),
	},
}

// RegexStrategy applies a library of named regexes against non-null sample
// values (§4.4.2).
type RegexStrategy struct{}

func NewRegexStrategy() *RegexStrategy { return &RegexStrategy{} }

func (s *RegexStrategy) Method() models.DetectionMethod { return models.MethodRegex }

func (s *RegexStrategy) Evaluate(_ context.Context, column models.ColumnInfo, sample models.SampleData) ([]models.PiiCandidate, error) {
	values := toStrings(sample.NonNullValues())
	n := len(values)
	if n < 5 {
		return nil, nil
	}

	var candidates []models.PiiCandidate
	for _, p := range patterns {
		m := 0
		for _, v := range values {
			if !p.re.MatchString(v) {
				continue
			}
			if p.extraValidate != nil && !p.extraValidate(v) {
				continue
			}
			m++
		}
		minRequired := int(math.Ceil(0.6 * float64(n)))
		if m < minRequired || m == 0 {
			continue
		}
		candidates = append(candidates, models.PiiCandidate{
			Column:     column,
			PiiType:    p.piiType,
			Confidence: p.baseConfidence * (float64(m) / float64(n)),
			Method:     models.MethodRegex,
			Evidence:   fmt.Sprintf("%s matched %d/%d values", p.name, m, n),
		})
	}
	return candidates, nil
}

func toStrings(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case []byte:
			out = append(out, string(t))
		case fmt.Stringer:
			out = append(out, t.String())
		default:
			out = append(out, fmt.Sprintf("%v", t))
		}
	}
	return out
}

// validSSN excludes well-known invalid North American SSN ranges: area
// 000/666/900-999, group 00, serial 0000.
func validSSN(value string) bool {
	var area, group, serial int
	if _, err := fmt.Sscanf(value, "%3d-%2d-%4d", &area, &group, &serial); err != nil {
		return false
	}
	if area == 0 || area == 666 || area >= 900 {
		return false
	}
	if group == 0 || serial == 0 {
		return false
	}
	return true
}

// luhnValid implements the Luhn checksum, mandatory for credit-card
// candidates (§4.4.2).
func luhnValid(value string) bool {
	var digits []int
	for _, r := range value {
		if r < '0' || r > '9' {
			continue
		}
		digits = append(digits, int(r-'0'))
	}
	if len(digits) < 12 {
		return false
	}

	sum := 0
	parity := len(digits) % 2
	for i, d := range digits {
		if i%2 == parity {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

var _ Strategy = (*RegexStrategy)(nil)
