// Package validator scores raw payloads and derives their stable identity.
package validator

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/intake-vault/internal/model"
)

// Score penalties. The score starts at MaxScore and is clamped to [0, MaxScore].
const (
	MaxScore = 10.0

	penaltyMissingField  = 2.0
	penaltyShortTitle    = 1.0
	penaltyLongTitle     = 0.5
	penaltyMalformedURL  = 0.5
	penaltyShortAgency   = 0.5
	penaltyUncertainDate = 0.5

	minTitleLen  = 10
	maxTitleLen  = 300
	minAgencyLen = 3
)

// DefaultThreshold is the quality gate used when none is configured.
const DefaultThreshold = 6.0

// DateFields are the payload keys expected to carry an ISO date.
var DateFields = []string{"application_start", "application_end", "deadline", "posted_at"}

var requiredFields = map[model.SourceKind][]string{
	model.SourceBizinfo:  {"title", "agency", "url"},
	model.SourceKstartup: {"title", "agency", "url"},
	model.SourceGeneric:  {"title", "agency"},
}

// RequiredFields returns the payload keys a source kind must provide.
func RequiredFields(kind model.SourceKind) []string {
	if f, ok := requiredFields[kind]; ok {
		return f
	}
	return requiredFields[model.SourceGeneric]
}

// Result is the outcome of validating one payload.
type Result struct {
	Valid  bool     `json:"is_valid"`
	Errors []string `json:"validation_errors"`
	Score  float64  `json:"quality_score"`
	// Hard is the number of errors that are not cosmetic.
	Hard int `json:"hard_errors"`
}

// Validator applies the scoring rules with a configured quality threshold.
type Validator struct {
	threshold float64
}

// New creates a Validator. A non-positive threshold falls back to DefaultThreshold.
func New(threshold float64) *Validator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Validator{threshold: threshold}
}

// Threshold returns the configured quality gate.
func (v *Validator) Threshold() float64 {
	return v.threshold
}

// Validate scores payload for the given source kind. It never fails: every
// problem is expressed in the Result. As a side effect the content hash of
// the identifying fields is attached to payload under model.ContentHashKey.
func (v *Validator) Validate(payload model.Payload, kind model.SourceKind) Result {
	res := Result{Score: MaxScore, Errors: []string{}}
	if payload == nil {
		payload = model.Payload{}
	}

	for _, field := range RequiredFields(kind) {
		if !payload.Has(field) {
			res.Score -= penaltyMissingField
			res.Errors = append(res.Errors, "Missing required field: "+field)
			res.Hard++
		}
	}

	if title := Clean(payload.String("title")); title != "" {
		n := utf8.RuneCountInString(title)
		switch {
		case n < minTitleLen:
			res.Score -= penaltyShortTitle
			res.Errors = append(res.Errors, fmt.Sprintf("Title too short: %d characters", n))
		case n > maxTitleLen:
			res.Score -= penaltyLongTitle
			res.Errors = append(res.Errors, fmt.Sprintf("Title too long: %d characters", n))
		}
	}

	if raw := strings.TrimSpace(payload.String("url")); raw != "" && !wellFormedURL(raw) {
		res.Score -= penaltyMalformedURL
		res.Errors = append(res.Errors, "Malformed detail URL: "+raw)
	}

	if agency := Clean(payload.String("agency")); agency != "" && utf8.RuneCountInString(agency) < minAgencyLen {
		res.Score -= penaltyShortAgency
		res.Errors = append(res.Errors, "Agency name too short: "+agency)
	}

	for _, field := range DateFields {
		if !payload.Has(field) {
			continue
		}
		if _, ok := FirstISODate(payload.String(field)); !ok {
			res.Score -= penaltyUncertainDate
			res.Errors = append(res.Errors, "Low-confidence date field: "+field)
		}
	}

	res.Score = clamp(res.Score)
	res.Valid = res.Hard == 0 || res.Score >= v.threshold

	payload[model.ContentHashKey] = ContentHash(payload)
	return res
}

func wellFormedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// QualityTier buckets a score for reporting: high (>= 8.0), medium (>= 6.0), low.
func QualityTier(score float64) string {
	switch {
	case score >= 8.0:
		return "high"
	case score >= 6.0:
		return "medium"
	default:
		return "low"
	}
}
