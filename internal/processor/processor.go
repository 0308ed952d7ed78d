// Package processor turns raw payloads into normalized, source-aware
// ProcessedRecords. Processing is pure: no I/O and no clock reads.
package processor

import (
	"strings"

	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/validator"
)

// Processor extracts and scores raw payloads.
type Processor struct {
	validator *validator.Validator
}

// New creates a Processor that scores with v.
func New(v *validator.Validator) *Processor {
	if v == nil {
		v = validator.New(validator.DefaultThreshold)
	}
	return &Processor{validator: v}
}

// Threshold returns the quality gate of the underlying validator.
func (p *Processor) Threshold() float64 {
	return p.validator.Threshold()
}

// Process builds the ProcessedRecord for payload. The caller's payload is not
// modified.
func (p *Processor) Process(payload model.Payload, kind model.SourceKind) *model.ProcessedRecord {
	in := payload.Clone()
	if in == nil {
		in = model.Payload{}
	}
	res := p.validator.Validate(in, kind)
	hash := in.String(model.ContentHashKey)

	adapter := AdapterFor(kind)
	f := adapter.Extract(in)

	rec := &model.ProcessedRecord{
		ProgramID:        validator.ProgramIDFromHash(hash),
		SourceKind:       adapter.Kind(),
		Title:            validator.Clean(in.String("title")),
		Agency:           validator.Clean(in.String("agency")),
		Description:      f.Description,
		URL:              strings.TrimSpace(in.String("url")),
		Category:         f.Category,
		Region:           f.Region,
		TargetAudience:   f.TargetAudience,
		ContentHash:      hash,
		QualityScore:     res.Score,
		ValidationErrors: res.Errors,
		IsValid:          res.Valid,
	}

	rec.ApplicationStart = ParseDate(f.StartText)
	rec.ApplicationEnd = ParseDate(f.EndText)
	if f.PeriodText != "" {
		start, end := ParsePeriod(f.PeriodText)
		if rec.ApplicationStart == nil {
			rec.ApplicationStart = start
		}
		if rec.ApplicationEnd == nil {
			rec.ApplicationEnd = end
		}
	}

	if n, ok := ParseInt(f.HeadcountText); ok {
		rec.Headcount = n
	}

	rec.Support = supportDetails(f, rec.Title)
	rec.Contact = contactInfo(f)
	return rec
}

func supportDetails(f Fields, title string) model.SupportDetails {
	var sd model.SupportDetails
	sd.AmountKRW, sd.AmountText = ParseAmount(f.AmountText)
	if sd.AmountText == "" {
		sd.AmountKRW, sd.AmountText = ParseAmount(f.SupportText)
	}
	sd.PeriodMonths, sd.Period = ParsePeriodMonths(f.SupportPeriod)
	sd.SupportType = SupportType(f.SupportText, f.AmountText, title)
	return sd
}

func contactInfo(f Fields) model.ContactInfo {
	ci := model.ContactInfo{Department: f.Department}
	ci.Phone = FindPhone(f.Phone)
	if ci.Phone == "" {
		ci.Phone = FindPhone(f.ContactText)
	}
	ci.Email = FindEmail(f.Email)
	if ci.Email == "" {
		ci.Email = FindEmail(f.ContactText)
	}
	return ci
}
