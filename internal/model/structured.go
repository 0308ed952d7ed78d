package model

import (
	"strings"
	"time"
)

// SourceKind selects the field-extraction strategy for a source.
type SourceKind string

const (
	SourceBizinfo  SourceKind = "bizinfo"
	SourceKstartup SourceKind = "kstartup"
	SourceGeneric  SourceKind = "generic"
)

// ParseSourceKind maps a kind name or a source id to a SourceKind. Source ids
// are matched by prefix ("bizinfo-daily" is bizinfo); anything unknown is
// generic.
func ParseSourceKind(s string) SourceKind {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, string(SourceBizinfo)):
		return SourceBizinfo
	case strings.HasPrefix(s, string(SourceKstartup)), strings.HasPrefix(s, "k-startup"):
		return SourceKstartup
	default:
		return SourceGeneric
	}
}

// SupportDetails describes what a program offers.
type SupportDetails struct {
	SupportType  string `json:"support_type,omitempty" yaml:"support_type,omitempty"`
	AmountText   string `json:"amount_text,omitempty" yaml:"amount_text,omitempty"`
	AmountKRW    int64  `json:"amount_krw,omitempty" yaml:"amount_krw,omitempty"`
	Period       string `json:"period,omitempty" yaml:"period,omitempty"`
	PeriodMonths int    `json:"period_months,omitempty" yaml:"period_months,omitempty"`
}

// ContactInfo holds the extracted contact channels of a program.
type ContactInfo struct {
	Department string `json:"department,omitempty" yaml:"department,omitempty"`
	Phone      string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Email      string `json:"email,omitempty" yaml:"email,omitempty"`
}

// ProcessedRecord is the normalized projection of a RawRecord. It is never
// persisted on its own.
type ProcessedRecord struct {
	ProgramID        string         `json:"program_id" yaml:"program_id"`
	SourceKind       SourceKind     `json:"source_kind" yaml:"source_kind"`
	Title            string         `json:"title" yaml:"title"`
	Agency           string         `json:"agency" yaml:"agency"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	URL              string         `json:"url,omitempty" yaml:"url,omitempty"`
	Category         string         `json:"category,omitempty" yaml:"category,omitempty"`
	Region           string         `json:"region,omitempty" yaml:"region,omitempty"`
	TargetAudience   string         `json:"target_audience,omitempty" yaml:"target_audience,omitempty"`
	ApplicationStart *time.Time     `json:"application_start,omitempty" yaml:"application_start,omitempty"`
	ApplicationEnd   *time.Time     `json:"application_end,omitempty" yaml:"application_end,omitempty"`
	Headcount        int            `json:"headcount,omitempty" yaml:"headcount,omitempty"`
	Support          SupportDetails `json:"support_details" yaml:"support_details"`
	Contact          ContactInfo    `json:"contact_info" yaml:"contact_info"`
	ContentHash      string         `json:"content_hash" yaml:"content_hash"`
	QualityScore     float64        `json:"quality_score" yaml:"quality_score"`
	ValidationErrors []string       `json:"validation_errors,omitempty" yaml:"validation_errors,omitempty"`
	IsValid          bool           `json:"is_valid" yaml:"is_valid"`
}

// VerificationStatus describes how far a structured record has been checked.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationAutomatic  VerificationStatus = "auto_verified"
	VerificationFlagged    VerificationStatus = "flagged"
)

// StructuredRecord is the durable, deduplicated program entity.
type StructuredRecord struct {
	ProgramID          string             `json:"program_id" yaml:"program_id"`
	SourceID           string             `json:"source_id" yaml:"source_id"`
	SourceKind         SourceKind         `json:"source_kind" yaml:"source_kind"`
	Title              string             `json:"title" yaml:"title"`
	Agency             string             `json:"agency" yaml:"agency"`
	Description        string             `json:"description,omitempty" yaml:"description,omitempty"`
	URL                string             `json:"url,omitempty" yaml:"url,omitempty"`
	Category           string             `json:"category,omitempty" yaml:"category,omitempty"`
	Region             string             `json:"region,omitempty" yaml:"region,omitempty"`
	TargetAudience     string             `json:"target_audience,omitempty" yaml:"target_audience,omitempty"`
	ApplicationStart   *time.Time         `json:"application_start,omitempty" yaml:"application_start,omitempty"`
	ApplicationEnd     *time.Time         `json:"application_end,omitempty" yaml:"application_end,omitempty"`
	Support            SupportDetails     `json:"support_details" yaml:"support_details"`
	Contact            ContactInfo        `json:"contact_info" yaml:"contact_info"`
	OriginalRawID      string             `json:"original_raw_id" yaml:"original_raw_id"`
	DataQualityScore   float64            `json:"data_quality_score" yaml:"data_quality_score"`
	ValidationErrors   []string           `json:"validation_errors,omitempty" yaml:"validation_errors,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status" yaml:"verification_status"`
	CreatedAt          time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" yaml:"updated_at"`
}

// NewStructuredRecord builds the structured row for a processed raw record.
// Timestamps are left for the store to fill.
func NewStructuredRecord(raw *RawRecord, p *ProcessedRecord) *StructuredRecord {
	status := VerificationUnverified
	if len(p.ValidationErrors) == 0 {
		status = VerificationAutomatic
	} else if !p.IsValid {
		status = VerificationFlagged
	}
	return &StructuredRecord{
		ProgramID:          p.ProgramID,
		SourceID:           raw.SourceID,
		SourceKind:         p.SourceKind,
		Title:              p.Title,
		Agency:             p.Agency,
		Description:        p.Description,
		URL:                p.URL,
		Category:           p.Category,
		Region:             p.Region,
		TargetAudience:     p.TargetAudience,
		ApplicationStart:   p.ApplicationStart,
		ApplicationEnd:     p.ApplicationEnd,
		Support:            p.Support,
		Contact:            p.Contact,
		OriginalRawID:      raw.ID,
		DataQualityScore:   p.QualityScore,
		ValidationErrors:   p.ValidationErrors,
		VerificationStatus: status,
	}
}
