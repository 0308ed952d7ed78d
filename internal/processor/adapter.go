package processor

import (
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/validator"
)

// Fields is the cleaned, source-independent text an adapter pulls out of a
// payload. Parsing of dates, amounts and counts happens afterwards.
type Fields struct {
	Description    string
	Category       string
	Region         string
	TargetAudience string
	StartText      string
	EndText        string
	PeriodText     string
	SupportText    string
	AmountText     string
	SupportPeriod  string
	ContactText    string
	Department     string
	Phone          string
	Email          string
	HeadcountText  string
}

// Adapter extracts Fields from one source's payload layout. The set of
// adapters is closed: only this package implements it.
type Adapter interface {
	Kind() model.SourceKind
	Extract(p model.Payload) Fields
	sealed()
}

// AdapterFor returns the adapter for kind. Unknown kinds get the generic adapter.
func AdapterFor(kind model.SourceKind) Adapter {
	switch kind {
	case model.SourceBizinfo:
		return BizinfoAdapter{}
	case model.SourceKstartup:
		return KstartupAdapter{}
	default:
		return GenericAdapter{}
	}
}

// keyMap lists, per field, the payload keys tried in order.
type keyMap struct {
	description, category, region, target []string
	start, end, period                    []string
	support, amount, supportPeriod        []string
	contact, department, phone, email     []string
	headcount                             []string
}

func (m keyMap) extract(p model.Payload) Fields {
	return Fields{
		Description:    first(p, m.description),
		Category:       first(p, m.category),
		Region:         first(p, m.region),
		TargetAudience: first(p, m.target),
		StartText:      first(p, m.start),
		EndText:        first(p, m.end),
		PeriodText:     first(p, m.period),
		SupportText:    first(p, m.support),
		AmountText:     first(p, m.amount),
		SupportPeriod:  first(p, m.supportPeriod),
		ContactText:    first(p, m.contact),
		Department:     first(p, m.department),
		Phone:          first(p, m.phone),
		Email:          first(p, m.email),
		HeadcountText:  first(p, m.headcount),
	}
}

// first returns the first cleaned non-empty value among keys.
func first(p model.Payload, keys []string) string {
	for _, k := range keys {
		if v := validator.Clean(p.String(k)); v != "" {
			return v
		}
	}
	return ""
}

// BizinfoAdapter reads the government business-information portal layout.
type BizinfoAdapter struct{}

var bizinfoKeys = keyMap{
	description:   []string{"description", "summary", "content"},
	category:      []string{"category", "field"},
	region:        []string{"region", "jurisdiction"},
	target:        []string{"target_audience", "target"},
	start:         []string{"application_start"},
	end:           []string{"application_end", "deadline"},
	period:        []string{"application_period", "period"},
	support:       []string{"support_type", "support_content"},
	amount:        []string{"support_amount", "amount"},
	supportPeriod: []string{"support_period"},
	contact:       []string{"contact"},
	department:    []string{"department"},
	phone:         []string{"phone"},
	email:         []string{"email"},
	headcount:     []string{"headcount"},
}

func (BizinfoAdapter) Kind() model.SourceKind { return model.SourceBizinfo }

func (BizinfoAdapter) Extract(p model.Payload) Fields { return bizinfoKeys.extract(p) }

func (BizinfoAdapter) sealed() {}

// KstartupAdapter reads the startup-support portal layout.
type KstartupAdapter struct{}

var kstartupKeys = keyMap{
	description:   []string{"description", "overview"},
	category:      []string{"business_type", "category"},
	region:        []string{"region", "area"},
	target:        []string{"apply_target", "target"},
	start:         []string{"application_start", "recruitment_start"},
	end:           []string{"application_end", "recruitment_end", "deadline"},
	period:        []string{"recruitment_period", "application_period"},
	support:       []string{"support_content", "support_type"},
	amount:        []string{"support_scale", "support_amount"},
	supportPeriod: []string{"program_period", "support_period"},
	contact:       []string{"inquiry", "contact"},
	department:    []string{"manager_department", "department"},
	phone:         []string{"phone"},
	email:         []string{"email"},
	headcount:     []string{"recruit_count", "headcount"},
}

func (KstartupAdapter) Kind() model.SourceKind { return model.SourceKstartup }

func (KstartupAdapter) Extract(p model.Payload) Fields { return kstartupKeys.extract(p) }

func (KstartupAdapter) sealed() {}

// GenericAdapter trusts nothing beyond the identifying fields and a description.
type GenericAdapter struct{}

func (GenericAdapter) Kind() model.SourceKind { return model.SourceGeneric }

func (GenericAdapter) Extract(p model.Payload) Fields {
	return Fields{Description: first(p, []string{"description"})}
}

func (GenericAdapter) sealed() {}
