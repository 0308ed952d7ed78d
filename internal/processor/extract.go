package processor

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/intake-vault/internal/validator"
)

var (
	numberRe = regexp.MustCompile(`\d+`)
	amountRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(억원|억|천만원|천만|백만원|백만|만원|만|원|billion|million|krw)`)
	periodRe = regexp.MustCompile(`(?i)(\d+)\s*(개월|months?|년|years?)`)
	phoneRe  = regexp.MustCompile(`(?:\+82[- ]?)?0?\d{1,2}[-. ]\d{3,4}[-. ]\d{4}`)
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// amountUnits maps a unit suffix to its multiplier in won.
var amountUnits = map[string]float64{
	"억원":      1e8,
	"억":       1e8,
	"천만원":     1e7,
	"천만":      1e7,
	"백만원":     1e6,
	"백만":      1e6,
	"만원":      1e4,
	"만":       1e4,
	"원":       1,
	"krw":     1,
	"million": 1e6,
	"billion": 1e9,
}

// supportTypes is checked in order; the first keyword hit decides the type.
var supportTypes = []struct {
	kind     string
	keywords []string
}{
	{"loan", []string{"융자", "대출", "loan"}},
	{"guarantee", []string{"보증", "guarantee"}},
	{"investment", []string{"투자", "investment", "equity"}},
	{"consulting", []string{"멘토링", "컨설팅", "mentoring", "consulting"}},
	{"training", []string{"교육", "training", "education", "bootcamp"}},
	{"space", []string{"입주", "공간", "office space", "incubat"}},
	{"grant", []string{"보조금", "지원금", "사업화", "grant", "subsidy"}},
}

// ParseDate returns the first ISO date in s, or nil.
func ParseDate(s string) *time.Time {
	t, ok := validator.FirstISODate(s)
	if !ok {
		return nil
	}
	return &t
}

// ParsePeriod splits an "A ~ B" style range into its first and second ISO dates.
func ParsePeriod(s string) (start, end *time.Time) {
	for _, sep := range []string{"~", "〜", " to ", " - "} {
		if i := strings.Index(s, sep); i >= 0 {
			return ParseDate(s[:i]), ParseDate(s[i+len(sep):])
		}
	}
	return ParseDate(s), nil
}

// ParseInt strips thousands separators and returns the first numeric run.
func ParseInt(s string) (int, bool) {
	m := numberRe.FindString(strings.ReplaceAll(s, ",", ""))
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseAmount converts a money expression to won. Adjacent unit groups are
// summed, so "1억 5천만원" is 150,000,000. The matched text is returned too.
func ParseAmount(s string) (int64, string) {
	s = strings.ReplaceAll(s, ",", "")
	locs := amountRe.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return 0, ""
	}

	var total float64
	begin, end := locs[0][0], locs[0][1]
	for i, loc := range locs {
		if i > 0 && strings.TrimSpace(s[end:loc[0]]) != "" {
			break
		}
		v, err := strconv.ParseFloat(s[loc[2]:loc[3]], 64)
		if err != nil {
			break
		}
		total += v * amountUnits[strings.ToLower(s[loc[4]:loc[5]])]
		end = loc[1]
	}
	return int64(math.Round(total)), s[begin:end]
}

// ParsePeriodMonths returns the duration expressed in s in months.
func ParsePeriodMonths(s string) (int, string) {
	m := periodRe.FindStringSubmatch(s)
	if m == nil {
		return 0, ""
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, ""
	}
	unit := strings.ToLower(m[2])
	if unit == "년" || strings.HasPrefix(unit, "year") {
		n *= 12
	}
	return n, m[0]
}

// SupportType classifies the support on offer from free text.
func SupportType(texts ...string) string {
	joined := strings.ToLower(strings.Join(texts, " "))
	for _, st := range supportTypes {
		for _, kw := range st.keywords {
			if strings.Contains(joined, kw) {
				return st.kind
			}
		}
	}
	return ""
}

// FindPhone returns the first phone number in s.
func FindPhone(s string) string {
	return strings.TrimSpace(phoneRe.FindString(s))
}

// FindEmail returns the first e-mail address in s, lower-cased.
func FindEmail(s string) string {
	return strings.ToLower(emailRe.FindString(s))
}
