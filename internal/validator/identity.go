package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/intake-vault/internal/model"
)

var (
	isoDateRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	markupRe  = regexp.MustCompile(`<[^>]*>`)
)

// StripMarkup removes markup tags and decodes HTML entities.
func StripMarkup(s string) string {
	return html.UnescapeString(markupRe.ReplaceAllString(s, " "))
}

// Clean strips markup, collapses whitespace runs and trims.
func Clean(s string) string {
	return strings.Join(strings.Fields(StripMarkup(s)), " ")
}

// FirstISODate returns the first YYYY-MM-DD date found in s. A match that is
// not a real calendar date counts as no match.
func FirstISODate(s string) (time.Time, bool) {
	m := isoDateRe.FindString(s)
	if m == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", m)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Normalize folds text for identity comparisons: markup removed, NFKC, lower
// case, single spaces.
func Normalize(s string) string {
	s = norm.NFKC.String(StripMarkup(s))
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// CanonicalURL normalizes a detail URL so cosmetic differences do not change
// a program's identity. Unparseable input is only trimmed and lower-cased.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for key, vals := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") || len(vals) == 0 || (len(vals) == 1 && vals[0] == "") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// ContentHash is the SHA-256 digest of the identifying fields of a payload.
func ContentHash(payload model.Payload) string {
	return identityHash(payload.String("title"), payload.String("agency"), payload.String("url"))
}

// ProgramID derives the deduplication key of a program from its identifying fields.
func ProgramID(title, agency, detailURL string) string {
	return ProgramIDFromHash(identityHash(title, agency, detailURL))
}

// ProgramIDFromHash turns a content hash into a program id.
func ProgramIDFromHash(hash string) string {
	if len(hash) > 24 {
		hash = hash[:24]
	}
	return "pgm_" + hash
}

func identityHash(title, agency, detailURL string) string {
	key := Normalize(title) + "\x1f" + Normalize(agency) + "\x1f" + CanonicalURL(detailURL)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
