package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_String(t *testing.T) {
	p := Payload{
		"title":  "Youth Startup Grant",
		"amount": float64(5000),
		"open":   true,
		"nil":    nil,
	}
	assert.Equal(t, "Youth Startup Grant", p.String("title"))
	assert.Equal(t, "5000", p.String("amount"))
	assert.Equal(t, "true", p.String("open"))
	assert.Empty(t, p.String("nil"))
	assert.Empty(t, p.String("missing"))
}

func TestPayload_Has(t *testing.T) {
	p := Payload{"title": "  ", "agency": "SME Agency"}
	assert.False(t, p.Has("title"))
	assert.True(t, p.Has("agency"))
	assert.False(t, p.Has("url"))
}

func TestPayload_CloneIsShallowCopy(t *testing.T) {
	p := Payload{"a": "1"}
	c := p.Clone()
	c["b"] = "2"
	assert.NotContains(t, p, "b")
	assert.Nil(t, Payload(nil).Clone())
}

func TestRawRecord_Settled(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		rec  RawRecord
		want bool
	}{
		{"pending", RawRecord{ProcessingStatus: StatusPending}, false},
		{"processing", RawRecord{ProcessingStatus: StatusProcessing}, false},
		{"duplicate", RawRecord{ProcessingStatus: StatusDuplicate}, true},
		{"failed", RawRecord{ProcessingStatus: StatusFailed}, true},
		{"completed migrated", RawRecord{ProcessingStatus: StatusCompleted, QualityScore: 9, MigratedAt: &now}, true},
		{"completed below gate", RawRecord{ProcessingStatus: StatusCompleted, QualityScore: 4}, true},
		{"completed awaiting migration", RawRecord{ProcessingStatus: StatusCompleted, QualityScore: 9}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Settled(6.0))
		})
	}
}

func TestParseSourceKind(t *testing.T) {
	assert.Equal(t, SourceBizinfo, ParseSourceKind("bizinfo"))
	assert.Equal(t, SourceBizinfo, ParseSourceKind("Bizinfo-daily"))
	assert.Equal(t, SourceKstartup, ParseSourceKind("kstartup"))
	assert.Equal(t, SourceKstartup, ParseSourceKind("k-startup-notices"))
	assert.Equal(t, SourceGeneric, ParseSourceKind("seoul-portal"))
	assert.Equal(t, SourceGeneric, ParseSourceKind(""))
}

func TestScrapingSession_ErrorRatio(t *testing.T) {
	s := ScrapingSession{ItemsProcessed: 10, ItemsFailed: 6}
	assert.InDelta(t, 0.6, s.ErrorRatio(), 1e-9)
	assert.Zero(t, (&ScrapingSession{ItemsFailed: 3}).ErrorRatio())
}

func TestEnvelope_BackupRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.FixedZone("KST", 9*3600))
	r := RawRecord{ID: "r1", SourceID: "bizinfo", SessionID: "s1", ScrapedAt: at,
		Payload: Payload{"title": "Voucher"}, ProcessingStatus: StatusCompleted, QualityScore: 9}

	data, err := EnvelopeOf(&r).Marshal()
	require.NoError(t, err)
	env, err := ParseEnvelope(data)
	require.NoError(t, err)

	back := env.Raw()
	assert.Equal(t, "r1", back.ID)
	assert.Equal(t, StatusPending, back.ProcessingStatus)
	assert.Zero(t, back.QualityScore)
	assert.True(t, at.Equal(back.ScrapedAt))
	assert.Equal(t, time.UTC, back.ScrapedAt.Location())
	assert.Equal(t, "Voucher", back.Payload.String("title"))
}

func TestParseEnvelope_Rejects(t *testing.T) {
	_, err := ParseEnvelope([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseEnvelope([]byte(`{"source_id":"bizinfo"}`))
	assert.ErrorContains(t, err, "missing id")
}
