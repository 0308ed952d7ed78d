package backup

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/intake-vault/internal/model"
)

// Limited throttles writes and reads of a tier with a token bucket. Listing
// and cleanup are not throttled.
type Limited struct {
	Tier
	limiter *rate.Limiter
}

// NewLimited wraps t. perSecond <= 0 returns t unchanged.
func NewLimited(t Tier, perSecond float64, burst int) Tier {
	if perSecond <= 0 {
		return t
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{Tier: t, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Enabled() bool { return enabled(l.Tier) }

func (l *Limited) Save(ctx context.Context, b *model.BackupRecord) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", eris.Wrapf(err, "%s: rate limit", l.Name())
	}
	return l.Tier.Save(ctx, b)
}

func (l *Limited) Load(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "%s: rate limit", l.Name())
	}
	return l.Tier.Load(ctx, backupID)
}
