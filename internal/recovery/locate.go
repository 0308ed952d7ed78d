package recovery

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-vault/internal/backup"
	"github.com/sells-group/intake-vault/internal/model"
	"github.com/sells-group/intake-vault/internal/store"
)

const maxScopeRecords = 100000

// stalled are the statuses of records that have not finished the pipeline.
var stalled = []model.ProcessingStatus{model.StatusPending, model.StatusProcessing, model.StatusCompleted}

// collector builds a plan, keeping the newest backup per raw record.
type collector struct {
	p      plan
	byRaw  map[string]int
	listed map[string]bool
}

func newCollector() *collector {
	return &collector{byRaw: map[string]int{}, listed: map[string]bool{}}
}

func (c *collector) addBackup(b *model.BackupRecord, expected bool) {
	rawID := b.MetaString(model.MetaRawRecordID)
	if rawID == "" {
		c.p.targets = append(c.p.targets, target{backupID: b.BackupID})
		return
	}
	if i, ok := c.byRaw[rawID]; ok {
		// Index rows come oldest first.
		c.p.targets[i].backupID = b.BackupID
		return
	}
	c.byRaw[rawID] = len(c.p.targets)
	c.p.targets = append(c.p.targets, target{rawID: rawID, backupID: b.BackupID})
	if expected {
		c.expect(rawID)
	}
}

func (c *collector) addRecord(rawID string) {
	if _, ok := c.byRaw[rawID]; ok {
		return
	}
	c.byRaw[rawID] = len(c.p.targets)
	c.p.targets = append(c.p.targets, target{rawID: rawID})
}

func (c *collector) expect(rawID string) {
	if !c.listed[rawID] {
		c.listed[rawID] = true
		c.p.expected = append(c.p.expected, rawID)
	}
}

func (e *Engine) planSession(ctx context.Context, sessionID string) (*plan, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c := newCollector()
	c.p.keep = func(env model.Envelope) bool { return env.SessionID == sessionID }

	idx, err := e.store.ListBackups(ctx, store.BackupFilter{SessionID: sessionID, Limit: maxScopeRecords})
	if err != nil {
		return nil, err
	}
	for i := range idx {
		c.addBackup(&idx[i], true)
	}

	recs, err := e.store.ListRawRecords(ctx, store.RawFilter{
		SessionID:  sessionID,
		Statuses:   stalled,
		Unmigrated: true,
		Limit:      maxScopeRecords,
	})
	if err != nil {
		return nil, err
	}
	for i := range recs {
		c.addRecord(recs[i].ID)
	}

	if sess == nil && len(c.p.targets) == 0 {
		return nil, eris.Errorf("recovery: session %s not found", sessionID)
	}
	return &c.p, nil
}

func (e *Engine) planDateRange(ctx context.Context, sourceID string, start, end time.Time) (*plan, error) {
	if !end.After(start) {
		return nil, eris.Errorf("recovery: empty date range %s - %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	inRange := func(t time.Time) bool { return !t.Before(start) && t.Before(end) }

	c := newCollector()
	c.p.keep = func(env model.Envelope) bool {
		return (sourceID == "" || env.SourceID == sourceID) && inRange(env.ScrapedAt)
	}

	// Backups are written after scraping, so a record scraped in the range
	// was backed up no earlier than start and at most IngestLag after end.
	createdTo := end.Add(e.cfg.IngestLag)
	idx, err := e.store.ListBackups(ctx, store.BackupFilter{
		SourceID:    sourceID,
		CreatedFrom: &start,
		CreatedTo:   &createdTo,
		Limit:       maxScopeRecords,
	})
	if err != nil {
		return nil, err
	}
	for i := range idx {
		scraped, err := time.Parse(time.RFC3339Nano, idx[i].MetaString(model.MetaScrapedAt))
		if err == nil && !inRange(scraped) {
			continue
		}
		c.addBackup(&idx[i], err == nil)
	}

	if len(idx) == 0 {
		ids, tier := e.listFallback(ctx, backup.Filter{SourceID: sourceID, From: &start, To: &createdTo, Limit: maxScopeRecords})
		if len(ids) > 0 {
			e.log.Info("recovery: backup index empty, using tier listing",
				zap.String("tier", string(tier)), zap.Int("backups", len(ids)))
		}
		for _, id := range ids {
			c.p.targets = append(c.p.targets, target{backupID: id})
		}
	}

	recs, err := e.store.ListRawRecords(ctx, store.RawFilter{
		SourceID:      sourceID,
		ScrapedFrom:   &start,
		ScrapedBefore: &end,
		Statuses:      stalled,
		Unmigrated:    true,
		Limit:         maxScopeRecords,
	})
	if err != nil {
		return nil, err
	}
	for i := range recs {
		c.addRecord(recs[i].ID)
	}
	return &c.p, nil
}

// listFallback asks the non-primary tiers, in restore order, for backups in
// the window. It returns the first non-empty listing.
func (e *Engine) listFallback(ctx context.Context, f backup.Filter) ([]string, model.Tier) {
	for _, tier := range model.RestoreOrder {
		if tier == model.TierPrimary {
			continue
		}
		ids, err := e.backups.List(ctx, tier, f)
		if err != nil {
			e.log.Warn("recovery: tier listing failed", zap.String("tier", string(tier)), zap.Error(err))
			continue
		}
		if len(ids) > 0 {
			return ids, tier
		}
	}
	return nil, ""
}

func (e *Engine) planRecords(ctx context.Context, rawIDs []string) (*plan, error) {
	if len(rawIDs) == 0 {
		return &plan{}, nil
	}
	c := newCollector()
	idx, err := e.store.ListBackups(ctx, store.BackupFilter{RawRecordIDs: rawIDs, Limit: maxScopeRecords})
	if err != nil {
		return nil, err
	}
	for i := range idx {
		c.addBackup(&idx[i], true)
	}
	for _, id := range rawIDs {
		c.addRecord(id)
		c.expect(id)
	}
	return &c.p, nil
}

func (e *Engine) planAll(ctx context.Context, sourceID string) (*plan, error) {
	c := newCollector()
	if sourceID != "" {
		c.p.keep = func(env model.Envelope) bool { return env.SourceID == sourceID }
	}
	idx, err := e.store.ListBackups(ctx, store.BackupFilter{SourceID: sourceID, Limit: maxScopeRecords})
	if err != nil {
		return nil, err
	}
	for i := range idx {
		c.addBackup(&idx[i], true)
	}
	if len(idx) == 0 {
		ids, _ := e.listFallback(ctx, backup.Filter{SourceID: sourceID, Limit: maxScopeRecords})
		for _, id := range ids {
			c.p.targets = append(c.p.targets, target{backupID: id})
		}
	}
	recs, err := e.store.ListRawRecords(ctx, store.RawFilter{
		SourceID:   sourceID,
		Statuses:   stalled,
		Unmigrated: true,
		Limit:      maxScopeRecords,
	})
	if err != nil {
		return nil, err
	}
	for i := range recs {
		c.addRecord(recs[i].ID)
	}
	return &c.p, nil
}
