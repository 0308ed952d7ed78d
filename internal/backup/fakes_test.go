package backup

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sells-group/intake-vault/internal/model"
)

// memTier is an in-memory Tier. Stored data is copied so tests can corrupt a
// single copy.
type memTier struct {
	name model.Tier

	mu       sync.Mutex
	items    map[string]*model.BackupRecord
	saves    int
	loads    int
	saveErr  error
	loadErr  error
	disabled bool
}

func newMemTier(name model.Tier) *memTier {
	return &memTier{name: name, items: map[string]*model.BackupRecord{}}
}

func (m *memTier) Name() model.Tier { return m.name }

func (m *memTier) Enabled() bool { return !m.disabled }

func (m *memTier) Save(_ context.Context, b *model.BackupRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return "", m.saveErr
	}
	c := b.CopyFor(m.name)
	c.Data = append([]byte(nil), b.Data...)
	m.items[b.BackupID] = c
	return string(m.name) + "/" + b.BackupID, nil
}

func (m *memTier) Load(_ context.Context, id string) (*model.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	b, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	c := *b
	if !c.Verify() {
		return &c, corrupted(m.name, id, "checksum mismatch")
	}
	return &c, nil
}

func (m *memTier) List(_ context.Context, f Filter) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, b := range m.items {
		if inWindow(b.CreatedAt, f) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memTier) CleanupExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, b := range m.items {
		if b.Expired(now) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *memTier) corrupt(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id].Data[0] ^= 0xff
}

func (m *memTier) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[id]
	return ok
}

// memObjects is an in-memory ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	objects map[string]ObjectInfo
	blobs   map[string][]byte
	now     func() time.Time
	putErr  error
}

func newMemObjects(now func() time.Time) *memObjects {
	return &memObjects{objects: map[string]ObjectInfo{}, blobs: map[string][]byte{}, now: now}
}

func (m *memObjects) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.blobs[key] = append([]byte(nil), data...)
	m.objects[key] = ObjectInfo{Key: key, Size: int64(len(data)), Modified: m.now()}
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *memObjects) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.blobs, key)
	return nil
}

func testBackup(id string, created time.Time) *model.BackupRecord {
	b := model.NewBackupRecord("bizinfo", []byte(`{"title":"Youth Startup Grant"}`), map[string]any{
		model.MetaRawRecordID: "r-" + id,
		model.MetaSessionID:   "s1",
	}, created, 24*time.Hour)
	b.BackupID = id
	return b
}
