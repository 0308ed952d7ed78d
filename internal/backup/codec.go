package backup

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-vault/internal/model"
)

// Shared zstd coders; EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic(err)
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

// encode serializes a copy for the non-primary tiers.
func encode(b *model.BackupRecord, compress bool) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, eris.Wrapf(err, "backup: encode %s", b.BackupID)
	}
	if compress {
		return zstdEncoder.EncodeAll(raw, nil), nil
	}
	return raw, nil
}

// decode parses a stored copy. Compressed copies are recognized by the zstd
// frame magic.
func decode(blob []byte, tier model.Tier) (*model.BackupRecord, error) {
	raw := blob
	if isZstd(blob) {
		var err error
		if raw, err = zstdDecoder.DecodeAll(blob, nil); err != nil {
			return nil, eris.Wrap(err, "backup: decompress")
		}
	}
	var b model.BackupRecord
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, eris.Wrap(err, "backup: decode")
	}
	b.Tier = tier
	b.CreatedAt = b.CreatedAt.UTC()
	b.ExpiresAt = b.ExpiresAt.UTC()
	if b.Metadata == nil {
		b.Metadata = map[string]any{}
	}
	return &b, nil
}

func isZstd(b []byte) bool {
	return len(b) >= 4 && b[0] == 0x28 && b[1] == 0xb5 && b[2] == 0x2f && b[3] == 0xfd
}
