package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tealeg/xlsx/v2"
)

// Format is an intake file format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

// DetectFormat picks the format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL, nil
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// Reserved table columns. Every other column becomes a payload key.
const (
	colID        = "id"
	colSourceID  = "source_id"
	colSessionID = "session_id"
	colScrapedAt = "scraped_at"
)

var reservedColumns = map[string]bool{colID: true, colSourceID: true, colSessionID: true, colScrapedAt: true}

// Layouts accepted for scraped_at in spreadsheet cells.
var tableTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// item is one decoded input row. Line is 1-based; a row that could not be
// decoded carries Err instead of Doc.
type item struct {
	Line int
	Doc  map[string]any
	Err  error
}

// streamItems decodes path and sends its rows to a channel. Both channels
// are closed when reading completes; a fatal read error is sent on the
// error channel.
func streamItems(ctx context.Context, path string, format Format) (<-chan item, <-chan error) {
	itemCh := make(chan item, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(itemCh)
		defer close(errCh)

		send := func(it item) bool {
			select {
			case itemCh <- it:
				return true
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "ingest: context cancelled")
				return false
			}
		}

		var err error
		switch format {
		case FormatJSONL:
			err = readJSONL(ctx, path, send)
		case FormatCSV:
			err = readCSV(path, send)
		case FormatXLSX:
			err = readXLSX(path, send)
		default:
			err = eris.Errorf("ingest: unsupported format %q", format)
		}
		if err != nil {
			errCh <- err
		}
	}()

	return itemCh, errCh
}

func readJSONL(ctx context.Context, path string, send func(item) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrap(err, "ingest: open jsonl")
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if ctx.Err() != nil {
			return nil
		}
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		it := item{Line: line}
		v, err := jsonschema.UnmarshalJSON(bytes.NewReader(text))
		if err != nil {
			it.Err = eris.Wrap(err, "invalid json")
		} else if doc, ok := v.(map[string]any); ok {
			it.Doc = doc
		} else {
			it.Err = eris.New("line is not a json object")
		}
		if !send(it) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return eris.Wrap(err, "ingest: read jsonl")
	}
	return nil
}

func readCSV(path string, send func(item) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrap(err, "ingest: open csv")
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.LazyQuotes = true

	var header []string
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "ingest: read csv row")
		}
		line++
		if header == nil {
			header = normalizeHeader(record)
			continue
		}
		if doc := tableDoc(header, record); doc != nil {
			if !send(item{Line: line, Doc: doc}) {
				return nil
			}
		}
	}
}

func readXLSX(path string, send func(item) bool) error {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return eris.Wrap(err, "ingest: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return eris.New("ingest: xlsx has no sheets")
	}

	var header []string
	for i, row := range f.Sheets[0].Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		if header == nil {
			header = normalizeHeader(cells)
			continue
		}
		if doc := tableDoc(header, cells); doc != nil {
			if !send(item{Line: i + 1, Doc: doc}) {
				return nil
			}
		}
	}
	return nil
}

func normalizeHeader(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(c, "\ufeff")))
	}
	return out
}

// tableDoc turns a spreadsheet row into an envelope document. Blank rows
// return nil.
func tableDoc(header, cells []string) map[string]any {
	doc := map[string]any{}
	payload := map[string]any{}
	for i, raw := range cells {
		if i >= len(header) || header[i] == "" {
			continue
		}
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		col := header[i]
		switch {
		case col == colScrapedAt:
			doc[col] = normalizeTime(v)
		case reservedColumns[col]:
			doc[col] = v
		default:
			payload[col] = v
		}
	}
	if len(doc) == 0 && len(payload) == 0 {
		return nil
	}
	doc["payload"] = payload
	return doc
}

// normalizeTime rewrites common spreadsheet timestamps as RFC 3339 in UTC.
// Unparseable values pass through for the schema to reject.
func normalizeTime(v string) string {
	for _, layout := range tableTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return v
}
