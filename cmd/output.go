package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/intake-vault/internal/detector"
	"github.com/sells-group/intake-vault/internal/model"
)

// render writes v as JSON or YAML, or calls text for the text format.
func render(w io.Writer, v any, text func(io.Writer)) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(v)
	default:
		text(w)
		return nil
	}
}

func printOperation(w io.Writer, op *model.RecoveryOperation) {
	fmt.Fprintf(w, "operation %s (%s, %s)\n", op.OperationID, op.Scope, op.Trigger)
	fmt.Fprintf(w, "  status:       %s\n", op.Status)
	fmt.Fprintf(w, "  recovered:    %s\n", humanize.Comma(int64(op.RecordsRecovered)))
	fmt.Fprintf(w, "  failed:       %s\n", humanize.Comma(int64(op.RecordsFailed)))
	fmt.Fprintf(w, "  verification: %s\n", passFail(op.VerificationPassed))
	if op.CompletedAt != nil {
		fmt.Fprintf(w, "  took:         %s\n", op.CompletedAt.Sub(op.StartedAt).Round(time.Millisecond))
	}
	keys := make([]string, 0, len(op.VerificationDetails))
	for k := range op.VerificationDetails {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-13s %v\n", k+":", op.VerificationDetails[k])
	}
}

func printFindings(w io.Writer, rep *detector.Report) {
	fmt.Fprintf(w, "scan at %s\n", rep.ScannedAt.Format(time.RFC3339))
	sections := []struct {
		name     string
		findings []detector.Finding
	}{
		{"session failures", rep.SessionFailures},
		{"data gaps", rep.DataGaps},
		{"processing delays", rep.ProcessingDelays},
	}
	for _, s := range sections {
		fmt.Fprintf(w, "%s: %d\n", s.name, len(s.findings))
		for _, f := range s.findings {
			subject := f.SourceID
			switch {
			case f.SessionID != "":
				subject = "session " + f.SessionID
			case f.Day != "":
				subject = strings.TrimSpace(f.SourceID + " " + f.Day)
			}
			fmt.Fprintf(w, "  [%-6s] %-20s %s: %s\n", f.Severity, f.Kind, subject, f.Detail)
		}
	}
	scans := make([]string, 0, len(rep.Errors))
	for scan := range rep.Errors {
		scans = append(scans, scan)
	}
	sort.Strings(scans)
	for _, scan := range scans {
		fmt.Fprintf(w, "scan %s failed: %s\n", scan, rep.Errors[scan])
	}
}

func passFail(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}
