package ingest

import (
	"bytes"
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed envelope.schema.json
var envelopeSchema []byte

const envelopeSchemaURL = "https://intake-vault.local/envelope.schema.json"

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchema))
	if err != nil {
		return nil, eris.Wrap(err, "ingest: parse envelope schema")
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, eris.Wrap(err, "ingest: add envelope schema")
	}
	sch, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: compile envelope schema")
	}
	return sch, nil
}

// validationMessage flattens a multi-line schema error into one line.
func validationMessage(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, "; ")
}
