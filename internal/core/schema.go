package core

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"healthsync/pkg"
)

type compiledSchema struct {
	text   string
	schema *gojsonschema.Schema
	err    error
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[Variant]*compiledSchema{}
)

func recordFor(v Variant) (any, error) {
	switch v {
	case VariantIntake:
		return pkg.IntakeRecord{}, nil
	case VariantSOAP:
		return pkg.SOAPNote{}, nil
	case VariantChartDelta:
		return pkg.ChartingDelta{}, nil
	default:
		return nil, errors.Errorf("unknown schema variant %q", v)
	}
}

func compiled(v Variant) *compiledSchema {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if c, ok := schemaCache[v]; ok {
		return c
	}
	c := &compiledSchema{}
	schemaCache[v] = c

	rec, err := recordFor(v)
	if err != nil {
		c.err = err
		return c
	}
	r := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(rec)
	// gojsonschema only understands drafts up to 7; the structure used here
	// is identical, so the 2020-12 marker is dropped.
	s.Version = ""
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		c.err = errors.Wrapf(err, "marshal %s schema", v)
		return c
	}
	c.text = string(raw)
	c.schema, c.err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if c.err != nil {
		c.err = errors.Wrapf(c.err, "compile %s schema", v)
	}
	return c
}

// SchemaFor returns the JSON Schema document of the variant's record type.
func SchemaFor(v Variant) (string, error) {
	c := compiled(v)
	if c.err != nil {
		return "", c.err
	}
	return c.text, nil
}

// Validate checks a raw record against the variant's schema. The result is
// advisory; callers never reject a record because of it.
func Validate(v Variant, raw []byte) (pkg.Validation, error) {
	c := compiled(v)
	if c.err != nil {
		return pkg.Validation{}, c.err
	}
	res, err := c.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return pkg.Validation{}, errors.Wrap(err, "validate record")
	}
	out := pkg.Validation{Valid: res.Valid()}
	for _, e := range res.Errors() {
		out.Errors = append(out.Errors, e.String())
	}
	return out, nil
}
