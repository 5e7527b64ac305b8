package cumulus

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type Kind string

const (
	KindGranule        Kind = "granule"
	KindExecution      Kind = "execution"
	KindPdr            Kind = "pdr"
	KindCollection     Kind = "collection"
	KindProvider       Kind = "provider"
	KindRule           Kind = "rule"
	KindAsyncOperation Kind = "async_operation"
)

var (
	schemasOnce sync.Once
	schemasErr  error
	schemas     map[Kind]*jsonschema.Schema
)

func loadSchemas() {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	kinds := []Kind{KindGranule, KindExecution, KindPdr, KindCollection, KindProvider, KindRule, KindAsyncOperation}
	for _, kind := range kinds {
		name := "schemas/" + string(kind) + ".json"
		raw, err := schemaFS.ReadFile(name)
		if err != nil {
			schemasErr = err
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			schemasErr = fmt.Errorf("parse %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(name, doc); err != nil {
			schemasErr = err
			return
		}
	}
	compiled := make(map[Kind]*jsonschema.Schema, len(kinds))
	for _, kind := range kinds {
		sch, err := compiler.Compile("schemas/" + string(kind) + ".json")
		if err != nil {
			schemasErr = fmt.Errorf("compile %s schema: %w", kind, err)
			return
		}
		compiled[kind] = sch
	}
	schemas = compiled
}

// ValidateDocument checks a raw API document against the schema for kind.
func ValidateDocument(kind Kind, body []byte) error {
	schemasOnce.Do(loadSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	sch, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown document kind %q", ErrInvalidInput, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &ValidationError{Kind: string(kind), Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{Kind: string(kind), Err: err}
	}
	return nil
}

// ValidateValue marshals v and validates the result.
func ValidateValue(kind Kind, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ValidateDocument(kind, body)
}
