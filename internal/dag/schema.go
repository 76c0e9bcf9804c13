package dag

import (
	_ "embed"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed definition.schema.json
var definitionSchema string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("definition.schema.json", strings.NewReader(definitionSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("definition.schema.json")
	})
	return schema, schemaErr
}

// validateSchema checks the structural shape of a decoded definition before
// any graph validation runs.
func validateSchema(doc any) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		msg := err.Error()
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			msg = leafMessage(ve)
		}
		return invalid(KindSchema, "", "definition does not match schema: "+msg)
	}
	return nil
}

// leafMessage picks the deepest cause, which names the offending location.
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
