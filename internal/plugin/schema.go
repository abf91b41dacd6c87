// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package plugin

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/chatplug/chatplug/pkg/api"
)

// SchemaID is the schema $id manifest files may reference.
const SchemaID = "https://chatplug.dev/schemas/manifest.schema.json"

var (
	schemaOnce sync.Once
	schemaErr  error
	schema     *jschema.Schema
)

// GenerateSchema generates a JSON Schema from the Manifest struct.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	s := r.Reflect(&api.Manifest{})

	s.ID = jsonschema.ID(SchemaID)
	s.Title = "ChatPlug Plugin Manifest"
	s.Description = "Schema for manifest.yaml files"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, oops.Code("SCHEMA_GENERATE_FAILED").Wrapf(err, "marshal schema")
	}
	return data, nil
}

// ValidateSchema validates YAML manifest data against the generated
// manifest JSON Schema. This is structural validation only; semantic
// checks live on Manifest.Validate.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return oops.Code("SCHEMA_INVALID").Errorf("manifest data is empty")
	}

	var yamlData any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return oops.Code("SCHEMA_INVALID").Wrapf(err, "invalid YAML")
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}

	if err := sch.Validate(convertToJSONTypes(yamlData)); err != nil {
		return oops.Code("SCHEMA_INVALID").Wrapf(err, "schema validation failed")
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	schemaOnce.Do(func() {
		var schemaBytes []byte
		schemaBytes, schemaErr = GenerateSchema()
		if schemaErr != nil {
			return
		}

		var schemaData any
		if err := json.Unmarshal(schemaBytes, &schemaData); err != nil {
			schemaErr = oops.Code("SCHEMA_COMPILE_FAILED").Wrapf(err, "parse schema JSON")
			return
		}

		c := jschema.NewCompiler()
		if err := c.AddResource("schema.json", schemaData); err != nil {
			schemaErr = oops.Code("SCHEMA_COMPILE_FAILED").Wrapf(err, "add schema resource")
			return
		}
		schema, schemaErr = c.Compile("schema.json")
		if schemaErr != nil {
			schemaErr = oops.Code("SCHEMA_COMPILE_FAILED").Wrap(schemaErr)
		}
	})
	return schema, schemaErr
}

// convertToJSONTypes converts YAML-parsed data to JSON-compatible types.
// YAML produces map[string]any already, but nested values need the same
// treatment recursively.
func convertToJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = convertToJSONTypes(v)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = convertToJSONTypes(v)
		}
		return result
	case string, int, int64, float64, bool, nil:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var result any
			if err := json.Unmarshal(b, &result); err == nil {
				return result
			}
		}
		return val
	}
}

// FormatSchemaError strips the wrapping prefix from a validation error
// for display.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.Index(msg, "schema validation failed: "); i >= 0 {
		msg = msg[i+len("schema validation failed: "):]
	}
	return msg
}
