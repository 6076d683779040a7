package helpers

import (
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
)

var jsonSchemaReflector = jsonschema.Reflector{
	Anonymous:                 true,
	AllowAdditionalProperties: true,
	DoNotReference:            true,
	ExpandedStruct:            true,
}

// ConverToInputSchema reflects a tool argument struct into the JSON schema map
// expected by openai.FunctionParameters.
func ConverToInputSchema(args any) (map[string]any, error) {
	jsonSchema := jsonSchemaReflector.ReflectFromType(reflect.TypeOf(args))

	schemaBytes, err := json.Marshal(jsonSchema)
	if err != nil {
		return nil, err
	}
	var inputSchema map[string]any
	if err := json.Unmarshal(schemaBytes, &inputSchema); err != nil {
		return nil, err
	}
	return inputSchema, nil
}
