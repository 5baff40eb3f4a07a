package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var validParamTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true,
}

func validateTool(t Tool) error {
	if t == nil {
		return errors.New("tool cannot be nil")
	}
	if t.Name() == "" {
		return errors.New("tool name cannot be empty")
	}
	if t.Description() == "" {
		return fmt.Errorf("tool %s: description cannot be empty", t.Name())
	}
	seen := map[string]bool{}
	for _, p := range t.Parameters() {
		switch {
		case p.Name == "":
			return fmt.Errorf("tool %s: parameter name cannot be empty", t.Name())
		case seen[p.Name]:
			return fmt.Errorf("tool %s: duplicate parameter %s", t.Name(), p.Name)
		case !validParamTypes[p.Type]:
			return fmt.Errorf("tool %s: invalid parameter type %q for %s", t.Name(), p.Type, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// BuildSchema renders parameters as a closed JSON schema object.
func BuildSchema(params []Parameter) map[string]any {
	properties := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func compileSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
}

func validateArgs(schema *gojsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}
