package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	createSchemaURL   = "hooktunnel://schema/endpoint-create.json"
	responseSchemaURL = "hooktunnel://schema/response-config.json"
)

const createSchemaJSON = `{
  "type": "object",
  "properties": {
    "ownerId": {"type": "string", "maxLength": 255},
    "expiresInSeconds": {"type": "integer", "minimum": 1},
    "maxRequests": {"type": "integer"},
    "responseStatus": {"type": "integer", "minimum": 100, "maximum": 599},
    "responseHeaders": {"type": "object", "additionalProperties": {"type": "string"}},
    "responseBody": {"type": "string"}
  },
  "additionalProperties": false
}`

const responseSchemaJSON = `{
  "type": "object",
  "properties": {
    "responseStatus": {"type": "integer", "minimum": 100, "maximum": 599},
    "responseHeaders": {"type": "object", "additionalProperties": {"type": "string"}},
    "responseBody": {"type": "string"}
  },
  "additionalProperties": false
}`

// configValidator checks management payloads before they reach the registry.
type configValidator struct {
	create   *jsonschema.Schema
	response *jsonschema.Schema
}

func mustConfigValidator() *configValidator {
	c := jsonschema.NewCompiler()
	compile := func(url, src string) *jsonschema.Schema {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("parse schema %s: %v", url, err))
		}
		if err := c.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("add schema %s: %v", url, err))
		}
		sch, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("compile schema %s: %v", url, err))
		}
		return sch
	}
	return &configValidator{
		create:   compile(createSchemaURL, createSchemaJSON),
		response: compile(responseSchemaURL, responseSchemaJSON),
	}
}

func (v *configValidator) validate(sch *jsonschema.Schema, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return sch.Validate(doc)
}

// decodeConfig validates body against sch and decodes it into dst.
func (v *configValidator) decodeConfig(sch *jsonschema.Schema, body []byte, dst any) error {
	if err := v.validate(sch, body); err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

// compactHeaders strips whitespace while keeping the caller's key order.
func compactHeaders(raw json.RawMessage) (json.RawMessage, error) {
	if raw == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
