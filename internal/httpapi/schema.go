package httpapi

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const createDeliverySchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["bookingId", "customer", "tonnage", "containerCount", "driver"],
	"properties": {
		"bookingId": {"type": "string", "minLength": 1},
		"customer": {"type": "string", "minLength": 1},
		"customerPhone": {"type": "string"},
		"tonnage": {"type": "number", "exclusiveMinimum": 0},
		"containerCount": {"type": "integer", "minimum": 1},
		"driver": {
			"type": "object",
			"required": ["name", "vehicleReg"],
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"phone": {"type": "string"},
				"vehicleReg": {"type": "string", "minLength": 1},
				"trailerReg": {"type": "string"},
				"transportCo": {"type": "string"}
			}
		}
	}
}`

const appendCheckpointSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["location", "type"],
	"properties": {
		"location": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"note": {"type": "string"}
	}
}`

const createBookingSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["customer", "mineral", "totalTonnage"],
	"properties": {
		"customer": {"type": "string", "minLength": 1},
		"customerPhone": {"type": "string"},
		"mineral": {"type": "string", "minLength": 1},
		"totalTonnage": {"type": "number", "exclusiveMinimum": 0},
		"loadingPoint": {"type": "string"},
		"deadline": {"type": "string"}
	}
}`

type requestSchemas struct {
	createDelivery   *jsonschema.Schema
	appendCheckpoint *jsonschema.Schema
	createBooking    *jsonschema.Schema
}

func compileSchemas() (*requestSchemas, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		"urn:haulsync:create-delivery":   createDeliverySchemaJSON,
		"urn:haulsync:append-checkpoint": appendCheckpointSchemaJSON,
		"urn:haulsync:create-booking":    createBookingSchemaJSON,
	}
	for url, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(source)))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", url, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}
	out := &requestSchemas{}
	var err error
	if out.createDelivery, err = compiler.Compile("urn:haulsync:create-delivery"); err != nil {
		return nil, err
	}
	if out.appendCheckpoint, err = compiler.Compile("urn:haulsync:append-checkpoint"); err != nil {
		return nil, err
	}
	if out.createBooking, err = compiler.Compile("urn:haulsync:create-booking"); err != nil {
		return nil, err
	}
	return out, nil
}

// validateBody checks the raw request body against the schema before the
// typed decode, so shape errors report as validation failures rather than
// decode panics downstream.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	return schema.Validate(doc)
}
