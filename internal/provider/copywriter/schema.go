package copywriter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const copySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["title", "body_html", "tags"],
  "properties": {
    "title":        {"type": "string", "minLength": 1, "maxLength": 255},
    "seo_title":    {"type": "string", "maxLength": 70},
    "body_html":    {"type": "string", "minLength": 1},
    "tags":         {"type": "array", "items": {"type": "string"}, "maxItems": 25},
    "product_type": {"type": "string"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(copySchema))
	})
	return compiledSchema, schemaErr
}

// validateCopyJSON checks a model answer against the copy schema.
func validateCopyJSON(raw string) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load copy schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return fmt.Errorf("copy is not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		msgs = append(msgs, field+": "+desc.Description())
	}
	return fmt.Errorf("copy does not match schema: %s", strings.Join(msgs, "; "))
}
