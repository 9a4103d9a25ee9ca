package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoJSON is returned when a completion contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

// ExtractJSON returns the first balanced JSON object or array in text,
// skipping markdown fences and any prose around it.
func ExtractJSON(text string) (string, error) {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", ErrNoJSON
	}
	open, closing := text[start], byte('}')
	if open == '[' {
		closing = ']'
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closing:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}

// Schema validates model output against a JSON Schema before decoding it
// into a Go value.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// MustCompileSchema panics on an invalid schema; schemas are package-level
// constants.
func MustCompileSchema(name, src string) *Schema {
	s, err := jsonschema.CompileString(name, src)
	if err != nil {
		panic(fmt.Sprintf("llm: compile schema %s: %v", name, err))
	}
	return &Schema{name: name, schema: s}
}

// Decode extracts JSON from raw, validates it and unmarshals into out.
func (s *Schema) Decode(raw string, out any) error {
	doc, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader([]byte(doc)))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("%s: malformed JSON: %w", s.name, err)
	}
	if err := s.schema.Validate(generic); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}

// CompleteJSON asks gen for a completion and decodes it through schema.
func CompleteJSON(ctx context.Context, gen TextGenerator, schema *Schema, prompt string, out any) error {
	raw, err := gen.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	return schema.Decode(raw, out)
}
