package validate

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

var compiled sync.Map

// Schema compiles schemaBytes once per distinct document and reuses the
// result for every later call.
func Schema(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := sha256.Sum256(schemaBytes)
	if cached, ok := compiled.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(schemaBytes)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	actual, _ := compiled.LoadOrStore(key, schema)
	return actual.(*jsonschema.Schema), nil
}

func ValidateJSON(schemaBytes []byte, data []byte) error {
	schema, err := Schema(schemaBytes)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

func ValidateJSONL(schemaBytes []byte, data []byte) error {
	schema, err := Schema(schemaBytes)
	if err != nil {
		return err
	}
	return validateJSONL(schema, data)
}

func ValidateJSONLFile(schemaBytes []byte, jsonlPath string) error {
	// #nosec G304 -- jsonl path is explicit local user input.
	data, err := os.ReadFile(jsonlPath)
	if err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return ValidateJSONL(schemaBytes, data)
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

func validateJSONL(schema *jsonschema.Schema, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(schema, b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}
