package queue

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xase-labs/xase-core/pkg/xerrors"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var schemaFiles = map[string]string{
	TypeGenerateBundle: "schemas/generate_bundle.schema.json",
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() {
	schemas = make(map[string]*jsonschema.Schema, len(schemaFiles))
	for jobType, file := range schemaFiles {
		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			schemasErr = fmt.Errorf("queue: read schema %s: %w", file, err)
			return
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		url := "https://xase.schemas.local/jobs/" + file
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			schemasErr = fmt.Errorf("queue: load schema %s: %w", file, err)
			return
		}
		compiled, err := c.Compile(url)
		if err != nil {
			schemasErr = fmt.Errorf("queue: compile schema %s: %w", file, err)
			return
		}
		schemas[jobType] = compiled
	}
}

// ValidatePayload checks a JSON payload against the schema registered for
// jobType. Types without a schema only need to be a JSON object.
func ValidatePayload(jobType string, payload []byte) error {
	const op = "queue.validate"
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidInput, op, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return xerrors.New(xerrors.CodeInvalidInput, op, "%s payload must be a JSON object", jobType)
	}
	sch, ok := schemas[jobType]
	if !ok {
		return nil
	}
	if err := sch.Validate(doc); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidInput, op, fmt.Errorf("%s payload: %w", jobType, err))
	}
	return nil
}

// encodePayload marshals payload (or passes raw JSON through) and validates it.
func encodePayload(jobType string, payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidInput, "queue.encode", err)
		}
		raw = b
	}
	if err := ValidatePayload(jobType, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// DecodeGenerateBundle parses and validates a GENERATE_BUNDLE payload.
func DecodeGenerateBundle(payload []byte) (*GenerateBundlePayload, error) {
	if err := ValidatePayload(TypeGenerateBundle, payload); err != nil {
		return nil, err
	}
	var p GenerateBundlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, "queue.decode", err)
	}
	return &p, nil
}
