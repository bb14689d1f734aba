// Package schema validates karma-log payloads against the embedded JSON
// Schemas before they are decoded into karma types.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mbd888/karmaguard/internal/karma"
)

//go:embed schemas/*.json
var files embed.FS

const baseURL = "https://karmaguard.dev/schemas/"

// Schema names.
const (
	Log     = "log.schema.json"
	Request = "request.schema.json"
	Batch   = "batch.schema.json"
)

// ValidationError reports a payload that is not a well-formed karma log.
type ValidationError struct {
	Schema string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Schema, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func load() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		entries, err := files.ReadDir("schemas")
		if err != nil {
			compileErr = err
			return
		}
		for _, e := range entries {
			data, err := files.ReadFile(path.Join("schemas", e.Name()))
			if err != nil {
				compileErr = err
				return
			}
			if err := compiler.AddResource(baseURL+e.Name(), bytes.NewReader(data)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", e.Name(), err)
				return
			}
		}
		compiled = make(map[string]*jsonschema.Schema, len(entries))
		for _, e := range entries {
			s, err := compiler.Compile(baseURL + e.Name())
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", e.Name(), err)
				return
			}
			compiled[e.Name()] = s
		}
	})
	return compiled, compileErr
}

// Validate checks raw JSON against the named schema.
func Validate(name string, data []byte) error {
	schemas, err := load()
	if err != nil {
		return err
	}
	s, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return &ValidationError{Schema: name, Err: err}
	}
	if err := s.Validate(instance); err != nil {
		return &ValidationError{Schema: name, Err: err}
	}
	return nil
}

// DecodeUserLog validates and decodes a single analysis request. user_id
// is required here.
func DecodeUserLog(data []byte) (karma.UserLog, error) {
	var log karma.UserLog
	if err := Validate(Request, data); err != nil {
		return log, err
	}
	if err := json.Unmarshal(data, &log); err != nil {
		return log, &ValidationError{Schema: Request, Err: err}
	}
	return log, nil
}

// DecodeLogs validates and decodes a batch: either a JSON array of logs or
// a single log object. user_id may be absent in batch input.
func DecodeLogs(data []byte) ([]karma.UserLog, error) {
	if err := Validate(Batch, data); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var log karma.UserLog
		if err := json.Unmarshal(trimmed, &log); err != nil {
			return nil, &ValidationError{Schema: Batch, Err: err}
		}
		return []karma.UserLog{log}, nil
	}
	var logs []karma.UserLog
	if err := json.Unmarshal(trimmed, &logs); err != nil {
		return nil, &ValidationError{Schema: Batch, Err: err}
	}
	return logs, nil
}
