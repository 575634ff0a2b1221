package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/querypilot/pkg/schema"
)

// Payload names one of the embedded payload schemas.
type Payload string

const (
	PayloadDSL           Payload = "dsl"
	PayloadPlan          Payload = "plan"
	PayloadClarify       Payload = "clarify"
	PayloadCorrection    Payload = "correction"
	PayloadVisualization Payload = "visualization"
)

var payloads = []Payload{PayloadDSL, PayloadPlan, PayloadClarify, PayloadCorrection, PayloadVisualization}

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://querypilot.dev/schemas/"

// Validator checks oracle payloads and DSL documents against JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type Validator struct {
	schemas map[Payload]*jsonschema.Schema

	// mu guards cache for caller-supplied schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// New compiles every embedded payload schema.
func New() (*Validator, error) {
	c := newCompiler()
	for _, p := range payloads {
		raw, err := schemaFS.ReadFile("schemas/" + string(p) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", p, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", p, err)
		}
		if err := c.AddResource(schemaBaseURL+string(p)+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", p, err)
		}
	}

	v := &Validator{
		schemas: make(map[Payload]*jsonschema.Schema, len(payloads)),
		cache:   make(map[string]*jsonschema.Schema),
	}
	for _, p := range payloads {
		compiled, err := c.Compile(schemaBaseURL + string(p) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", p, err)
		}
		v.schemas[p] = compiled
	}
	return v, nil
}

// MustNew is New for wiring code and tests; it panics if an embedded schema
// does not compile.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// SchemaBytes returns the raw embedded schema for a payload, suitable for
// sending to the oracle as the expected response shape.
func SchemaBytes(p Payload) []byte {
	raw, err := schemaFS.ReadFile("schemas/" + string(p) + ".json")
	if err != nil {
		return nil
	}
	return raw
}

// Validate checks raw JSON against the named payload schema.
func (v *Validator) Validate(p Payload, data []byte) error {
	compiled, ok := v.schemas[p]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown payload schema %q", p)
	}
	return validateBytes(compiled, data, p)
}

// Decode validates data against the payload schema and unmarshals it into out.
func (v *Validator) Decode(p Payload, data []byte, out any) error {
	if err := v.Validate(p, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode %s payload", p).WithCause(err)
	}
	return nil
}

// ValidateAgainst validates data against a caller-supplied schema. Compiled
// schemas are cached by their text.
func (v *Validator) ValidateAgainst(schemaBytes, data []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid response schema").WithCause(err)
	}
	return validateBytes(compiled, data, "")
}

func (v *Validator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("querypilot://response-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

func validateBytes(compiled *jsonschema.Schema, data []byte, payload Payload) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toPipelineError(err, payload)
	}
	return nil
}

// toPipelineError flattens a jsonschema.ValidationError into a
// PipelineError listing each leaf violation with its instance location.
func toPipelineError(err error, payload Payload) *schema.PipelineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	result := &schema.ValidationResult{Payload: string(payload)}
	collectViolations(verr, result)
	if result.Valid() {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	return result.ToError()
}

func collectViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		var keyword string
		if verr.ErrorKind != nil {
			if kp := verr.ErrorKind.KeywordPath(); len(kp) > 0 {
				keyword = kp[len(kp)-1]
			}
		}
		result.Add(loc, keyword, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, result)
	}
}
