package capability

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/govexec/internal/canon"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/intent"
)

// HandlerRef is a resolved registration with compiled contracts.
type HandlerRef struct {
	IntentType string
	Realm      string
	Version    *semver.Version
	Handler    Handler

	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// HasInputContract reports whether payloads are validated.
func (r *HandlerRef) HasInputContract() bool { return r.input != nil }

// HasOutputContract reports whether artifacts are validated.
func (r *HandlerRef) HasOutputContract() bool { return r.output != nil }

// Compile validates reg and compiles its contracts.
func Compile(reg Registration) (*HandlerRef, error) {
	if !intent.ValidType(reg.IntentType) {
		return nil, fmt.Errorf("registration: invalid intent type %q", reg.IntentType)
	}
	if reg.Handler == nil {
		return nil, fmt.Errorf("registration %s: handler is required", reg.IntentType)
	}
	version, err := parseVersion(reg.Version)
	if err != nil {
		return nil, fmt.Errorf("registration %s: %w", reg.IntentType, err)
	}
	realm := reg.Realm
	if realm == "" {
		realm = intent.Intent{IntentType: reg.IntentType}.Realm()
	}

	ref := &HandlerRef{
		IntentType: reg.IntentType,
		Realm:      realm,
		Version:    version,
		Handler:    reg.Handler,
	}
	if ref.input, err = compileContract(reg.IntentType, "input", reg.InputContract); err != nil {
		return nil, err
	}
	if ref.output, err = compileContract(reg.IntentType, "output", reg.OutputContract); err != nil {
		return nil, err
	}
	return ref, nil
}

func parseVersion(s string) (*semver.Version, error) {
	if s == "" {
		s = "0.0.0"
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("version %q: %w", s, err)
	}
	return v, nil
}

// compileContract compiles a JSON Schema document. An empty document means
// no contract.
func compileContract(intentType, kind, doc string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, nil
	}
	url := fmt.Sprintf("https://govexec.schemas.local/%s/%s.schema.json", intentType, kind)
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("registration %s: %s contract: %w", intentType, kind, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("registration %s: %s contract: %w", intentType, kind, err)
	}
	return schema, nil
}

// ValidateInput checks payload against the input contract.
func (r *HandlerRef) ValidateInput(payload map[string]any) error {
	if r.input == nil {
		return nil
	}
	if err := validate(r.input, payload); err != nil {
		return fault.Wrap(fault.KindMalformedIntent, err, "payload violates %s input contract", r.IntentType).
			WithDetail("field", "payload")
	}
	return nil
}

// ValidateOutput checks artifacts against the output contract.
func (r *HandlerRef) ValidateOutput(artifacts map[string]any) error {
	if r.output == nil {
		return nil
	}
	if err := validate(r.output, artifacts); err != nil {
		return fault.Wrap(fault.KindHandlerFault, err, "artifacts violate %s output contract", r.IntentType)
	}
	return nil
}

// validate normalizes v to plain JSON values first: the validator only
// understands decoded JSON.
func validate(schema *jsonschema.Schema, v map[string]any) error {
	if v == nil {
		v = map[string]any{}
	}
	raw, err := canon.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
