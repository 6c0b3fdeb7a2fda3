package validation

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/procflow/pkg/schema"
)

//go:embed schemas/process.json
var schemaFS embed.FS

const processSchemaURL = "https://procflow.dev/schemas/process.json"

// SchemaValidator checks definitions against the embedded process JSON
// Schema (draft 2020-12) and start variables against a definition's
// input_schema. Compiled input schemas are kept per content hash.
type SchemaValidator struct {
	process *jsonschema.Schema
	inputs  sync.Map // sha256 hex -> *jsonschema.Schema
}

func NewSchemaValidator() (*SchemaValidator, error) {
	raw, err := schemaFS.ReadFile("schemas/process.json")
	if err != nil {
		return nil, fmt.Errorf("read process schema: %w", err)
	}
	compiled, err := compileSchema(processSchemaURL, raw)
	if err != nil {
		return nil, fmt.Errorf("process schema: %w", err)
	}
	return &SchemaValidator{process: compiled}, nil
}

// CheckDefinition returns the structural issues of def, including an
// input_schema that does not compile.
func (v *SchemaValidator) CheckDefinition(def *schema.ProcessDefinition) []schema.Issue {
	doc, err := jsonValue(def)
	if err != nil {
		return []schema.Issue{{Path: "/", Message: "definition is not serializable: " + err.Error(), Severity: schema.SeverityError}}
	}
	if err := v.process.Validate(doc); err != nil {
		return violations(err)
	}
	if len(def.InputSchema) > 0 {
		if _, err := v.input(def.InputSchema); err != nil {
			return []schema.Issue{{Path: "/input_schema", Message: "invalid input_schema: " + err.Error(), Severity: schema.SeverityError}}
		}
	}
	return nil
}

// ValidateInput checks start variables against inputSchema. An empty schema
// accepts anything; nil input is checked as an empty object.
func (v *SchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	compiled, err := v.input(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	if input == nil {
		input = map[string]any{}
	}
	doc, err := jsonValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "start variables are not serializable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		issues := violations(err)
		result := &schema.ValidationResult{Errors: issues}
		return schema.NewErrorf(schema.ErrCodeValidation, "start variables do not match input_schema: %s", summarize(issues)).
			WithCause(err).
			WithDetails(map[string]any{"errors": result.Errors})
	}
	return nil
}

func (v *SchemaValidator) input(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if cached, ok := v.inputs.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := compileSchema("procflow://input-schema/"+key, raw)
	if err != nil {
		return nil, err
	}
	actual, _ := v.inputs.LoadOrStore(key, compiled)
	return actual.(*jsonschema.Schema), nil
}

// compileSchema compiles one document with its own compiler, so resources
// never collide, and with format assertions on.
func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// jsonValue round-trips v through JSON so numbers become json.Number, the
// form the jsonschema library validates.
func jsonValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// violations flattens a validation error into its leaf causes, each located
// by its JSON pointer in the instance.
func violations(err error) []schema.Issue {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []schema.Issue{{Path: "/", Message: err.Error(), Severity: schema.SeverityError}}
	}
	var out []schema.Issue
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, schema.Issue{
				Path:     "/" + strings.Join(e.InstanceLocation, "/"),
				Message:  e.Error(),
				Severity: schema.SeverityError,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}

func summarize(issues []schema.Issue) string {
	if len(issues) == 0 {
		return "no details"
	}
	if len(issues) == 1 {
		return issues[0].String()
	}
	return fmt.Sprintf("%s (and %d more)", issues[0].String(), len(issues)-1)
}
