package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var ErrInvalidArgs = errors.New("invalid arguments")

var schemaPrinter = message.NewPrinter(language.English)

// Typed tools declare their argument shape as a struct; the dispatcher
// publishes its JSON Schema and validates invocations against it.
type Typed interface {
	ArgsShape() any
}

// ToolInfo is the catalog entry served to agents.
type ToolInfo struct {
	Name     string               `json:"name"`
	Category types.ActionCategory `json:"category"`
	Args     json.RawMessage      `json:"args_schema,omitempty"`
}

type argSchema struct {
	raw      json.RawMessage
	compiled *sjsonschema.Schema
}

func reflectArgs(name string, shape any) (*argSchema, error) {
	r := &jsonschema.Reflector{
		Anonymous:                  true,
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(shape)
	s.Title = name + " arguments"
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", name, err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s schema: %w", name, err)
	}
	url := name + ".args.json"
	c := sjsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &argSchema{raw: raw, compiled: compiled}, nil
}

func (s *argSchema) validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip so numbers and nested values have the shapes the
	// validator expects.
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	err = s.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *sjsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	var msgs []string
	for _, leaf := range leafCauses(ve) {
		loc := "/" + strings.Join(leaf.InstanceLocation, "/")
		msgs = append(msgs, loc+": "+leaf.ErrorKind.LocalizedString(schemaPrinter))
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgs, strings.Join(msgs, "; "))
}

func leafCauses(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var out []*sjsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}
