package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/mcp-quote-server/internal/validation"
	"github.com/ggoodman/mcp-quote-server/mcp"
)

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	meta                      map[string]any
	allowAdditionalProperties bool
	formats                   map[string]validation.FormatChecker
}

// WithToolTitle sets the human-readable title shown by hosts.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolMeta sets one `_meta` entry on the tool descriptor.
func WithToolMeta(key string, v any) ToolOption {
	return func(c *toolConfig) {
		if c.meta == nil {
			c.meta = map[string]any{}
		}
		c.meta[key] = v
	}
}

// WithToolAllowAdditionalProperties controls whether unknown argument keys are
// accepted. When false (default) the schema sets additionalProperties=false
// and validation rejects unknown keys.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// WithToolFormats replaces the string format checkers applied during
// argument validation. validation.DefaultFormats is used otherwise.
func WithToolFormats(formats map[string]validation.FormatChecker) ToolOption {
	return func(c *toolConfig) { c.formats = formats }
}

// NewTool constructs a StaticTool from a typed args struct A. It reflects a
// JSON Schema from A, advertises it as the tool's input schema and, on each
// call, validates the raw arguments against that schema before decoding them
// into A and invoking fn. Validation failures are returned as invalid params
// protocol errors and fn is not called.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...ToolOption) (StaticTool, error) {
	cfg := toolConfig{formats: validation.DefaultFormats}
	for _, opt := range opts {
		opt(&cfg)
	}

	input := reflectToMCPInputSchema[A](cfg.allowAdditionalProperties)
	validator, err := validation.Compile(input, cfg.formats)
	if err != nil {
		return StaticTool{}, fmt.Errorf("tool %s: %w", name, err)
	}

	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: input,
		Meta:        cfg.meta,
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var raw map[string]any
		if len(req.Arguments) > 0 {
			if err := json.Unmarshal(req.Arguments, &raw); err != nil {
				return nil, InvalidParams("Invalid arguments for tool %s: %v", name, err)
			}
		}
		if err := validator.Validate(raw); err != nil {
			return nil, InvalidParams("Invalid arguments for tool %s: %v", name, err)
		}

		var a A
		if len(req.Arguments) > 0 {
			if err := json.Unmarshal(req.Arguments, &a); err != nil {
				return nil, InvalidParams("Invalid arguments for tool %s: %v", name, err)
			}
		}
		return fn(ctx, a)
	}

	return StaticTool{Descriptor: desc, Handler: handler}, nil
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema.
func reflectToMCPInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	var additional *bool
	if !allowAdditional {
		additional = new(bool)
	}

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: additional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: additional,
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Format:      s.Format,
	}
	if s.Minimum != "" {
		if f, err := s.Minimum.Float64(); err == nil {
			p.Minimum = &f
		}
	}
	if s.Maximum != "" {
		if f, err := s.Maximum.Float64(); err == nil {
			p.Maximum = &f
		}
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// ToolsContainer owns a threadsafe set of tool descriptors and handlers in
// registration order.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler
}

// NewToolsContainer returns an empty container.
func NewToolsContainer() *ToolsContainer {
	return &ToolsContainer{handlers: make(map[string]ToolHandler)}
}

// Add registers def. It returns ErrDuplicate if the name is taken.
func (tc *ToolsContainer) Add(def StaticTool) error {
	name := def.Descriptor.Name
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", name)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if _, exists := tc.handlers[name]; exists {
		return fmt.Errorf("tool %s: %w", name, ErrDuplicate)
	}
	tc.tools = append(tc.tools, def.Descriptor)
	tc.handlers[name] = def.Handler
	return nil
}

// Snapshot returns a copy of the current tool descriptors.
func (tc *ToolsContainer) Snapshot() []mcp.Tool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]mcp.Tool, len(tc.tools))
	copy(out, tc.tools)
	return out
}

// Len returns the number of registered tools.
func (tc *ToolsContainer) Len() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.tools)
}

// Call dispatches req to the named tool. Unknown tools and argument errors
// are returned as protocol errors; any other handler error becomes an
// isError result so the model can see it.
func (tc *ToolsContainer) Call(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	tc.mu.RLock()
	h, ok := tc.handlers[req.Name]
	tc.mu.RUnlock()
	if !ok {
		return nil, InvalidParams("Tool %s not found", req.Name)
	}

	res, err := h(ctx, req)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return nil, err
		}
		return Errorf("%v", err), nil
	}
	if res == nil {
		res = &mcp.CallToolResult{}
	}
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}
	return res, nil
}

// TextResult returns a CallToolResult with a single text content block.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

// Errorf returns an isError CallToolResult with a formatted text message.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	res := TextResult(fmt.Sprintf(format, args...))
	res.IsError = true
	return res
}
