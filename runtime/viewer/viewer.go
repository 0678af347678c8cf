// Package viewer is a typed client for the slide viewer's tool surface. It
// issues tools/call requests through an RPC transport, unwraps the result
// envelopes the viewer returns, and classifies remote failures so callers can
// branch on error kind instead of matching message strings.
package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pathscope/slidepilot/runtime/mcp"
)

type (
	// Transport submits RPC requests and notifications. *mcp.Session
	// implements it; tests substitute fakes.
	Transport interface {
		Call(ctx context.Context, method string, params any) (json.RawMessage, error)
		Notify(ctx context.Context, method string, params any) error
	}

	// Options configures a viewer client.
	Options struct {
		// Transport carries the RPC traffic. Required.
		Transport Transport
		// ToolSchemas maps tool names to JSON Schemas their arguments are
		// validated against before submission. Tools without an entry are
		// submitted as-is.
		ToolSchemas map[string][]byte
	}

	// Client wraps the generic RPC transport with typed tool calls.
	Client struct {
		transport Transport
		schemas   map[string]*jsonschema.Schema
	}

	// callEnvelope is the tools/call result shape: an ordered list of content
	// blocks, an optional structured payload, and an error flag for failures
	// the remote reports in-band rather than as protocol errors.
	callEnvelope struct {
		Content           []contentBlock  `json:"content"`
		StructuredContent json.RawMessage `json:"structuredContent"`
		IsError           bool            `json:"isError"`
	}

	contentBlock struct {
		Type     string  `json:"type"`
		Text     *string `json:"text"`
		MimeType *string `json:"mimeType"`
	}
)

// New builds a viewer client, compiling any configured argument schemas.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	c := &Client{transport: opts.Transport}
	if len(opts.ToolSchemas) > 0 {
		c.schemas = make(map[string]*jsonschema.Schema, len(opts.ToolSchemas))
		for tool, raw := range opts.ToolSchemas {
			schema, err := compileSchema(raw)
			if err != nil {
				return nil, fmt.Errorf("compile schema for tool %s: %w", tool, err)
			}
			c.schemas[tool] = schema
		}
	}
	return c, nil
}

// CallTool invokes a named tool and unwraps its result envelope. Unwrap
// order: an error-flagged envelope raises a classified tool error; a
// structured payload is returned directly; otherwise the first text block is
// parsed as JSON. Any other shape comes back verbatim.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	if err := c.validateArgs(tool, args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.transport.Call(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		var rerr *mcp.RemoteError
		if errors.As(err, &rerr) {
			return nil, classifyRemote(tool, rerr)
		}
		return nil, err
	}

	var env callEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &mcp.ProtocolError{Reason: "malformed tool result for " + tool, Err: err}
	}
	if env.IsError {
		return nil, classifyEnvelope(tool, env)
	}
	if len(env.StructuredContent) > 0 {
		return env.StructuredContent, nil
	}
	if block, ok := firstText(env); ok {
		text := []byte(block)
		if json.Valid(text) {
			return json.RawMessage(text), nil
		}
		quoted, err := json.Marshal(block)
		if err != nil {
			return nil, err
		}
		return quoted, nil
	}
	return raw, nil
}

// call invokes a tool and decodes its payload into out. A nil out discards
// the payload.
func (c *Client) call(ctx context.Context, tool string, args map[string]any, out any) error {
	raw, err := c.CallTool(ctx, tool, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &mcp.ProtocolError{Reason: "decode " + tool + " result", Err: err}
	}
	return nil
}

func (c *Client) validateArgs(tool string, args map[string]any) error {
	schema, ok := c.schemas[tool]
	if !ok {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so typed argument values are walked the same
	// way the remote will decode them.
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return &ToolError{
			Tool:    tool,
			Code:    mcp.JSONRPCInvalidParams,
			Message: fmt.Sprintf("invalid arguments: %v", err),
		}
	}
	return nil
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile("schema.json")
}

func firstText(env callEnvelope) (string, bool) {
	for _, block := range env.Content {
		if block.Type == "text" && block.Text != nil {
			return *block.Text, true
		}
	}
	return "", false
}

// classifyRemote maps a protocol-level error object onto the tool error
// taxonomy. An internal error whose message reports the capability as not
// yet implemented becomes the distinguished NotImplementedError.
func classifyRemote(tool string, rerr *mcp.RemoteError) error {
	if rerr.Code == mcp.JSONRPCInternalError && notImplemented(rerr.Message) {
		return &NotImplementedError{ToolError{Tool: tool, Code: rerr.Code, Message: rerr.Message}}
	}
	return &ToolError{
		Tool:      tool,
		Code:      rerr.Code,
		Message:   rerr.Message,
		Retryable: retryableCode(rerr.Code),
	}
}

// classifyEnvelope maps an error-flagged result envelope the same way; these
// carry no numeric code, only the message text.
func classifyEnvelope(tool string, env callEnvelope) error {
	message, _ := firstText(env)
	if message == "" {
		message = "tool reported an error without a message"
	}
	if notImplemented(message) {
		return &NotImplementedError{ToolError{Tool: tool, Message: message}}
	}
	return &ToolError{Tool: tool, Message: message}
}

func notImplemented(message string) bool {
	return strings.Contains(strings.ToLower(message), "not yet implemented")
}

// retryableCode reports whether a remote code signals a transient server
// condition. The generic server-error band is; the fixed protocol codes
// (parse, invalid request, method not found, invalid params, internal) are
// not.
func retryableCode(code int) bool {
	return code >= mcp.JSONRPCServerErrorMin && code <= mcp.JSONRPCServerErrorMax
}
