package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// MCPServerConfig describes one MCP server and the tools taken from it.
// Exactly one of Command and Endpoint is set.
type MCPServerConfig struct {
	Name     string          `mapstructure:"name"`
	Command  []string        `mapstructure:"command"`
	Endpoint string          `mapstructure:"endpoint"`
	Tools    []MCPToolConfig `mapstructure:"tools"`
}

// MCPToolConfig declares one remote tool. Idempotency must be declared because
// MCP tool metadata does not say whether a call has side effects.
type MCPToolConfig struct {
	Tool        string        `mapstructure:"tool"`
	Idempotency Idempotency   `mapstructure:"idempotency"`
	Category    string        `mapstructure:"category"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Caller is the subset of an MCP client session used by the adapter.
type Caller interface {
	CallTool(ctx context.Context, params *sdkmcp.CallToolParams) (*sdkmcp.CallToolResult, error)
}

// DialMCP opens a client session to the configured server.
func DialMCP(ctx context.Context, cfg MCPServerConfig) (*sdkmcp.ClientSession, error) {
	var transport sdkmcp.Transport
	switch {
	case len(cfg.Command) > 0:
		transport = &sdkmcp.CommandTransport{Command: exec.Command(cfg.Command[0], cfg.Command[1:]...)}
	case cfg.Endpoint != "":
		transport = &sdkmcp.StreamableClientTransport{Endpoint: cfg.Endpoint}
	default:
		return nil, errs.Config("mcp server %q needs a command or an endpoint", cfg.Name)
	}
	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "diligence", Version: "v1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, errs.Wrapf(err, "connect mcp server %s", cfg.Name)
	}
	return session, nil
}

// MCPAdapter exposes one MCP tool as a pipeline adapter named "mcp_<tool>".
type MCPAdapter struct {
	server string
	cfg    MCPToolConfig
	caller Caller
	logger *zap.Logger
}

// NewMCPAdapter wraps cfg.Tool served through caller.
func NewMCPAdapter(server string, cfg MCPToolConfig, caller Caller, logger *zap.Logger) (*MCPAdapter, error) {
	if cfg.Tool == "" {
		return nil, errs.Config("mcp tool on server %q has no name", server)
	}
	switch cfg.Idempotency {
	case SafeToRetry, SideEffecting:
	case "":
		cfg.Idempotency = SideEffecting
	default:
		return nil, errs.Config("mcp tool %q: unknown idempotency %q", cfg.Tool, cfg.Idempotency)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MCPAdapter{server: server, cfg: cfg, caller: caller, logger: logger}, nil
}

func (a *MCPAdapter) Name() string                    { return "mcp_" + a.cfg.Tool }
func (a *MCPAdapter) Version() string                 { return a.server }
func (a *MCPAdapter) MaxExecutionTime() time.Duration { return a.cfg.Timeout }
func (a *MCPAdapter) Idempotency() Idempotency        { return a.cfg.Idempotency }

// Execute forwards params (minus pipeline-only keys) as tool arguments and
// turns the tool output into one structured_data item.
func (a *MCPAdapter) Execute(ctx context.Context, params Params) (*Result, error) {
	args := make(map[string]interface{}, len(params))
	for k, v := range params {
		if k == "category" {
			continue
		}
		args[k] = v
	}

	res, err := a.caller.CallTool(ctx, &sdkmcp.CallToolParams{Name: a.cfg.Tool, Arguments: args})
	if err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
		return nil, &ToolError{Type: ErrUpstream, Message: "mcp call " + a.cfg.Tool, Err: err}
	}

	text := mcpText(res)
	if res.IsError {
		return nil, &ToolError{Type: ErrUpstream, Message: "mcp tool error: " + util.TruncateString(text, 200, true), Permanent: true}
	}

	payload := text
	if res.StructuredContent != nil {
		if buf, err := json.Marshal(res.StructuredContent); err == nil {
			payload = string(buf)
		}
	}
	if strings.TrimSpace(payload) == "" {
		return nil, NewError(ErrInvalidResponse, "mcp tool %s returned no content", a.cfg.Tool)
	}

	category := params.String("category")
	if category == "" {
		category = a.cfg.Category
	}
	fields := flattenFields(payload)
	now := time.Now().UTC()
	summary := util.TruncateString(util.CollapseWhitespace(text), 300, true)
	if summary == "" {
		summary = fmt.Sprintf("%s returned %d fields", a.cfg.Tool, len(fields))
	}
	item := &models.EvidenceItem{
		Type:     models.EvidenceStructuredData,
		Category: category,
		Source:   models.EvidenceSource{API: "mcp://" + a.server + "/" + a.cfg.Tool, Tool: a.Name(), RetrievedAt: now},
		Content:  models.EvidenceContent{Raw: payload, Processed: util.CollapseWhitespace(text), Summary: summary},
		Metadata: models.EvidenceMetadata{Confidence: 0.6, Relevance: 0.6, TokenCount: approxTokens(text)},
		Breadcrumbs: []models.Breadcrumb{{
			Step:             "mcp_call",
			Query:            a.cfg.Tool,
			ExtractionMethod: "mcp_tool_result",
			Selectors:        sortedKeys(fields),
			At:               now,
		}},
		Detail: models.StructuredDataDetail{Schema: "mcp/" + a.cfg.Tool, Fields: fields},
	}
	return &Result{
		Evidence:       []*models.EvidenceItem{item},
		Summary:        fmt.Sprintf("%s/%s returned %d fields", a.server, a.cfg.Tool, len(fields)),
		APICallsMade:   1,
		BytesProcessed: int64(len(payload)),
	}, nil
}

func mcpText(res *sdkmcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// flattenFields maps the top-level keys of a JSON object to their string form.
// Non-object payloads land under "text".
func flattenFields(payload string) map[string]string {
	fields := make(map[string]string)
	res := gjson.Parse(payload)
	if !gjson.Valid(payload) || !res.IsObject() {
		fields["text"] = util.TruncateString(payload, 2000, true)
		return fields
	}
	res.ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.String {
			fields[k.String()] = v.String()
		} else {
			fields[k.String()] = v.Raw
		}
		return true
	})
	return fields
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
