package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// MCP is an Invoker backed by an MCP server over streamable HTTP.
// Each invocation maps to one CallTool request against the tool named
// "<tool>_<action>"; connectors register their actions under that
// naming scheme. The session is initialized lazily on first use.
type MCP struct {
	client  *mcpclient.Client
	logger  *slog.Logger
	initOne sync.Once
	initErr error
}

// NewMCP creates an MCP gateway for the given endpoint URL. Headers
// may carry authentication; nil is fine.
func NewMCP(endpoint string, headers map[string]string, logger *slog.Logger) (*MCP, error) {
	opts := []mcptransport.StreamableHTTPCOption{}
	if len(headers) > 0 {
		opts = append(opts, mcptransport.WithHTTPHeaders(headers))
	}
	c, err := mcpclient.NewStreamableHttpClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("gateway: mcp client: %w", err)
	}
	return &MCP{client: c, logger: logger}, nil
}

// Close shuts down the MCP session.
func (m *MCP) Close() error {
	return m.client.Close()
}

func (m *MCP) initialize(ctx context.Context) error {
	m.initOne.Do(func() {
		_, m.initErr = m.client.Initialize(ctx, mcplib.InitializeRequest{
			Params: mcplib.InitializeParams{
				ClientInfo: mcplib.Implementation{Name: "dandori", Version: "1.0"},
			},
		})
	})
	return m.initErr
}

// Invoke implements Invoker. A tool-level failure (IsError result)
// comes back as Result{OK: false} rather than an error; errors are
// reserved for transport and cancellation.
func (m *MCP) Invoke(ctx context.Context, tool, action string, args map[string]any) (Result, error) {
	if err := m.initialize(ctx); err != nil {
		return Result{}, fmt.Errorf("gateway: mcp initialize: %w", err)
	}

	name := tool
	if action != "" {
		name = tool + "_" + action
	}
	res, err := m.client.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("gateway: call %s: %w", name, err)
	}

	out := Result{OK: !res.IsError, Data: map[string]any{}}
	var texts []string
	for _, content := range res.Content {
		tc, ok := content.(mcplib.TextContent)
		if !ok {
			continue
		}
		texts = append(texts, tc.Text)
		// Connectors reply with a JSON object; plain text rides along
		// under "text".
		var payload map[string]any
		if json.Unmarshal([]byte(tc.Text), &payload) == nil {
			for k, v := range payload {
				out.Data[k] = v
			}
		}
	}
	if len(out.Data) == 0 && len(texts) > 0 {
		out.Data["text"] = strings.Join(texts, "\n")
	}

	if v, ok := out.Data["external_id"].(string); ok {
		out.ExternalID = v
	}
	if v, ok := out.Data["url"].(string); ok {
		out.URL = v
	}
	if !out.OK {
		out.Error = strings.Join(texts, "; ")
		if out.Error == "" {
			out.Error = fmt.Sprintf("tool %s reported an error", name)
		}
	}
	return out, nil
}
