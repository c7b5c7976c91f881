// Package transport adapts the coordination core to its two protocol
// surfaces: a stdio MCP server for local single-session use governed by
// process configuration, and an HTTP service for multi-session use with
// bearer-token authorization and SSE push events.
package transport

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/resources"
	"github.com/apogee-dev/apogee-mcp/internal/session"
	"github.com/apogee-dev/apogee-mcp/internal/tools"
)

// Server identity advertised to MCP clients.
const (
	ServerName    = "apogee-mcp-server"
	ServerVersion = "1.0.0"
)

// Stdio is the local transport: one session created at start, authorization
// derived from process configuration, calls handled one at a time by the
// underlying MCP server loop.
type Stdio struct {
	mcp       *server.MCPServer
	enforcer  *policy.Enforcer
	tools     *tools.Handlers
	resources *resources.Handlers
	sessionID string
	role      session.AgentRole
	logger    *zap.Logger
}

// NewStdio assembles the stdio transport. The session is created here so
// every subsequent call operates on the same state.
func NewStdio(store *session.Store, enforcer *policy.Enforcer, th *tools.Handlers, rh *resources.Handlers, defaultRole session.AgentRole, logger *zap.Logger) *Stdio {
	local := enforcer.LocalContext(defaultRole)
	sessionID := store.Create(local.SessionID)

	t := &Stdio{
		enforcer:  enforcer,
		tools:     th,
		resources: rh,
		sessionID: sessionID,
		role:      local.Role,
		logger:    logger,
	}

	s := server.NewMCPServer(ServerName, ServerVersion,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
	)

	for _, tool := range tools.Catalog() {
		s.AddTool(tool, t.toolHandler(tool.Name))
	}
	for _, res := range resources.Catalog() {
		s.AddResource(res, t.resourceHandler())
	}

	t.mcp = s
	return t
}

// auth builds a fresh local authorization context pinned to the transport's
// session.
func (t *Stdio) auth() *policy.Context {
	ctx := t.enforcer.LocalContext(t.role)
	ctx.SessionID = t.sessionID
	return ctx
}

func (t *Stdio) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		auth := t.auth()
		if !t.enforcer.CanInvokeTool(auth, name) {
			return mcp.NewToolResultError("tool " + name + " not authorized for role " + string(auth.Role)), nil
		}

		result, err := t.tools.Execute(ctx, name, req.Params.Arguments, auth)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError("encode result: " + err.Error()), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func (t *Stdio) resourceHandler() server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		doc, err := t.resources.Read(req.Params.URI, t.auth())
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(doc),
			},
		}, nil
	}
}

// Serve runs the MCP server over stdin/stdout until EOF.
func (t *Stdio) Serve() error {
	t.logger.Info("stdio transport started",
		zap.String("session", t.sessionID),
		zap.String("role", string(t.role)))
	return server.ServeStdio(t.mcp)
}
