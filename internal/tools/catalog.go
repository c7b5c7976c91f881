// Package tools implements the coordination actions agents invoke against a
// session: task board updates, fence transfer, patch application, database
// migration and comms posting. Each handler validates its payload, runs the
// role/fence policy and executes against the session store; patch and
// migration additionally delegate to external collaborators.
package tools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/apogee-dev/apogee-mcp/internal/policy"
)

// Catalog returns the static tool definitions advertised by tools/list. The
// same definitions feed the stdio server registration and the HTTP listing.
func Catalog() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(policy.ToolTodoUpdate,
			mcp.WithDescription("Update the shared todo list with new tasks or status changes"),
			mcp.WithArray("diff", mcp.Required(),
				mcp.Description("Ordered create/update/delete operations against the task board"),
				mcp.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"operation": map[string]any{"type": "string", "enum": []string{"create", "update", "delete"}},
						"id":        map[string]any{"type": "string"},
						"desc":      map[string]any{"type": "string"},
						"assignee":  map[string]any{"type": "string", "enum": []string{"planner", "implementer"}},
						"status":    map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
					},
					"required": []string{"operation"},
				}),
			),
		),
		mcp.NewTool(policy.ToolFenceSet,
			mcp.WithDescription("Change the write fence owner (who can apply patches)"),
			mcp.WithString("owner", mcp.Required(),
				mcp.Description("New fence owner"),
				mcp.Enum("planner", "implementer"),
			),
		),
		mcp.NewTool(policy.ToolPatchApply,
			mcp.WithDescription("Apply a code patch to the working repository"),
			mcp.WithString("diff", mcp.Required(), mcp.Description("Unified diff format patch")),
			mcp.WithString("rationale", mcp.Description("Explanation of the changes")),
			mcp.WithString("targetBranch", mcp.Description("Branch to apply against (default main)")),
		),
		mcp.NewTool(policy.ToolDBMigrate,
			mcp.WithDescription("Run a database migration plan (planner-only)"),
			mcp.WithString("planId", mcp.Required(), mcp.Description("Migration plan identifier")),
			mcp.WithBoolean("dryRun", mcp.Description("Validate without applying")),
		),
		mcp.NewTool(policy.ToolSQLExec,
			mcp.WithDescription("Execute a raw SQL query against the project database (planner-only)"),
			mcp.WithString("sql", mcp.Required(), mcp.Description("SQL statement to execute")),
			mcp.WithBoolean("dryRun", mcp.Description("Validate without executing")),
		),
		mcp.NewTool(policy.ToolCommsPost,
			mcp.WithDescription("Post a structured message to the shared communication log"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Message body")),
			mcp.WithArray("tags", mcp.Description("Optional tags"),
				mcp.Items(map[string]any{"type": "string"})),
			mcp.WithObject("metadata", mcp.Description("Optional free-form metadata")),
		),
	}
}
